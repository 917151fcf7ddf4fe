package measurement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTicksToTime(t *testing.T) {
	assert.Equal(t, time.Unix(0, 0).UTC(), TicksToTime(unixEpochTicks))

	ts := time.Date(2024, 3, 1, 12, 30, 15, 123456700, time.UTC)
	ticks := TimeToTicks(ts)
	assert.Equal(t, ts, TicksToTime(ticks))

	m := Measurement{Timestamp: ticks}
	assert.Equal(t, ts, m.Time())
}

func TestTicksToTime_BeforeUnixEpoch(t *testing.T) {
	ts := time.Date(1900, 1, 1, 0, 0, 0, 500, time.UTC)
	assert.Equal(t, ts, TicksToTime(TimeToTicks(ts)))
}
