package measurement

import "time"

// Ticks are 100ns intervals since 0001-01-01 00:00:00 UTC.
const (
	TicksPerSecond = 10_000_000
	// unixEpochTicks is the tick value of 1970-01-01 00:00:00 UTC.
	unixEpochTicks = 621_355_968_000_000_000
)

// TicksToTime converts a tick timestamp to UTC time.
func TicksToTime(ticks int64) time.Time {
	unixTicks := ticks - unixEpochTicks
	return time.Unix(unixTicks/TicksPerSecond, (unixTicks%TicksPerSecond)*100).UTC()
}

// TimeToTicks converts t to ticks, truncating below 100ns.
func TimeToTicks(t time.Time) int64 {
	return t.Unix()*TicksPerSecond + int64(t.Nanosecond()/100) + unixEpochTicks
}

// Time returns the measurement timestamp as UTC time.
func (m Measurement) Time() time.Time {
	return TicksToTime(m.Timestamp)
}
