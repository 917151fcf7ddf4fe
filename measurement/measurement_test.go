package measurement

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/signalindex"
	"github.com/c360/tsstream/wire"
)

var (
	u1 = uuid.MustParse("3f2504e0-4f89-11d3-9a0c-0305e82c3301")
	u2 = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	u3 = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")
)

func testCache() *signalindex.Cache {
	c := signalindex.New()
	c.Add(0, u1, "PPA", 1)
	c.Add(1, u2, "PPA", 2)
	c.Add(2, u3, "PPA", 3)
	return c
}

func encodeRecords(t *testing.T, opts wire.TimeOptions, recs ...wire.Record) []byte {
	t.Helper()
	var buf []byte
	for _, r := range recs {
		buf = wire.EncodeCompact(buf, r, opts)
	}
	return buf
}

func TestParse_StrayTrailingBytes(t *testing.T) {
	opts := wire.TimeOptions{IncludeTime: true}
	buf := encodeRecords(t, opts,
		wire.Record{Index: 0, Value: 60.0, Timestamp: 100},
		wire.Record{Index: 1, Value: 59.9, Timestamp: 200},
		wire.Record{Index: 2, Value: 60.1, Timestamp: 300},
	)
	buf = append(buf, 0x00, 0x01)

	got, err := Parse(testCache(), nil, true, false, buf)
	require.NoError(t, err)

	want := []Measurement{
		{Key: Key{SignalID: u1, Source: "PPA", ID: 1}, Value: 60.0, Timestamp: 100},
		{Key: Key{SignalID: u2, Source: "PPA", ID: 2}, Value: 59.9, Timestamp: 200},
		{Key: Key{SignalID: u3, Source: "PPA", ID: 3}, Value: 60.1, Timestamp: 300},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_UnknownIndexHalts(t *testing.T) {
	opts := wire.TimeOptions{}
	buf := encodeRecords(t, opts,
		wire.Record{Index: 0, Value: 1},
		wire.Record{Index: 9, Value: 2},
		wire.Record{Index: 1, Value: 3},
	)

	got, err := Parse(testCache(), nil, false, false, buf)
	assert.ErrorIs(t, err, errors.ErrUnknownSignalIndex)
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(1), got[0].ID)
}

func TestParse_MissingOffsetsHalts(t *testing.T) {
	withOffsets := wire.TimeOptions{IncludeTime: true, MillisecondResolution: true, BaseTimeOffsets: &[2]int64{1_000_000, 0}}
	buf := encodeRecords(t, wire.TimeOptions{IncludeTime: true}, wire.Record{Index: 0, Value: 1, Timestamp: 5})
	buf = append(buf, encodeRecords(t, withOffsets, wire.Record{Index: 1, Value: 2, Timestamp: 1_000_000 + wire.TicksPerMillisecond})...)

	got, err := Parse(testCache(), nil, true, true, buf)
	assert.ErrorIs(t, err, errors.ErrMissingBaseTimeOffsets)
	require.Len(t, got, 1)

	offsets := BaseTimeOffsets{1_000_000, 0}
	got, err = Parse(testCache(), &offsets, true, true, buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1_000_000+wire.TicksPerMillisecond), got[1].Timestamp)
}

func TestParse_FlagsExpanded(t *testing.T) {
	buf := []byte{wire.CompactDataQuality, 0x00, 0x00, 0x42, 0x70, 0x00, 0x00}

	got, err := Parse(testCache(), nil, false, false, buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, wire.DataQualityMask, got[0].Flags)
	assert.Equal(t, float32(60.0), got[0].Value)
	assert.Equal(t, "PPA:1=60@0", got[0].String())
}

func TestParse_EmptyAndNilCache(t *testing.T) {
	got, err := Parse(testCache(), nil, true, false, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Parse(nil, nil, false, false, []byte{0, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
}

func TestApplyFrameTimestamp(t *testing.T) {
	buf := encodeRecords(t, wire.TimeOptions{},
		wire.Record{Index: 0, Value: 1},
		wire.Record{Index: 1, Value: 2},
	)

	got, err := Parse(testCache(), nil, false, false, buf)
	require.NoError(t, err)

	ApplyFrameTimestamp(got, 1700000000000)
	for _, m := range got {
		assert.Equal(t, int64(1700000000000), m.Timestamp)
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	cache := testCache()
	offsets := BaseTimeOffsets{1_000_000, 2_000_000}
	opts := wire.TimeOptions{IncludeTime: true, BaseTimeOffsets: &offsets, TimeIndex: 1}

	in := []Measurement{
		{Key: Key{SignalID: u3, Source: "PPA", ID: 3}, Value: 1.5, Timestamp: 2_000_500, Flags: wire.SystemIssueMask},
		{Key: Key{SignalID: u1, Source: "PPA", ID: 1}, Value: -3, Timestamp: 99},
	}

	buf, err := Encode(nil, cache, in, opts)
	require.NoError(t, err)

	out, err := Parse(cache, &offsets, true, false, buf)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	_, err = Encode(nil, cache, []Measurement{{Key: Key{Source: "X", ID: 1}}}, opts)
	assert.ErrorIs(t, err, errors.ErrUnknownSignalIndex)
}
