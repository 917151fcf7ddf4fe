// Package measurement turns compact data packet bodies into identified
// measurements using the session's signal index cache and base time offsets.
package measurement

import (
	stderrors "errors"
	"fmt"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/signalindex"
	"github.com/c360/tsstream/wire"
)

// Key identifies the signal a measurement belongs to.
type Key = signalindex.Key

// Measurement is one decoded value.
type Measurement struct {
	Key
	Value float32
	// Timestamp is in 100ns ticks, or the raw wire value when the publisher
	// sends another epoch.
	Timestamp int64
	// Flags are the full state flags.
	Flags uint32
}

func (m Measurement) String() string {
	return fmt.Sprintf("%s=%g@%d", m.Key, m.Value, m.Timestamp)
}

// BaseTimeOffsets are the two bases compact time offsets are relative to.
type BaseTimeOffsets = [2]int64

// Parse decodes compact records from buf until it is exhausted or a record
// cannot be decoded. The measurements decoded before the stop are always
// returned. A trailing partial record ends the buffer normally and yields a nil
// error; an unknown signal index or a missing base time offset yields an error
// describing the record that stopped parsing.
func Parse(cache *signalindex.Cache, offsets *BaseTimeOffsets, includeTime, msResolution bool, buf []byte) ([]Measurement, error) {
	if cache == nil {
		return nil, fmt.Errorf("%w: no signal index cache", errors.ErrParsingFailed)
	}

	opts := wire.TimeOptions{
		IncludeTime:           includeTime,
		MillisecondResolution: msResolution,
		BaseTimeOffsets:       offsets,
	}

	out := make([]Measurement, 0, len(buf)/7)
	for pos := 0; pos < len(buf); {
		rec, n, err := wire.DecodeCompact(buf[pos:], opts)
		if stderrors.Is(err, errors.ErrShortBuffer) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("%w: record %d at offset %d: %w", errors.ErrParsingFailed, len(out), pos, err)
		}

		key, ok := cache.Lookup(rec.Index)
		if !ok {
			return out, fmt.Errorf("%w: record %d at offset %d: %w %d", errors.ErrParsingFailed, len(out), pos, errors.ErrUnknownSignalIndex, rec.Index)
		}

		out = append(out, Measurement{
			Key:       key,
			Value:     rec.Value,
			Timestamp: rec.Timestamp,
			Flags:     rec.Flags,
		})
		pos += n
	}
	return out, nil
}

// ApplyFrameTimestamp stamps every measurement with the frame time of a
// synchronized packet.
func ApplyFrameTimestamp(ms []Measurement, ts int64) {
	for i := range ms {
		ms[i].Timestamp = ts
	}
}

// Encode writes ms as compact records, resolving each key back to its index.
// It is the inverse of Parse and is used to build data packets.
func Encode(dst []byte, cache *signalindex.Cache, ms []Measurement, opts wire.TimeOptions) ([]byte, error) {
	indices := make(map[Key]uint16, cache.Len())
	for _, i := range cache.Indices() {
		k, _ := cache.Lookup(i)
		indices[k] = i
	}

	for _, m := range ms {
		index, ok := indices[m.Key]
		if !ok {
			return dst, fmt.Errorf("%w: %s", errors.ErrUnknownSignalIndex, m.Key)
		}
		dst = wire.EncodeCompact(dst, wire.Record{
			Index:     index,
			Value:     m.Value,
			Timestamp: m.Timestamp,
			Flags:     m.Flags,
		}, opts)
	}
	return dst, nil
}
