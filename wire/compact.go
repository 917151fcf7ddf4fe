package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/c360/tsstream/errors"
)

// Compact state flag bits, the first byte of every compact record.
const (
	CompactDataRange       byte = 0x01
	CompactDataQuality     byte = 0x02
	CompactTimeQuality     byte = 0x04
	CompactSystemIssue     byte = 0x08
	CompactCalculatedValue byte = 0x10
	CompactDiscardedValue  byte = 0x20
	CompactBaseTimeOffset  byte = 0x40
	CompactTimeIndex       byte = 0x80
)

// Full state flag masks each compact bit stands for.
const (
	DataRangeMask       uint32 = 0x000000FC
	DataQualityMask     uint32 = 0x0000EF03
	TimeQualityMask     uint32 = 0x00BF0000
	SystemIssueMask     uint32 = 0xE0000000
	CalculatedValueMask uint32 = 0x00001000
	DiscardedValueMask  uint32 = 0x00400000
)

// TicksPerMillisecond converts millisecond offsets to 100ns ticks.
const TicksPerMillisecond = 10000

const compactFixedSize = 7

var flagMasks = [...]struct {
	compact byte
	full    uint32
}{
	{CompactDataRange, DataRangeMask},
	{CompactDataQuality, DataQualityMask},
	{CompactTimeQuality, TimeQualityMask},
	{CompactSystemIssue, SystemIssueMask},
	{CompactCalculatedValue, CalculatedValueMask},
	{CompactDiscardedValue, DiscardedValueMask},
}

// FullFlags expands compact state flags to full state flags. Every compact bit
// sets its whole mask; the time bits are ignored.
func FullFlags(compact byte) uint32 {
	var full uint32
	for _, m := range flagMasks {
		if compact&m.compact != 0 {
			full |= m.full
		}
	}
	return full
}

// CompactFlags folds full state flags into a compact flags byte. A compact bit
// is set when any bit of its mask is set.
func CompactFlags(full uint32, usesOffset, odd bool) byte {
	var compact byte
	for _, m := range flagMasks {
		if full&m.full != 0 {
			compact |= m.compact
		}
	}
	if usesOffset {
		compact |= CompactBaseTimeOffset
	}
	if odd {
		compact |= CompactTimeIndex
	}
	return compact
}

// Record is one decoded compact measurement before identity lookup.
type Record struct {
	Index     uint16
	Value     float32
	Timestamp int64
	Flags     uint32
}

// TimeOptions control how the optional time field is read and written.
type TimeOptions struct {
	IncludeTime           bool
	MillisecondResolution bool
	// BaseTimeOffsets is nil until the publisher sends UpdateBaseTimes.
	BaseTimeOffsets *[2]int64
	// TimeIndex selects the base used when encoding.
	TimeIndex int
}

// CompactSize returns the encoded size of a record with the given flags.
func CompactSize(flags byte, opts TimeOptions) int {
	if !opts.IncludeTime {
		return compactFixedSize
	}
	if flags&CompactBaseTimeOffset == 0 {
		return compactFixedSize + 8
	}
	if opts.MillisecondResolution {
		return compactFixedSize + 2
	}
	return compactFixedSize + 4
}

// DecodeCompact reads one record from b and returns it with the number of
// bytes consumed. ErrShortBuffer means b does not hold a complete record.
func DecodeCompact(b []byte, opts TimeOptions) (Record, int, error) {
	if len(b) < compactFixedSize {
		return Record{}, 0, fmt.Errorf("%w: compact record needs %d bytes, got %d", errors.ErrShortBuffer, compactFixedSize, len(b))
	}
	flags := b[0]
	size := CompactSize(flags, opts)
	if len(b) < size {
		return Record{}, 0, fmt.Errorf("%w: compact record needs %d bytes, got %d", errors.ErrShortBuffer, size, len(b))
	}

	rec := Record{
		Index: binary.BigEndian.Uint16(b[1:3]),
		Value: math.Float32frombits(binary.BigEndian.Uint32(b[3:7])),
		Flags: FullFlags(flags),
	}
	if !opts.IncludeTime {
		return rec, size, nil
	}

	if flags&CompactBaseTimeOffset == 0 {
		rec.Timestamp = int64(binary.BigEndian.Uint64(b[7:15]))
		return rec, size, nil
	}

	if opts.BaseTimeOffsets == nil {
		return Record{}, 0, errors.ErrMissingBaseTimeOffsets
	}
	base := opts.BaseTimeOffsets[0]
	if flags&CompactTimeIndex != 0 {
		base = opts.BaseTimeOffsets[1]
	}

	if opts.MillisecondResolution {
		ms := int64(binary.BigEndian.Uint16(b[7:9]))
		if base > 0 {
			rec.Timestamp = base + ms*TicksPerMillisecond
		}
	} else {
		ticks := int64(binary.BigEndian.Uint32(b[7:11]))
		if base > 0 {
			rec.Timestamp = base + ticks
		}
	}
	return rec, size, nil
}

// EncodeCompact appends the compact form of rec to dst.
func EncodeCompact(dst []byte, rec Record, opts TimeOptions) []byte {
	var (
		usesOffset bool
		diff       int64
	)
	if opts.IncludeTime && opts.BaseTimeOffsets != nil {
		base := opts.BaseTimeOffsets[opts.TimeIndex&1]
		if base > 0 {
			diff = rec.Timestamp - base
			if diff > 0 {
				if opts.MillisecondResolution {
					usesOffset = diff/TicksPerMillisecond < math.MaxUint16
				} else {
					usesOffset = diff < math.MaxUint32
				}
			}
		}
	}

	flags := CompactFlags(rec.Flags, usesOffset, opts.TimeIndex&1 != 0)

	var scratch [15]byte
	scratch[0] = flags
	binary.BigEndian.PutUint16(scratch[1:3], rec.Index)
	binary.BigEndian.PutUint32(scratch[3:7], math.Float32bits(rec.Value))

	n := compactFixedSize
	switch {
	case !opts.IncludeTime:
	case !usesOffset:
		binary.BigEndian.PutUint64(scratch[7:15], uint64(rec.Timestamp))
		n += 8
	case opts.MillisecondResolution:
		binary.BigEndian.PutUint16(scratch[7:9], uint16(diff/TicksPerMillisecond))
		n += 2
	default:
		binary.BigEndian.PutUint32(scratch[7:11], uint32(diff))
		n += 4
	}
	return append(dst, scratch[:n]...)
}
