package signalindex

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/wire"
)

var (
	u1 = uuid.MustParse("3f2504e0-4f89-11d3-9a0c-0305e82c3301")
	u2 = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
)

func sampleCache() *Cache {
	c := New()
	c.Add(0, u1, "PPA", 1)
	c.Add(1, u2, "PPA", 2)
	c.Add(42, uuid.Nil, "", 7)
	return c
}

func TestCache_Lookup(t *testing.T) {
	c := sampleCache()

	k, ok := c.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, Key{SignalID: u1, Source: "PPA", ID: 1}, k)
	assert.Equal(t, "PPA:1", k.String())

	_, ok = c.Lookup(3)
	assert.False(t, ok)
	assert.False(t, c.Contains(3))
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []uint16{0, 1, 42}, c.Indices())
}

func TestParse_RoundTrip(t *testing.T) {
	encodings := map[string]wire.OperationalModes{
		"utf16le": wire.EncodingUnicode,
		"utf16be": wire.EncodingBigEndianUnicode,
		"utf8":    wire.EncodingUTF8,
		"ansi":    wire.EncodingANSI,
	}

	for name, encoding := range encodings {
		t.Run(name, func(t *testing.T) {
			modes := wire.ModeUseCommonSerializationFormat | encoding
			enc, err := wire.EncodingFor(modes)
			require.NoError(t, err)

			buf, err := Encode(sampleCache(), enc)
			require.NoError(t, err)

			parsed, err := Parse(buf, modes, enc)
			require.NoError(t, err)
			assert.Equal(t, sampleCache().entries, parsed.entries)

			for i := 0; i < 64; i++ {
				want := i == 0 || i == 1 || i == 42
				assert.Equal(t, want, parsed.Contains(uint16(i)), "index %d", i)
			}
		})
	}
}

func TestParse_GZip(t *testing.T) {
	modes := wire.DefaultOperationalModes | wire.ModeCompressSignalIndexCache | wire.CompressionGZip

	raw, err := Encode(sampleCache(), wire.UTF16LE)
	require.NoError(t, err)
	compressed, err := wire.Compress(raw)
	require.NoError(t, err)

	parsed, err := Parse(compressed, modes, wire.UTF16LE)
	require.NoError(t, err)
	assert.Equal(t, 3, parsed.Len())

	// Without the GZip compression mode the payload is read as-is.
	_, err = Parse(compressed, modes&^wire.CompressionGZip, wire.UTF16LE)
	assert.Error(t, err)
}

func TestParse_Truncated(t *testing.T) {
	buf, err := Encode(sampleCache(), wire.UTF8)
	require.NoError(t, err)

	for _, n := range []int{0, 10, 23, 30, len(buf) - 1} {
		c, err := Parse(buf[:n], wire.DefaultOperationalModes, wire.UTF8)
		assert.Nil(t, c, "length %d", n)
		assert.ErrorIs(t, err, errors.ErrShortBuffer, "length %d", n)
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestParse_UUIDByteOrder(t *testing.T) {
	c := New()
	c.Add(5, u1, "X", 9)
	buf, err := Encode(c, wire.UTF8)
	require.NoError(t, err)

	// header(20) + count(4) + index(2) puts the id at offset 26
	assert.Equal(t, []byte{0x3f, 0x25, 0x04, 0xe0}, buf[26:30])
}

func TestParse_Empty(t *testing.T) {
	buf, err := Encode(New(), wire.UTF16LE)
	require.NoError(t, err)

	c, err := Parse(buf, wire.DefaultOperationalModes, wire.UTF16LE)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}
