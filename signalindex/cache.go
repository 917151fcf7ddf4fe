// Package signalindex maps the 16-bit runtime indices used in compact
// measurements to signal identities. A cache is built once from a publisher
// update and then only read; replacing it is the owner's job.
package signalindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/wire"
)

// headerSize covers the 4-byte length and the 16-byte subscriber id that
// precede the entry count.
const headerSize = 20

// Key identifies one signal.
type Key struct {
	SignalID uuid.UUID
	Source   string
	ID       uint32
}

// String renders the key in SOURCE:ID form.
func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Source, k.ID)
}

// Cache is a signal index table. It is not safe for concurrent mutation.
type Cache struct {
	entries map[uint16]Key
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[uint16]Key)}
}

// Add stores the identity for index, replacing any previous entry.
func (c *Cache) Add(index uint16, signalID uuid.UUID, source string, id uint32) {
	c.entries[index] = Key{SignalID: signalID, Source: source, ID: id}
}

// Contains reports whether index has an entry.
func (c *Cache) Contains(index uint16) bool {
	_, ok := c.entries[index]
	return ok
}

// Lookup returns the identity for index.
func (c *Cache) Lookup(index uint16) (Key, bool) {
	k, ok := c.entries[index]
	return k, ok
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Indices returns every index in ascending order.
func (c *Cache) Indices() []uint16 {
	out := make([]uint16, 0, len(c.entries))
	for i := range c.entries {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Parse builds a cache from an UpdateSignalIndexCache payload. The buffer is
// gunzipped first when the modes request a compressed cache.
func Parse(buf []byte, modes wire.OperationalModes, enc wire.TextEncoding) (*Cache, error) {
	if modes.GZipSignalIndexCache() {
		inflated, err := wire.Decompress(buf)
		if err != nil {
			return nil, errors.WrapInvalid(err, "signalindex", "Parse", "decompress cache")
		}
		buf = inflated
	}

	r := reader{buf: buf}
	r.skip(headerSize)
	count := r.int32()
	if r.err == nil && count < 0 {
		r.err = fmt.Errorf("%w: negative entry count %d", errors.ErrInvalidData, count)
	}

	cache := New()
	for i := int32(0); r.err == nil && i < count; i++ {
		index := r.uint16()
		signalID := r.uuid()
		sourceLen := r.int32()
		if r.err == nil && sourceLen < 0 {
			r.err = fmt.Errorf("%w: entry %d has negative source length", errors.ErrInvalidData, i)
			break
		}
		raw := r.bytes(int(sourceLen))
		id := r.uint32()
		if r.err != nil {
			break
		}

		source, err := enc.Decode(raw)
		if err != nil {
			r.err = fmt.Errorf("%w: entry %d source: %w", errors.ErrInvalidData, i, err)
			break
		}
		cache.Add(index, signalID, source, id)
	}

	if r.err != nil {
		return nil, errors.WrapInvalid(r.err, "signalindex", "Parse", "read cache")
	}
	return cache, nil
}

// Encode serializes c in the layout Parse reads, with a zero subscriber id.
// Entries are written in index order.
func Encode(c *Cache, enc wire.TextEncoding) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, headerSize))

	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(c.Len()))
	buf.Write(scratch[:])

	for _, index := range c.Indices() {
		key := c.entries[index]
		source, err := enc.Encode(key.Source)
		if err != nil {
			return nil, errors.WrapInvalid(err, "signalindex", "Encode", "encode source")
		}

		binary.BigEndian.PutUint16(scratch[:2], index)
		buf.Write(scratch[:2])
		buf.Write(key.SignalID[:])
		binary.BigEndian.PutUint32(scratch[:], uint32(len(source)))
		buf.Write(scratch[:])
		buf.Write(source)
		binary.BigEndian.PutUint32(scratch[:], key.ID)
		buf.Write(scratch[:])
	}

	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[:4], uint32(len(out)))
	return out, nil
}

// reader is a big-endian cursor that records the first short read.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf)-r.pos {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", errors.ErrShortBuffer, n, r.pos, len(r.buf)-r.pos)
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) skip(n int) { r.take(n) }

func (r *reader) bytes(n int) []byte { return r.take(n) }

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) int32() int32 { return int32(r.uint32()) }

func (r *reader) uuid() uuid.UUID {
	var id uuid.UUID
	if b := r.take(16); b != nil {
		copy(id[:], b)
	}
	return id
}
