package buffer

// ReadBuffer is an owned byte buffer reused across reads. It only grows, so a
// single large payload does not force a reallocation on every later read.
type ReadBuffer struct {
	buf []byte
}

// NewReadBuffer allocates a buffer with the given initial capacity.
func NewReadBuffer(capacity int) *ReadBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &ReadBuffer{buf: make([]byte, capacity)}
}

// EnsureCapacity grows the buffer to hold at least n bytes and returns a slice
// of exactly n bytes backed by it. Contents are not preserved across growth.
func (b *ReadBuffer) EnsureCapacity(n int) []byte {
	if n > len(b.buf) {
		b.buf = make([]byte, n)
	}
	return b.buf[:n]
}

// Cap returns the current capacity.
func (b *ReadBuffer) Cap() int {
	return len(b.buf)
}
