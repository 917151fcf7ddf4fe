package wire

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/c360/tsstream/errors"
)

// Decompress inflates a gzip stream.
func Decompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip header: %w", errors.ErrInvalidData, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip body: %w", errors.ErrInvalidData, err)
	}
	return out, nil
}

// Compress deflates b into a gzip stream.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
