package wire

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/c360/tsstream/errors"
)

// TextEncoding converts strings to and from the negotiated wire encoding.
type TextEncoding struct {
	name string
	enc  encoding.Encoding
}

var (
	// UTF16LE is the default encoding.
	UTF16LE = TextEncoding{name: "UTF-16LE", enc: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)}
	UTF16BE = TextEncoding{name: "UTF-16BE", enc: unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)}
	UTF8    = TextEncoding{name: "UTF-8", enc: unicode.UTF8}
	// ANSI stands in for the publisher's platform code page.
	ANSI = TextEncoding{name: "Windows-1252", enc: charmap.Windows1252}
)

// EncodingFor returns the text encoding selected by the modes' encoding field.
func EncodingFor(modes OperationalModes) (TextEncoding, error) {
	switch modes.Encoding() {
	case EncodingUnicode:
		return UTF16LE, nil
	case EncodingBigEndianUnicode:
		return UTF16BE, nil
	case EncodingUTF8:
		return UTF8, nil
	case EncodingANSI:
		return ANSI, nil
	}
	return TextEncoding{}, fmt.Errorf("%w: encoding 0x%x", errors.ErrInvalidOperationalModes, uint32(modes.Encoding()))
}

// Encode converts s to the wire encoding.
func (e TextEncoding) Encode(s string) ([]byte, error) {
	if e.enc == nil {
		return []byte(s), nil
	}
	b, err := e.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.name, err)
	}
	return b, nil
}

// Decode converts wire bytes to a string.
func (e TextEncoding) Decode(b []byte) (string, error) {
	if e.enc == nil {
		return string(b), nil
	}
	out, err := e.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", e.name, err)
	}
	return string(out), nil
}

func (e TextEncoding) String() string {
	if e.name == "" {
		return "UTF-8"
	}
	return e.name
}
