package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodingFor(t *testing.T) {
	tests := []struct {
		modes OperationalModes
		want  string
		bytes []byte
	}{
		{ModeUseCommonSerializationFormat | EncodingUnicode, "UTF-16LE", []byte{'P', 0, 'P', 0, 'A', 0}},
		{ModeUseCommonSerializationFormat | EncodingBigEndianUnicode, "UTF-16BE", []byte{0, 'P', 0, 'P', 0, 'A'}},
		{ModeUseCommonSerializationFormat | EncodingUTF8, "UTF-8", []byte("PPA")},
		{ModeUseCommonSerializationFormat | EncodingANSI, "Windows-1252", []byte("PPA")},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			enc, err := EncodingFor(tt.modes)
			require.NoError(t, err)
			assert.Equal(t, tt.want, enc.String())

			b, err := enc.Encode("PPA")
			require.NoError(t, err)
			assert.Equal(t, tt.bytes, b)

			s, err := enc.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, "PPA", s)
		})
	}
}

func TestTextEncoding_NonASCII(t *testing.T) {
	b, err := ANSI.Encode("café")
	require.NoError(t, err)
	assert.Equal(t, []byte{'c', 'a', 'f', 0xE9}, b)

	s, err := UTF16BE.Decode([]byte{0x00, 0xE9})
	require.NoError(t, err)
	assert.Equal(t, "é", s)
}

func TestCompressRoundTrip(t *testing.T) {
	payload := []byte("<DataSet>metadata</DataSet>")

	compressed, err := Compress(payload)
	require.NoError(t, err)

	out, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	_, err = Decompress([]byte("not gzip"))
	assert.Error(t, err)
}
