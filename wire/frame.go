package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/tsstream/errors"
)

const (
	// PayloadHeaderSize is the outer frame header: sync pattern plus LE body size.
	PayloadHeaderSize = 8

	// ResponseHeaderSize is response code, echoed command code and BE length.
	ResponseHeaderSize = 6

	// MaxPacketSize is the largest datagram the data channel receives and the
	// initial size of the command channel read buffer.
	MaxPacketSize = 32767
)

// syncPattern prefixes every frame on the command channel.
var syncPattern = [4]byte{0xAA, 0xBB, 0xCC, 0xDD}

// EncodeCommand frames a command for the command channel: sync pattern, LE
// uint32 length of the code plus payload, the code, then the payload.
func EncodeCommand(code ServerCommand, payload []byte) []byte {
	frame := make([]byte, PayloadHeaderSize+1+len(payload))
	copy(frame, syncPattern[:])
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)+1))
	frame[8] = byte(code)
	copy(frame[9:], payload)
	return frame
}

// DecodePayloadHeader validates the sync pattern of an outer frame header and
// returns the body size that follows it.
func DecodePayloadHeader(b []byte) (int, error) {
	if len(b) < PayloadHeaderSize {
		return 0, fmt.Errorf("%w: payload header needs %d bytes, got %d", errors.ErrShortBuffer, PayloadHeaderSize, len(b))
	}
	if b[0] != syncPattern[0] || b[1] != syncPattern[1] || b[2] != syncPattern[2] || b[3] != syncPattern[3] {
		return 0, fmt.Errorf("%w: % x", errors.ErrBadSyncPattern, b[:4])
	}
	size := binary.LittleEndian.Uint32(b[4:8])
	if size > 1<<30 {
		return 0, fmt.Errorf("%w: payload size %d", errors.ErrInvalidData, size)
	}
	return int(size), nil
}

// EncodePayloadHeader writes the outer frame header for a body of the given size.
func EncodePayloadHeader(dst []byte, size int) {
	copy(dst, syncPattern[:])
	binary.LittleEndian.PutUint32(dst[4:8], uint32(size))
}

// ResponseHeader is the fixed prefix of every publisher response.
type ResponseHeader struct {
	Response ServerResponse
	Command  ServerCommand
	// Length is carried for completeness; receivers rely on the frame size.
	Length uint32
}

// DecodeResponseHeader parses the first ResponseHeaderSize bytes of a response.
func DecodeResponseHeader(b []byte) (ResponseHeader, error) {
	if len(b) < ResponseHeaderSize {
		return ResponseHeader{}, fmt.Errorf("%w: response header needs %d bytes, got %d", errors.ErrShortBuffer, ResponseHeaderSize, len(b))
	}
	return ResponseHeader{
		Response: ServerResponse(b[0]),
		Command:  ServerCommand(b[1]),
		Length:   binary.BigEndian.Uint32(b[2:6]),
	}, nil
}

// EncodeResponse builds a response body (without the outer frame header) as a
// publisher would send it.
func EncodeResponse(response ServerResponse, command ServerCommand, payload []byte) []byte {
	b := make([]byte, ResponseHeaderSize+len(payload))
	b[0] = byte(response)
	b[1] = byte(command)
	binary.BigEndian.PutUint32(b[2:6], uint32(len(payload)))
	copy(b[6:], payload)
	return b
}

// FrameResponse wraps a response body in the outer frame header.
func FrameResponse(body []byte) []byte {
	frame := make([]byte, PayloadHeaderSize+len(body))
	EncodePayloadHeader(frame, len(body))
	copy(frame[PayloadHeaderSize:], body)
	return frame
}
