package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"eof", io.EOF, true},
		{"closed socket", fmt.Errorf("read: %w", net.ErrClosed), true},
		{"deadline", context.DeadlineExceeded, true},
		{"invalid data", ErrInvalidData, false},
		{"unknown signal index", ErrUnknownSignalIndex, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err), "error: %v", test.err)
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrInvalidOperationalModes))
	assert.True(t, IsInvalid(fmt.Errorf("parse: %w", ErrShortBuffer)))
	assert.True(t, IsInvalid(WrapInvalid(errors.New("bad"), "Parser", "Parse", "decode record")))
	assert.False(t, IsInvalid(ErrConnectionLost))
	assert.False(t, IsInvalid(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrMissingConfig))
	assert.True(t, IsFatal(fmt.Errorf("reconnect: %w", ErrMaxRetriesExceeded)))
	assert.True(t, IsFatal(WrapFatal(errors.New("boom"), "Daemon", "run", "open sink")))
	assert.False(t, IsFatal(ErrInvalidData))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorInvalid, Classify(ErrMissingBaseTimeOffsets))
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	assert.Equal(t, ErrorTransient, Classify(io.ErrUnexpectedEOF))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))

	// explicit classification wins over sentinel matching
	err := WrapTransient(ErrInvalidData, "Subscriber", "Connect", "dial")
	assert.Equal(t, ErrorTransient, Classify(err))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "c", "m", "a"))
	assert.Nil(t, WrapTransient(nil, "c", "m", "a"))

	err := Wrap(ErrShortBuffer, "Cache", "Parse", "read entry count")
	assert.EqualError(t, err, "Cache.Parse: read entry count failed: buffer too short")
	assert.True(t, errors.Is(err, ErrShortBuffer))

	wrapped := WrapInvalid(ErrBadSyncPattern, "Subscriber", "readResponses", "decode header")
	var ce *ClassifiedError
	assert.True(t, As(wrapped, &ce))
	assert.Equal(t, "Subscriber", ce.Component)
	assert.Equal(t, "readResponses", ce.Operation)
	assert.True(t, Is(wrapped, ErrBadSyncPattern))
}
