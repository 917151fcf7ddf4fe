// Package natspub publishes measurements to NATS, one message per measurement
// on subject "<prefix>.<source>.<id>".
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/output"
)

// Publisher is the part of natsclient.Client the sink uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Config holds configuration for the NATS sink
type Config struct {
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	// JetStream publishes through JetStream and waits for each ack.
	JetStream bool `json:"jetstream" yaml:"jetstream"`
	// Stream is the JetStream stream name created on start when JetStream is set.
	Stream string `json:"stream" yaml:"stream"`
}

// DefaultConfig returns default configuration for the NATS sink
func DefaultConfig() Config {
	return Config{SubjectPrefix: "tsstream", Stream: "MEASUREMENTS"}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.SubjectPrefix == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "natspub.Config", "Validate", "subject_prefix is required")
	}
	if strings.ContainsAny(c.SubjectPrefix, " *>") {
		return errors.WrapInvalid(fmt.Errorf("%w: subject prefix %q", errors.ErrInvalidConfig, c.SubjectPrefix),
			"natspub.Config", "Validate", "subject_prefix must not contain wildcards or spaces")
	}
	if c.JetStream && c.Stream == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "natspub.Config", "Validate", "stream is required with jetstream")
	}
	return nil
}

// StreamSubjects returns the subject filter covering every subject the sink
// publishes on.
func (c Config) StreamSubjects() []string {
	return []string{c.SubjectPrefix + ".>"}
}

// Sink publishes measurement records as JSON.
type Sink struct {
	cfg       Config
	publisher Publisher
	logger    *slog.Logger

	published atomic.Int64
}

var _ output.Sink = (*Sink)(nil)

// New creates a NATS sink over publisher.
func New(cfg Config, publisher Publisher, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natspub.Sink", "New", "publisher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With("component", "nats-sink", "prefix", cfg.SubjectPrefix),
	}, nil
}

// Name returns "nats".
func (s *Sink) Name() string { return "nats" }

// Subject returns the subject m is published on. Characters NATS treats as
// separators or wildcards in the source are replaced with '_'.
func (s *Sink) Subject(m measurement.Measurement) string {
	return fmt.Sprintf("%s.%s.%d", s.cfg.SubjectPrefix, subjectToken(m.Source), m.ID)
}

func subjectToken(source string) string {
	if source == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, source)
}

// Write publishes each measurement of batch. It stops at the first failure.
func (s *Sink) Write(ctx context.Context, batch []measurement.Measurement) error {
	for i, m := range batch {
		data, err := json.Marshal(output.NewRecord(m))
		if err != nil {
			return errors.WrapInvalid(err, "natspub.Sink", "Write", "marshal record")
		}

		subject := s.Subject(m)
		if s.cfg.JetStream {
			err = s.publisher.PublishToStream(ctx, subject, data)
		} else {
			err = s.publisher.Publish(ctx, subject, data)
		}
		if err != nil {
			return errors.WrapTransient(fmt.Errorf("measurement %d of %d: %w", i+1, len(batch), err),
				"natspub.Sink", "Write", "publish "+subject)
		}
		s.published.Add(1)
	}
	return nil
}

// Published returns the number of measurements published.
func (s *Sink) Published() int64 { return s.published.Load() }

// Close is a no-op; the NATS connection is owned by the caller.
func (s *Sink) Close() error {
	s.logger.Debug("NATS sink closed", "published", s.published.Load())
	return nil
}
