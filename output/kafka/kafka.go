// Package kafka produces measurements to a Kafka topic, keyed by
// "<source>:<id>" so each signal stays on one partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shopify/sarama"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/output"
)

// Config holds configuration for the Kafka sink
type Config struct {
	Brokers  []string `json:"brokers" yaml:"brokers"`
	Topic    string   `json:"topic" yaml:"topic"`
	ClientID string   `json:"client_id" yaml:"client_id"`
	// Version is the Kafka protocol version, e.g. "2.8.0".
	Version string `json:"version" yaml:"version"`
	// Compression is one of none, gzip, snappy, lz4, zstd.
	Compression string        `json:"compression" yaml:"compression"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns default configuration for the Kafka sink
func DefaultConfig() Config {
	return Config{
		Brokers:     []string{"localhost:9092"},
		Topic:       "tsstream.measurements",
		ClientID:    "tsstream",
		Version:     "2.8.0",
		Compression: "none",
		Timeout:     10 * time.Second,
	}
}

var codecs = map[string]sarama.CompressionCodec{
	"":       sarama.CompressionNone,
	"none":   sarama.CompressionNone,
	"gzip":   sarama.CompressionGZIP,
	"snappy": sarama.CompressionSnappy,
	"lz4":    sarama.CompressionLZ4,
	"zstd":   sarama.CompressionZSTD,
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "kafka.Config", "Validate", "brokers are required")
	}
	if c.Topic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "kafka.Config", "Validate", "topic is required")
	}
	if _, ok := codecs[strings.ToLower(c.Compression)]; !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: compression %q", errors.ErrInvalidConfig, c.Compression),
			"kafka.Config", "Validate", "unknown compression")
	}
	if c.Version != "" {
		if _, err := sarama.ParseKafkaVersion(c.Version); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "kafka.Config", "Validate", "version")
		}
	}
	return nil
}

// SaramaConfig builds the producer configuration for a synchronous producer.
func (c Config) SaramaConfig() (*sarama.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	conf := sarama.NewConfig()
	if c.Version != "" {
		version, _ := sarama.ParseKafkaVersion(c.Version)
		conf.Version = version
	}
	if c.ClientID != "" {
		conf.ClientID = c.ClientID
	}
	conf.Producer.Return.Successes = true
	conf.Producer.Return.Errors = true
	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Compression = codecs[strings.ToLower(c.Compression)]
	if c.Timeout > 0 {
		conf.Producer.Timeout = c.Timeout
		conf.Net.DialTimeout = c.Timeout
	}
	return conf, nil
}

// recordEncoder implements sarama.Encoder for a measurement record.
type recordEncoder struct {
	once sync.Once
	rec  output.Record
	data []byte
	err  error
}

func (e *recordEncoder) Encode() ([]byte, error) {
	e.once.Do(func() { e.data, e.err = json.Marshal(e.rec) })
	return e.data, e.err
}

func (e *recordEncoder) Length() int {
	data, _ := e.Encode()
	return len(data)
}

// Sink sends each batch with one SendMessages call.
type Sink struct {
	cfg      Config
	producer sarama.SyncProducer
	logger   *slog.Logger

	sent   atomic.Int64
	closed atomic.Bool
}

var _ output.Sink = (*Sink)(nil)

// New connects a synchronous producer to cfg.Brokers.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	conf, err := cfg.SaramaConfig()
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, conf)
	if err != nil {
		return nil, errors.WrapTransient(err, "kafka.Sink", "New", "create producer")
	}
	return NewWithProducer(cfg, producer, logger)
}

// NewWithProducer wraps an existing producer. The sink closes it on Close.
func NewWithProducer(cfg Config, producer sarama.SyncProducer, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:      cfg,
		producer: producer,
		logger:   logger.With("component", "kafka-sink", "topic", cfg.Topic),
	}, nil
}

// Name returns "kafka".
func (s *Sink) Name() string { return "kafka" }

// Message builds the producer message for m.
func (s *Sink) Message(m measurement.Measurement) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic:     s.cfg.Topic,
		Key:       sarama.StringEncoder(output.PointTag(m)),
		Value:     &recordEncoder{rec: output.NewRecord(m)},
		Timestamp: m.Time(),
	}
}

// Write produces batch and waits for the broker acknowledgements.
func (s *Sink) Write(ctx context.Context, batch []measurement.Measurement) error {
	if s.closed.Load() {
		return errors.WrapInvalid(errors.ErrSinkUnavailable, "kafka.Sink", "Write", "producer closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	msgs := make([]*sarama.ProducerMessage, len(batch))
	for i, m := range batch {
		msgs[i] = s.Message(m)
	}

	if err := s.producer.SendMessages(msgs); err != nil {
		failed := len(msgs)
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			failed = len(perrs)
		}
		s.sent.Add(int64(len(msgs) - failed))
		return errors.WrapTransient(fmt.Errorf("%d of %d messages failed: %w", failed, len(msgs), err),
			"kafka.Sink", "Write", "send messages")
	}
	s.sent.Add(int64(len(msgs)))
	return nil
}

// Sent returns the number of messages acknowledged by the brokers.
func (s *Sink) Sent() int64 { return s.sent.Load() }

// Close closes the producer.
func (s *Sink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.producer.Close(); err != nil {
		return errors.Wrap(err, "kafka.Sink", "Close", "close producer")
	}
	s.logger.Info("Kafka sink closed", "sent", s.sent.Load())
	return nil
}
