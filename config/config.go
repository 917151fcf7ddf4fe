package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/output"
	"github.com/c360/tsstream/output/file"
	"github.com/c360/tsstream/output/httppost"
	"github.com/c360/tsstream/output/kafka"
	"github.com/c360/tsstream/output/natspub"
	"github.com/c360/tsstream/output/sqlstore"
	"github.com/c360/tsstream/output/websocket"
	"github.com/c360/tsstream/pkg/tlsutil"
	"github.com/c360/tsstream/reconnect"
	"github.com/c360/tsstream/subscriber"
	"github.com/c360/tsstream/wire"
)

// Config is the complete daemon configuration.
type Config struct {
	// Connection is the publisher to connect to and the reconnect policy.
	Connection   reconnect.Config              `json:"connection" yaml:"connection"`
	Subscriber   SubscriberConfig              `json:"subscriber" yaml:"subscriber"`
	Subscription subscriber.SubscriptionConfig `json:"subscription" yaml:"subscription"`
	Fanout       output.FanoutConfig           `json:"fanout" yaml:"fanout"`
	Sinks        SinksConfig                   `json:"sinks" yaml:"sinks"`
	NATS         NATSConfig                    `json:"nats" yaml:"nats"`
	Metrics      MetricsConfig                 `json:"metrics" yaml:"metrics"`
}

// SubscriberConfig holds the subscriber's session and queue settings.
type SubscriberConfig struct {
	Name          string        `json:"name" yaml:"name"`
	DialTimeout   time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	PollTimeout   time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
	CommandQueue  int           `json:"command_queue" yaml:"command_queue"`
	CallbackQueue int           `json:"callback_queue" yaml:"callback_queue"`
	// Encoding is the negotiated text encoding: utf-16le, utf-16be, utf-8 or ansi.
	Encoding                 string `json:"encoding" yaml:"encoding"`
	CompressMetadata         bool   `json:"compress_metadata" yaml:"compress_metadata"`
	CompressSignalIndexCache bool   `json:"compress_signal_index_cache" yaml:"compress_signal_index_cache"`
}

var encodings = map[string]wire.OperationalModes{
	"utf-16le": wire.EncodingUnicode,
	"utf-16be": wire.EncodingBigEndianUnicode,
	"utf-8":    wire.EncodingUTF8,
	"ansi":     wire.EncodingANSI,
}

// OperationalModes builds the session bitmask the subscriber negotiates.
func (c SubscriberConfig) OperationalModes() (wire.OperationalModes, error) {
	encoding, ok := encodings[strings.ToLower(c.Encoding)]
	if !ok {
		return 0, errors.WrapInvalid(fmt.Errorf("%w: encoding %q", errors.ErrInvalidConfig, c.Encoding),
			"config.SubscriberConfig", "OperationalModes", "encoding must be utf-16le, utf-16be, utf-8 or ansi")
	}

	modes := wire.ModeUseCommonSerializationFormat | encoding
	if c.CompressMetadata {
		modes |= wire.ModeCompressMetadata
	}
	if c.CompressSignalIndexCache {
		modes |= wire.ModeCompressSignalIndexCache | wire.CompressionGZip
	}
	return modes, nil
}

// Options converts the section into subscriber options.
func (c SubscriberConfig) Options() ([]subscriber.Option, error) {
	modes, err := c.OperationalModes()
	if err != nil {
		return nil, err
	}
	return []subscriber.Option{
		subscriber.WithName(c.Name),
		subscriber.WithDialTimeout(c.DialTimeout),
		subscriber.WithPollTimeout(c.PollTimeout),
		subscriber.WithQueueCapacity(c.CommandQueue, c.CallbackQueue),
		subscriber.WithOperationalModes(modes),
	}, nil
}

// SinksConfig enables and configures the measurement sinks.
type SinksConfig struct {
	File      FileSink      `json:"file" yaml:"file"`
	NATS      NATSSink      `json:"nats" yaml:"nats"`
	Kafka     KafkaSink     `json:"kafka" yaml:"kafka"`
	SQL       SQLSink       `json:"sql" yaml:"sql"`
	WebSocket WebSocketSink `json:"websocket" yaml:"websocket"`
	HTTPPost  HTTPPostSink  `json:"httppost" yaml:"httppost"`
}

// FileSink writes JSONL or JSON files.
type FileSink struct {
	Enabled     bool `json:"enabled" yaml:"enabled"`
	file.Config `yaml:",inline"`
}

// NATSSink publishes to NATS subjects, optionally through JetStream.
type NATSSink struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	natspub.Config `yaml:",inline"`
}

// KafkaSink produces to a Kafka topic.
type KafkaSink struct {
	Enabled      bool `json:"enabled" yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

// SQLSink inserts into a Postgres or SQLite table.
type SQLSink struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	sqlstore.Config `yaml:",inline"`
}

// WebSocketSink broadcasts to WebSocket clients.
type WebSocketSink struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	websocket.Config `yaml:",inline"`
}

// HTTPPostSink posts batches to a webhook.
type HTTPPostSink struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	httppost.Config `yaml:",inline"`
}

// Enabled returns the names of the enabled sinks.
func (s SinksConfig) Enabled() []string {
	var names []string
	for _, sink := range []struct {
		name    string
		enabled bool
	}{
		{"file", s.File.Enabled},
		{"nats", s.NATS.Enabled},
		{"kafka", s.Kafka.Enabled},
		{"sql", s.SQL.Enabled},
		{"websocket", s.WebSocket.Enabled},
		{"httppost", s.HTTPPost.Enabled},
	} {
		if sink.enabled {
			names = append(names, sink.name)
		}
	}
	return names
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL           string        `json:"url" yaml:"url"`
	Name          string        `json:"name,omitempty" yaml:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// MetricsConfig controls the HTTP endpoint serving /metrics and /healthz.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`

	TLS tlsutil.ServerConfig `json:"tls" yaml:"tls"`
}

// Default returns the configuration every loaded file is layered on.
func Default() *Config {
	return &Config{
		Connection:   reconnect.DefaultConfig(),
		Subscriber:   SubscriberConfig{Name: "default", DialTimeout: 10 * time.Second, Encoding: "utf-16le", CompressMetadata: true},
		Subscription: subscriber.DefaultSubscriptionConfig(),
		Fanout:       output.DefaultFanoutConfig(),
		Sinks: SinksConfig{
			File:      FileSink{Config: file.DefaultConfig()},
			NATS:      NATSSink{Config: natspub.DefaultConfig()},
			Kafka:     KafkaSink{Config: kafka.DefaultConfig()},
			SQL:       SQLSink{Config: sqlstore.DefaultConfig()},
			WebSocket: WebSocketSink{Config: websocket.DefaultConfig()},
			HTTPPost:  HTTPPostSink{Config: httppost.DefaultConfig()},
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Validate checks every section and every enabled sink.
func (c *Config) Validate() error {
	if err := c.Connection.Validate(); err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	if _, err := c.Subscriber.OperationalModes(); err != nil {
		return fmt.Errorf("subscriber: %w", err)
	}
	if c.Subscription.UDPDataChannel && c.Subscription.DataChannelLocalPort == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: data_channel_local_port is required with udp_data_channel", errors.ErrInvalidConfig),
			"config.Config", "Validate", "subscription")
	}
	if c.Fanout.QueueSize <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: fanout.queue_size must be positive", errors.ErrInvalidConfig),
			"config.Config", "Validate", "fanout")
	}

	sinks := []struct {
		name     string
		enabled  bool
		validate func() error
	}{
		{"file", c.Sinks.File.Enabled, c.Sinks.File.Validate},
		{"nats", c.Sinks.NATS.Enabled, c.Sinks.NATS.Validate},
		{"kafka", c.Sinks.Kafka.Enabled, c.Sinks.Kafka.Validate},
		{"sql", c.Sinks.SQL.Enabled, c.Sinks.SQL.Validate},
		{"websocket", c.Sinks.WebSocket.Enabled, c.Sinks.WebSocket.Validate},
		{"httppost", c.Sinks.HTTPPost.Enabled, c.Sinks.HTTPPost.Validate},
	}
	for _, sink := range sinks {
		if !sink.enabled {
			continue
		}
		if err := sink.validate(); err != nil {
			return fmt.Errorf("sinks.%s: %w", sink.name, err)
		}
	}

	if c.Sinks.NATS.Enabled {
		if c.NATS.URL == "" {
			return errors.WrapInvalid(fmt.Errorf("%w: nats.url is required by the nats sink", errors.ErrMissingConfig),
				"config.Config", "Validate", "nats")
		}
		if err := c.NATS.TLS.Validate(); err != nil {
			return fmt.Errorf("nats.tls: %w", err)
		}
	}
	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return errors.WrapInvalid(fmt.Errorf("%w: metrics.addr", errors.ErrMissingConfig),
				"config.Config", "Validate", "metrics")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return errors.WrapInvalid(fmt.Errorf("%w: metrics.path %q", errors.ErrInvalidConfig, c.Metrics.Path),
				"config.Config", "Validate", "metrics")
		}
		if err := c.Metrics.TLS.Validate(); err != nil {
			return fmt.Errorf("metrics.tls: %w", err)
		}
	}
	return nil
}
