package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/tsstream/config"
	"github.com/c360/tsstream/metric"
	"github.com/c360/tsstream/natsclient"
	"github.com/c360/tsstream/output"
	"github.com/c360/tsstream/output/file"
	"github.com/c360/tsstream/output/httppost"
	"github.com/c360/tsstream/output/kafka"
	"github.com/c360/tsstream/output/natspub"
	"github.com/c360/tsstream/output/sqlstore"
	"github.com/c360/tsstream/output/websocket"
	"github.com/c360/tsstream/pkg/tlsutil"
)

// sinkSet is every sink the daemon writes to plus the resources they share.
type sinkSet struct {
	sinks     []output.Sink
	nats      *natsclient.Client
	websocket *websocket.Sink
}

// close releases sinks that never reached a Fanout.
func (s *sinkSet) close(ctx context.Context) {
	for _, sink := range s.sinks {
		_ = sink.Close()
	}
	if s.nats != nil {
		_ = s.nats.Close(ctx)
	}
}

// buildSinks opens every enabled sink. On error the sinks opened so far are
// closed.
func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) (_ *sinkSet, err error) {
	set := &sinkSet{}
	defer func() {
		if err != nil {
			set.close(context.WithoutCancel(ctx))
		}
	}()

	sinks := cfg.Sinks

	if sinks.File.Enabled {
		sink, err := file.New(sinks.File.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("file sink: %w", err)
		}
		set.sinks = append(set.sinks, sink)
	}

	if sinks.NATS.Enabled {
		client, err := connectNATS(ctx, cfg, logger, registry)
		if err != nil {
			return nil, err
		}
		set.nats = client

		if sinks.NATS.JetStream {
			if _, err := client.EnsureStream(ctx, jetstream.StreamConfig{
				Name:     sinks.NATS.Stream,
				Subjects: sinks.NATS.StreamSubjects(),
			}); err != nil {
				return nil, fmt.Errorf("nats sink: ensure stream %s: %w", sinks.NATS.Stream, err)
			}
		}

		sink, err := natspub.New(sinks.NATS.Config, client, logger)
		if err != nil {
			return nil, fmt.Errorf("nats sink: %w", err)
		}
		set.sinks = append(set.sinks, sink)
	}

	if sinks.Kafka.Enabled {
		sink, err := kafka.New(sinks.Kafka.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		set.sinks = append(set.sinks, sink)
	}

	if sinks.SQL.Enabled {
		sink, err := sqlstore.Open(ctx, sinks.SQL.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("sql sink: %w", err)
		}
		set.sinks = append(set.sinks, sink)
	}

	if sinks.WebSocket.Enabled {
		if sinks.WebSocket.Addr == "" && !cfg.Metrics.Enabled {
			return nil, fmt.Errorf("websocket sink: addr is required when the metrics server is disabled")
		}
		sink, err := websocket.New(sinks.WebSocket.Config, logger, registry)
		if err != nil {
			return nil, fmt.Errorf("websocket sink: %w", err)
		}
		set.websocket = sink
		set.sinks = append(set.sinks, sink)
	}

	if sinks.HTTPPost.Enabled {
		sink, err := httppost.New(sinks.HTTPPost.Config, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("httppost sink: %w", err)
		}
		set.sinks = append(set.sinks, sink)
	}

	return set, nil
}

func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMetrics(registry),
		natsclient.WithStatusCallback(func(s natsclient.ConnectionStatus) {
			logger.Info("NATS connection status changed", "status", s.String())
		}),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	tlsConfig, err := tlsutil.LoadClientConfig(cfg.NATS.TLS)
	if err != nil {
		return nil, fmt.Errorf("NATS TLS: %w", err)
	}
	if tlsConfig != nil {
		opts = append(opts, natsclient.WithTLS(tlsConfig))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}
