// Package main implements tssub, a daemon that subscribes to a streaming
// telemetry publisher and forwards decoded measurements to the configured
// sinks.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/tsstream/config"
	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/health"
	"github.com/c360/tsstream/metric"
	"github.com/c360/tsstream/natsclient"
	"github.com/c360/tsstream/output"
	"github.com/c360/tsstream/pkg/tlsutil"
	"github.com/c360/tsstream/reconnect"
	"github.com/c360/tsstream/subscriber"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "tssub"
)

const statsInterval = time.Minute

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args, stdout)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "sinks", cfg.Sinks.Enabled())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runDaemon(ctx, cfg, logger, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string, stdout io.Writer) (*CLIConfig, *slog.Logger, bool, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, nil, true, nil
		}
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		fs.SetOutput(stdout)
		printDetailedHelp(fs)
		return nil, nil, true, nil
	}

	logger := setupLogger(stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting tssub",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// runDaemon wires the subscriber, supervisor, sinks and HTTP endpoints and
// runs until ctx is cancelled or the session fails.
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	var (
		registry  *metric.MetricsRegistry
		tlsConfig *tls.Config
	)
	if cfg.Metrics.Enabled {
		registry = metric.NewMetricsRegistry()
		var err error
		if tlsConfig, err = tlsutil.LoadServerConfig(cfg.Metrics.TLS); err != nil {
			return fmt.Errorf("metrics TLS: %w", err)
		}
	}

	subOpts, err := cfg.Subscriber.Options()
	if err != nil {
		return err
	}
	sub, err := subscriber.New(subscriber.Deps{Logger: logger, MetricsRegistry: registry}, subOpts...)
	if err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}

	sup, err := reconnect.New(sub, cfg.Connection, logger)
	if err != nil {
		return fmt.Errorf("create reconnect supervisor: %w", err)
	}

	set, err := buildSinks(ctx, cfg, logger, registry)
	if err != nil {
		sup.Close()
		return err
	}

	fanout, err := output.NewFanout(output.Deps{Logger: logger, MetricsRegistry: registry}, cfg.Fanout, set.sinks...)
	if err != nil {
		set.close(context.WithoutCancel(ctx))
		sup.Close()
		return fmt.Errorf("create fanout: %w", err)
	}

	// Sink writes outlive ctx so queued batches drain during shutdown.
	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	defer cancelSinks()
	if err := fanout.Start(sinkCtx); err != nil {
		_ = fanout.Stop(shutdownTimeout)
		if set.nats != nil {
			_ = set.nats.Close(context.WithoutCancel(ctx))
		}
		sup.Close()
		return err
	}

	monitor := newMonitor(sub, fanout, set.nats)

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry, logger)
		metricsServer.SetTLSConfig(tlsConfig)
		metricsServer.Handle("/healthz", monitor.Handler(appName))
		if set.websocket != nil && cfg.Sinks.WebSocket.Addr == "" {
			metricsServer.Handle(cfg.Sinks.WebSocket.Path, set.websocket.Handler())
		}
	}

	d := &daemon{
		cfg:             cfg,
		logger:          logger,
		sup:             sup,
		sub:             sub,
		fanout:          fanout,
		sinks:           set,
		metricsServer:   metricsServer,
		cancelSinks:     cancelSinks,
		shutdownTimeout: shutdownTimeout,
	}

	if metricsServer != nil {
		if err := metricsServer.Start(); err != nil {
			d.shutdown()
			return err
		}
	}
	if set.websocket != nil && cfg.Sinks.WebSocket.Addr != "" {
		if err := set.websocket.Start(); err != nil {
			d.shutdown()
			return err
		}
	}

	sup.AddHandler(logEvents(logger))
	sup.AddHandler(fanout.Handle)

	logger.Info("tssub started",
		"publisher", fmt.Sprintf("%s:%d", cfg.Connection.Host, cfg.Connection.Port),
		"sinks", cfg.Sinks.Enabled())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.runSession(gctx) })
	g.Go(func() error { return d.reportStats(gctx) })

	runErr := g.Wait()
	logger.Info("Shutting down")
	if err := d.shutdown(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("graceful shutdown failed: %w", err))
	}
	logger.Info("tssub shutdown complete")
	return runErr
}

func newMonitor(sub *subscriber.Subscriber, fanout *output.Fanout, nc *natsclient.Client) *health.Monitor {
	monitor := health.NewMonitor()
	monitor.AddCheck("subscriber", func() health.Status {
		return health.FromSubscriber("subscriber", sub.Stats())
	})
	if nc != nil {
		monitor.AddCheck("nats", func() health.Status {
			status := nc.GetStatus()
			switch status.Status {
			case natsclient.StatusConnected:
				return health.NewHealthy("nats", "Connected")
			case natsclient.StatusReconnecting:
				return health.NewDegraded("nats", "Reconnecting")
			default:
				return health.FromError("nats", fmt.Errorf("NATS %s: %s", status.Status, status.LastError))
			}
		})
	}
	for name := range fanout.SinkStats() {
		component := "sink_" + name
		monitor.AddCheck(component, func() health.Status {
			return health.FromPool(component, fanout.SinkStats()[name])
		})
	}
	return monitor
}

type daemon struct {
	cfg             *config.Config
	logger          *slog.Logger
	sup             *reconnect.Supervisor
	sub             *subscriber.Subscriber
	fanout          *output.Fanout
	sinks           *sinkSet
	metricsServer   *metric.Server
	cancelSinks     context.CancelFunc
	shutdownTimeout time.Duration
}

// runSession connects, subscribes and then leaves the session to the
// supervisor until ctx is done.
func (d *daemon) runSession(ctx context.Context) error {
	if err := d.sup.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect to publisher: %w", err)
	}
	if err := d.sup.Subscribe(d.cfg.Subscription); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	<-ctx.Done()
	return nil
}

func (d *daemon) reportStats(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := d.sub.Stats()
			d.logger.Info("Subscriber statistics",
				"connected", stats.Connected,
				"subscribed", stats.Subscribed,
				"measurements", stats.Measurements,
				"command_bytes", stats.CommandChannelBytes,
				"data_bytes", stats.DataChannelBytes)
			for name, s := range d.fanout.SinkStats() {
				d.logger.Debug("Sink statistics", "sink", name,
					"processed", s.Processed, "failed", s.Failed, "dropped", s.Dropped, "queued", s.QueueDepth)
			}
		}
	}
}

// shutdown stops the session first so no new batches arrive, then drains the
// sinks and stops the HTTP endpoints.
func (d *daemon) shutdown() error {
	var errs []error

	if err := d.sup.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	d.sup.Close()

	if err := d.fanout.Stop(d.shutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	d.cancelSinks()

	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
	defer cancel()

	if d.sinks.nats != nil {
		if err := d.sinks.nats.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close NATS: %w", err))
		}
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
