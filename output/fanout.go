package output

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/metric"
	"github.com/c360/tsstream/pkg/worker"
	"github.com/c360/tsstream/subscriber"
)

// FanoutConfig sizes the per-sink queues.
type FanoutConfig struct {
	// QueueSize is the number of batches buffered per sink before new batches
	// are dropped.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
	// WriteTimeout bounds a single sink Write; zero means no bound.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultFanoutConfig returns the fanout defaults.
func DefaultFanoutConfig() FanoutConfig {
	return FanoutConfig{QueueSize: 256, WriteTimeout: 10 * time.Second}
}

// Deps are the Fanout's injected dependencies.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

type sinkWorker struct {
	sink Sink
	pool *worker.Pool[[]measurement.Measurement]
}

// Fanout delivers measurement batches to every sink.
type Fanout struct {
	cfg    FanoutConfig
	logger *slog.Logger
	sinks  []sinkWorker

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewFanout creates a fanout over sinks. Sink names must be unique when a
// metrics registry is given.
func NewFanout(deps Deps, cfg FanoutConfig, sinks ...Sink) (*Fanout, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultFanoutConfig().QueueSize
	}

	f := &Fanout{
		cfg:    cfg,
		logger: logger.With("component", "fanout"),
	}

	for _, sink := range sinks {
		sink := sink
		opts := []worker.Option[[]measurement.Measurement]{
			worker.WithFailureHook(func(batch []measurement.Measurement, err error) {
				f.logger.Warn("Sink write failed", "sink", sink.Name(), "measurements", len(batch), "error", err)
			}),
		}
		if deps.MetricsRegistry != nil {
			opts = append(opts, worker.WithMetricsRegistry[[]measurement.Measurement](deps.MetricsRegistry, "sink_"+sink.Name()))
		}

		pool, err := worker.NewPool(1, cfg.QueueSize, f.writer(sink), opts...)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Fanout", "NewFanout", "create worker for sink "+sink.Name())
		}
		f.sinks = append(f.sinks, sinkWorker{sink: sink, pool: pool})
	}
	return f, nil
}

func (f *Fanout) writer(sink Sink) func(context.Context, []measurement.Measurement) error {
	return func(ctx context.Context, batch []measurement.Measurement) error {
		if f.cfg.WriteTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, f.cfg.WriteTimeout)
			defer cancel()
		}
		return sink.Write(ctx, batch)
	}
}

// Start launches one worker per sink. ctx bounds every sink write.
func (f *Fanout) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Fanout", "Start", "check state")
	}
	for _, sw := range f.sinks {
		if err := sw.pool.Start(ctx); err != nil {
			return errors.Wrap(err, "Fanout", "Start", "start sink "+sw.sink.Name())
		}
	}
	f.started = true
	f.logger.Info("Fanout started", "sinks", len(f.sinks))
	return nil
}

// Publish queues batch for every sink. A sink whose queue is full drops the
// batch; the returned error reports how many sinks dropped it.
func (f *Fanout) Publish(batch []measurement.Measurement) error {
	if len(batch) == 0 {
		return nil
	}

	var errs []error
	for _, sw := range f.sinks {
		if err := sw.pool.Submit(batch); err != nil {
			errs = append(errs, errors.WrapTransient(err, "Fanout", "Publish", "queue batch for "+sw.sink.Name()))
		}
	}
	return errors.Join(errs...)
}

// Handle is a subscriber.Handler that publishes NewMeasurements batches.
func (f *Fanout) Handle(ev subscriber.Event) {
	if ev.Kind != subscriber.EventNewMeasurements {
		return
	}
	if err := f.Publish(ev.Measurements); err != nil {
		f.logger.Warn("Dropped measurement batch", "measurements", len(ev.Measurements), "error", err)
	}
}

// Stop drains every sink queue within timeout, then closes the sinks.
func (f *Fanout) Stop(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return nil
	}
	f.stopped = true

	var errs []error
	for _, sw := range f.sinks {
		if err := sw.pool.Stop(timeout); err != nil {
			errs = append(errs, errors.Wrap(err, "Fanout", "Stop", "drain sink "+sw.sink.Name()))
		}
		if err := sw.sink.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "Fanout", "Stop", "close sink "+sw.sink.Name()))
		}
	}
	f.logger.Info("Fanout stopped")
	return errors.Join(errs...)
}

// SinkStats reports per-sink queue statistics keyed by sink name.
func (f *Fanout) SinkStats() map[string]worker.PoolStats {
	stats := make(map[string]worker.PoolStats, len(f.sinks))
	for _, sw := range f.sinks {
		stats[sw.sink.Name()] = sw.pool.Stats()
	}
	return stats
}
