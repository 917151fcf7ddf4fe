// Package reconnect keeps a subscriber connected: it retries the initial
// connect at a fixed interval and, after an unexpected connection loss,
// reconnects and restores the last subscription.
package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/pkg/buffer"
	"github.com/c360/tsstream/pkg/retry"
	"github.com/c360/tsstream/subscriber"
)

// Connection is the part of a subscriber the supervisor drives.
type Connection interface {
	Connect(ctx context.Context, host string, port int) error
	Subscribe(cfg subscriber.SubscriptionConfig) error
	Disconnect() error
	AddHandler(h subscriber.Handler) (remove func())
}

var _ Connection = (*subscriber.Subscriber)(nil)

// Config controls the retry loop.
type Config struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	// MaxRetries is the total number of connect attempts; -1 retries forever.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"`
	AutoReconnect bool          `json:"auto_reconnect" yaml:"auto_reconnect"`
}

// DefaultConfig retries forever every two seconds and reconnects automatically.
func DefaultConfig() Config {
	return Config{
		Port:          6165,
		MaxRetries:    retry.Unlimited,
		RetryInterval: 2 * time.Second,
		AutoReconnect: true,
	}
}

// Validate checks the connection target and retry settings.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "reconnect.Config", "Validate", "host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: port %d", errors.ErrInvalidConfig, c.Port), "reconnect.Config", "Validate", "port")
	}
	if c.MaxRetries == 0 || c.MaxRetries < retry.Unlimited {
		return errors.WrapInvalid(fmt.Errorf("%w: max retries %d", errors.ErrInvalidConfig, c.MaxRetries), "reconnect.Config", "Validate", "max retries")
	}
	if c.RetryInterval <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: retry interval %v", errors.ErrInvalidConfig, c.RetryInterval), "reconnect.Config", "Validate", "retry interval")
	}
	return nil
}

// Supervisor wraps a Connection with retry and auto-reconnect.
type Supervisor struct {
	conn   Connection
	cfg    Config
	logger *slog.Logger

	cancelled atomic.Bool
	// userDisconnected suppresses auto-reconnect after Disconnect until the
	// next Connect.
	userDisconnected atomic.Bool

	mu           sync.Mutex
	subscription *subscriber.SubscriptionConfig
	attempt      context.CancelFunc
	stop         context.Context
	stopAll      context.CancelFunc

	removeHidden func()

	// reconnecting is set while a reconnect goroutine runs; at most one runs.
	reconnecting atomic.Bool
	reconnectWG  sync.WaitGroup

	handlersMu  sync.RWMutex
	handlers    []handlerEntry
	nextHandler uint64

	events      *buffer.Queue[queuedEvent]
	dispatching atomic.Bool
	dispatchWG  sync.WaitGroup
}

// queuedEvent is a supervisor event. delivered, when set, is closed once
// every handler has seen ev or the queue dropped it.
type queuedEvent struct {
	ev        subscriber.Event
	delivered chan struct{}
}

func (q queuedEvent) done() {
	if q.delivered != nil {
		close(q.delivered)
	}
}

type handlerEntry struct {
	id      uint64
	fn      subscriber.Handler
	removed func()
}

// New creates a supervisor for conn and installs its termination handler.
func New(conn Connection, cfg Config, logger *slog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	events, err := buffer.NewQueue(256,
		buffer.WithOverflowPolicy[queuedEvent](buffer.DropOldest),
		buffer.WithDropCallback(func(q queuedEvent) { q.done() }))
	if err != nil {
		return nil, errors.Wrap(err, "Supervisor", "New", "event queue creation")
	}

	stop, stopAll := context.WithCancel(context.Background())
	s := &Supervisor{
		conn:    conn,
		cfg:     cfg,
		logger:  logger.With("component", "reconnect", "host", cfg.Host, "port", cfg.Port),
		stop:    stop,
		stopAll: stopAll,
		events:  events,
	}
	s.removeHidden = conn.AddHandler(s.onEvent)
	return s, nil
}

// AddHandler registers fn for both the supervisor's own events (connect
// failures, ConnectionTerminated, Reconnected) and every other event of the
// wrapped connection. ConnectionTerminated reaches fn before any reconnect
// attempt starts.
func (s *Supervisor) AddHandler(fn subscriber.Handler) (remove func()) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	s.nextHandler++
	id := s.nextHandler
	forward := func(ev subscriber.Event) {
		if ev.Kind == subscriber.EventConnectionTerminated {
			return
		}
		fn(ev)
	}
	s.handlers = append(s.handlers, handlerEntry{id: id, fn: fn, removed: s.conn.AddHandler(forward)})

	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		for i, h := range s.handlers {
			if h.id == id {
				h.removed()
				s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
				return
			}
		}
	}
}

// Connect attempts to connect until success, exhaustion, Cancel or ctx ends.
// Each failed attempt is reported as an exception event.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.userDisconnected.Store(false)
	return s.connectWithRetry(ctx)
}

func (s *Supervisor) connectWithRetry(ctx context.Context) error {
	if s.cancelled.Load() {
		return errors.WrapInvalid(errors.ErrRetryCancelled, "Supervisor", "Connect", "supervisor cancelled")
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(s.stop, cancel)
	defer stopAfter()
	defer cancel()

	s.mu.Lock()
	s.attempt = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.attempt = nil
		s.mu.Unlock()
	}()

	cfg := retry.Fixed(s.cfg.MaxRetries, s.cfg.RetryInterval)
	cfg.OnFailure = func(attempt int, err error) {
		s.logger.Warn("Connect attempt failed", "attempt", attempt, "error", err)
		s.emit(subscriber.ExceptionEvent(
			fmt.Errorf("failed to connect to %s:%d (attempt %d): %w", s.cfg.Host, s.cfg.Port, attempt, err)))
	}

	err := retry.Do(attemptCtx, cfg, func() error {
		if s.cancelled.Load() || s.userDisconnected.Load() {
			return retry.NonRetryable(errors.ErrRetryCancelled)
		}
		return s.conn.Connect(attemptCtx, s.cfg.Host, s.cfg.Port)
	})
	if err != nil {
		return errors.Wrap(err, "Supervisor", "Connect", "connect with retry")
	}

	s.logger.Info("Connected")
	return nil
}

// Subscribe subscribes through the connection and remembers cfg for
// resubscription after a reconnect.
func (s *Supervisor) Subscribe(cfg subscriber.SubscriptionConfig) error {
	if err := s.conn.Subscribe(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.subscription = &cfg
	s.mu.Unlock()
	return nil
}

// Cancel permanently stops retries and auto-reconnect, aborting any attempt
// in flight.
func (s *Supervisor) Cancel() {
	// set under mu so onEvent cannot start a reconnect Close would miss
	s.mu.Lock()
	already := s.cancelled.Swap(true)
	s.mu.Unlock()
	if already {
		return
	}
	s.stopAll()
	s.logger.Info("Reconnect supervisor cancelled")
}

// Cancelled reports whether Cancel was called.
func (s *Supervisor) Cancelled() bool { return s.cancelled.Load() }

// Disconnect aborts an in-flight reconnect attempt and disconnects. Auto
// reconnect stays off until the next Connect.
func (s *Supervisor) Disconnect() error {
	s.userDisconnected.Store(true)

	s.mu.Lock()
	if s.attempt != nil {
		s.attempt()
	}
	s.mu.Unlock()

	return s.conn.Disconnect()
}

// Close cancels the supervisor, removes its handlers from the connection and
// waits for a running reconnect and for queued supervisor events.
func (s *Supervisor) Close() {
	s.Cancel()
	s.removeHidden()
	s.reconnectWG.Wait()

	s.handlersMu.Lock()
	for _, h := range s.handlers {
		h.removed()
	}
	s.handlers = nil
	s.handlersMu.Unlock()

	s.dispatchWG.Wait()
}

// onEvent is the hidden handler on the wrapped connection. It forwards
// ConnectionTerminated to the supervisor's handlers and, when auto-reconnect
// applies, starts a reconnect that waits for that delivery first.
func (s *Supervisor) onEvent(ev subscriber.Event) {
	if ev.Kind != subscriber.EventConnectionTerminated {
		return
	}

	delivered := make(chan struct{})
	s.emitNotify(ev, delivered)

	if !s.cfg.AutoReconnect || s.userDisconnected.Load() {
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	if s.cancelled.Load() {
		s.mu.Unlock()
		s.reconnecting.Store(false)
		return
	}
	s.reconnectWG.Add(1)
	s.mu.Unlock()

	s.emit(subscriber.StatusEvent("Publisher connection terminated. Attempting to reconnect..."))
	go s.reconnect(delivered)
}

func (s *Supervisor) reconnect(terminated <-chan struct{}) {
	defer s.reconnectWG.Done()
	defer s.reconnecting.Store(false)

	select {
	case <-terminated:
	case <-s.stop.Done():
		return
	}
	if s.userDisconnected.Load() {
		return
	}

	if err := s.connectWithRetry(context.Background()); err != nil {
		// each failed attempt was already reported as an exception
		s.logger.Warn("Reconnect abandoned", "error", err)
		return
	}

	s.mu.Lock()
	sub := s.subscription
	s.mu.Unlock()
	if sub != nil {
		if err := s.conn.Subscribe(*sub); err != nil {
			s.emit(subscriber.ExceptionEvent(errors.Wrap(err, "Supervisor", "reconnect", "resubscribe")))
			return
		}
	}

	s.logger.Info("Reconnected", "resubscribed", sub != nil)
	s.emit(subscriber.Event{Kind: subscriber.EventReconnected})
}

// emit queues ev and makes sure a drain goroutine is delivering. Events are
// delivered in order, off the caller's goroutine.
func (s *Supervisor) emit(ev subscriber.Event) {
	s.emitNotify(ev, nil)
}

// emitNotify is emit with a channel closed once ev has been handled.
func (s *Supervisor) emitNotify(ev subscriber.Event, delivered chan struct{}) {
	q := queuedEvent{ev: ev, delivered: delivered}
	if err := s.events.Write(q); err != nil {
		s.logger.Debug("Dropped supervisor event", "kind", ev.Kind.String(), "error", err)
		q.done()
		return
	}
	if s.dispatching.CompareAndSwap(false, true) {
		s.dispatchWG.Add(1)
		go s.drain()
	}
}

func (s *Supervisor) drain() {
	defer s.dispatchWG.Done()
	for {
		for {
			q, ok := s.events.TryRead()
			if !ok {
				break
			}
			s.deliver(q.ev)
			q.done()
		}
		s.dispatching.Store(false)
		// An emit may have queued an event after the last read but before the
		// flag was cleared; pick it up if no other drain did.
		if s.events.Size() == 0 || !s.dispatching.CompareAndSwap(false, true) {
			return
		}
	}
}

func (s *Supervisor) deliver(ev subscriber.Event) {
	s.handlersMu.RLock()
	handlers := s.handlers
	s.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Supervisor handler panicked", "kind", ev.Kind.String(), "panic", r)
				}
			}()
			h.fn(ev)
		}()
	}
}
