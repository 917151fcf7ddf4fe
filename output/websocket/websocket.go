// Package websocket broadcasts measurement batches to WebSocket clients as
// JSON envelopes.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/metric"
	"github.com/c360/tsstream/output"
)

// Config holds configuration for the WebSocket sink
type Config struct {
	// Addr is the listen address when the sink runs its own server; empty
	// means the caller mounts Handler on its own mux.
	Addr       string `json:"addr" yaml:"addr"`
	Path       string `json:"path" yaml:"path"`
	MaxClients int    `json:"max_clients" yaml:"max_clients"`
	// BroadcastRate limits broadcasts per second; batches over the limit are
	// skipped. Zero disables the limit.
	BroadcastRate  float64       `json:"broadcast_rate" yaml:"broadcast_rate"`
	BroadcastBurst int           `json:"broadcast_burst" yaml:"broadcast_burst"`
	SendBuffer     int           `json:"send_buffer" yaml:"send_buffer"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	PingInterval   time.Duration `json:"ping_interval" yaml:"ping_interval"`
}

// DefaultConfig returns default configuration for the WebSocket sink
func DefaultConfig() Config {
	return Config{
		Path:           "/ws",
		MaxClients:     64,
		BroadcastRate:  30,
		BroadcastBurst: 10,
		SendBuffer:     32,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.Path == "" || c.Path[0] != '/' {
		return errors.WrapInvalid(fmt.Errorf("%w: path %q", errors.ErrInvalidConfig, c.Path),
			"websocket.Config", "Validate", "path must start with /")
	}
	if c.MaxClients <= 0 || c.SendBuffer <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: max_clients and send_buffer must be positive", errors.ErrInvalidConfig),
			"websocket.Config", "Validate", "limits")
	}
	if c.BroadcastRate < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: broadcast_rate %v", errors.ErrInvalidConfig, c.BroadcastRate),
			"websocket.Config", "Validate", "broadcast_rate cannot be negative")
	}
	return nil
}

// MessageEnvelope wraps every message sent to clients.
type MessageEnvelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

type sinkMetrics struct {
	clients   prometheus.Gauge
	broadcast prometheus.Counter
	skipped   prometheus.Counter
	dropped   prometheus.Counter
}

// Sink is an output.Sink that fans batches out to WebSocket clients.
type Sink struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	metrics  *sinkMetrics

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
	wg        sync.WaitGroup

	server   *http.Server
	listener net.Listener

	nextID  atomic.Uint64
	sent    atomic.Int64
	skipped atomic.Int64
	closed  atomic.Bool
}

var _ output.Sink = (*Sink)(nil)

// New creates the sink. Metrics are registered when registry is non-nil.
func New(cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.BroadcastRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BroadcastRate), max(cfg.BroadcastBurst, 1))
	}

	s := &Sink{
		cfg:    cfg,
		logger: logger.With("component", "websocket-sink", "path", cfg.Path),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limiter: limiter,
		clients: make(map[*client]struct{}),
	}

	if registry != nil {
		m, err := newSinkMetrics(registry)
		if err != nil {
			return nil, errors.WrapInvalid(err, "websocket.Sink", "New", "metrics registration")
		}
		s.metrics = m
	}
	return s, nil
}

func newSinkMetrics(registry *metric.MetricsRegistry) (*sinkMetrics, error) {
	const service = "websocket_sink"
	m := &sinkMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "websocket", Name: "clients_connected",
			Help: "Connected WebSocket clients",
		}),
		broadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "websocket", Name: "broadcasts_total",
			Help: "Batches broadcast to clients",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "websocket", Name: "broadcasts_skipped_total",
			Help: "Batches skipped by the broadcast rate limit",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "websocket", Name: "clients_dropped_total",
			Help: "Clients disconnected because their send buffer was full",
		}),
	}
	for _, register := range []func() error{
		func() error { return registry.RegisterGauge(service, "clients_connected", m.clients) },
		func() error { return registry.RegisterCounter(service, "broadcasts_total", m.broadcast) },
		func() error { return registry.RegisterCounter(service, "broadcasts_skipped_total", m.skipped) },
		func() error { return registry.RegisterCounter(service, "clients_dropped_total", m.dropped) },
	} {
		if err := register(); err != nil {
			registry.UnregisterService(service)
			return nil, err
		}
	}
	return m, nil
}

// Name returns "websocket".
func (s *Sink) Name() string { return "websocket" }

// Handler returns the upgrade handler for mounting on an existing mux.
func (s *Sink) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

// Start serves Handler on cfg.Addr until Close.
func (s *Sink) Start() error {
	if s.cfg.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "websocket.Sink", "Start", "addr is required to run a server")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapTransient(err, "websocket.Sink", "Start", "listen on "+s.cfg.Addr)
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s.Handler())
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("WebSocket server stopped", "error", err)
		}
	}()
	s.logger.Info("WebSocket server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address after Start.
func (s *Sink) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ClientCount returns the number of connected clients.
func (s *Sink) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Sink) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.ClientCount() >= s.cfg.MaxClients {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.clients.Set(float64(count))
	}
	s.logger.Debug("WebSocket client connected", "remote", r.RemoteAddr, "clients", count)

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

// readPump discards client messages and detects disconnects.
func (s *Sink) readPump(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Sink) writePump(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Sink) removeClient(c *client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	count := len(s.clients)
	s.clientsMu.Unlock()

	c.close()
	if ok && s.metrics != nil {
		s.metrics.clients.Set(float64(count))
	}
}

// Write broadcasts batch to every client. Batches over the rate limit are
// skipped; a client whose send buffer is full is disconnected.
func (s *Sink) Write(_ context.Context, batch []measurement.Measurement) error {
	if s.closed.Load() {
		return errors.WrapInvalid(errors.ErrSinkUnavailable, "websocket.Sink", "Write", "sink closed")
	}
	if len(batch) == 0 || s.ClientCount() == 0 {
		return nil
	}
	if !s.limiter.Allow() {
		s.skipped.Add(1)
		if s.metrics != nil {
			s.metrics.skipped.Inc()
		}
		return nil
	}

	records := make([]output.Record, len(batch))
	for i, m := range batch {
		records[i] = output.NewRecord(m)
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return errors.WrapInvalid(err, "websocket.Sink", "Write", "marshal records")
	}
	data, err := json.Marshal(MessageEnvelope{
		Type:      "measurements",
		ID:        strconv.FormatUint(s.nextID.Add(1), 10),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		return errors.WrapInvalid(err, "websocket.Sink", "Write", "marshal envelope")
	}

	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			s.logger.Warn("Dropping slow WebSocket client", "remote", c.conn.RemoteAddr().String())
			if s.metrics != nil {
				s.metrics.dropped.Inc()
			}
			s.removeClient(c)
		}
	}

	s.sent.Add(1)
	if s.metrics != nil {
		s.metrics.broadcast.Inc()
	}
	return nil
}

// Broadcasts returns the number of batches broadcast and skipped.
func (s *Sink) Broadcasts() (sent, skipped int64) {
	return s.sent.Load(), s.skipped.Load()
}

// Close disconnects every client and stops the server if Start was called.
func (s *Sink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.server.Shutdown(ctx)
		cancel()
	}

	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range targets {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		s.removeClient(c)
	}
	s.wg.Wait()

	s.logger.Info("WebSocket sink closed", "broadcasts", s.sent.Load(), "skipped", s.skipped.Load())
	if err != nil {
		return errors.Wrap(err, "websocket.Sink", "Close", "shutdown server")
	}
	return nil
}
