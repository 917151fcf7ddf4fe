// Package subscriber implements the client side of the publisher protocol: a
// TCP command channel, an optional UDP data channel, and the background loops
// that send commands, read responses and dispatch events to handlers.
//
// A Subscriber moves through Disconnected, Connected and Subscribed states:
//
//	sub := subscriber.New(subscriber.Deps{Logger: logger})
//	sub.AddHandler(func(ev subscriber.Event) { ... })
//	if err := sub.Connect(ctx, "localhost", 6165); err != nil { ... }
//	cfg := subscriber.DefaultSubscriptionConfig()
//	cfg.FilterExpression = "PPA:1;PPA:2"
//	if err := sub.Subscribe(cfg); err != nil { ... }
//	defer sub.Disconnect()
//
// Every protocol or handler error is delivered as an EventException; only
// precondition failures are returned from the calls themselves.
package subscriber

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/metric"
	"github.com/c360/tsstream/pkg/buffer"
	"github.com/c360/tsstream/signalindex"
	"github.com/c360/tsstream/wire"
)

const (
	defaultPollTimeout      = 250 * time.Millisecond
	defaultDialTimeout      = 10 * time.Second
	defaultCommandCapacity  = 1024
	defaultCallbackCapacity = 4096
)

// Deps holds runtime dependencies for a Subscriber.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Stats are cumulative counters. Byte counters reset on Connect, the
// measurement counter on Subscribe.
type Stats struct {
	CommandChannelBytes int64 `json:"command_channel_bytes"`
	DataChannelBytes    int64 `json:"data_channel_bytes"`
	Measurements        int64 `json:"measurements"`
	Decoded             int64 `json:"decoded"`
	Connected           bool  `json:"connected"`
	Subscribed          bool  `json:"subscribed"`
}

// modeState pairs the operational modes with the text encoding they select so
// both are swapped together.
type modeState struct {
	modes    wire.OperationalModes
	encoding wire.TextEncoding
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Subscriber is a connection to one publisher. It is reusable after Disconnect.
type Subscriber struct {
	name     string
	logger   *slog.Logger
	metrics  *subscriberMetrics
	assembly AssemblyInfo

	pollTimeout      time.Duration
	dialTimeout      time.Duration
	commandCapacity  int
	callbackCapacity int

	// mu serializes the public state transitions. Background loops never take it.
	mu          sync.Mutex
	commandConn net.Conn
	dataConn    *net.UDPConn
	hostAddrs   atomic.Pointer[[]net.IP]

	subscription atomic.Pointer[SubscriptionConfig]
	modes        atomic.Pointer[modeState]

	connected     atomic.Bool
	subscribed    atomic.Bool
	unsubscribing atomic.Bool
	disconnecting atomic.Bool
	terminating   atomic.Bool

	// generation counts connections so a late termination cannot tear down a
	// newer connection.
	generation atomic.Uint64

	commandBytes atomic.Int64
	dataBytes    atomic.Int64
	measurements atomic.Int64
	decoded      atomic.Int64

	cache   atomic.Pointer[signalindex.Cache]
	offsets atomic.Pointer[measurement.BaseTimeOffsets]

	commands  *buffer.Queue[[]byte]
	callbacks *buffer.Queue[Event]

	loops    sync.WaitGroup
	dataLoop sync.WaitGroup

	handlersMu  sync.RWMutex
	handlers    []handlerEntry
	nextHandler uint64
}

// New creates a disconnected Subscriber.
func New(deps Deps, opts ...Option) (*Subscriber, error) {
	s := &Subscriber{
		name:             "default",
		assembly:         DefaultAssemblyInfo,
		pollTimeout:      defaultPollTimeout,
		dialTimeout:      defaultDialTimeout,
		commandCapacity:  defaultCommandCapacity,
		callbackCapacity: defaultCallbackCapacity,
	}
	s.logger = deps.Logger
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.modes.Store(&modeState{modes: wire.DefaultOperationalModes, encoding: wire.UTF16LE})

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "subscriber", "subscriber", s.name)

	metrics, err := newSubscriberMetrics(deps.MetricsRegistry, s.name)
	if err != nil {
		return nil, errors.Wrap(err, "Subscriber", "New", "metrics registration")
	}
	s.metrics = metrics

	var commandOpts []buffer.Option[[]byte]
	var callbackOpts []buffer.Option[Event]
	if deps.MetricsRegistry != nil {
		commandOpts = append(commandOpts, buffer.WithMetrics[[]byte](deps.MetricsRegistry, s.name+"_commands"))
		callbackOpts = append(callbackOpts, buffer.WithMetrics[Event](deps.MetricsRegistry, s.name+"_callbacks"))
	}

	s.commands, err = buffer.NewQueue(s.commandCapacity, commandOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Subscriber", "New", "command queue creation")
	}
	s.callbacks, err = buffer.NewQueue(s.callbackCapacity, callbackOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Subscriber", "New", "callback queue creation")
	}

	// Queues only accept writes while connected.
	_ = s.commands.Close()
	_ = s.callbacks.Close()

	return s, nil
}

// Connect opens the command channel, starts the background loops and sends
// the operational modes. It fails if the subscriber is already connected.
func (s *Subscriber) Connect(ctx context.Context, host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyConnected, "Subscriber", "Connect", "state check")
	}

	s.commandBytes.Store(0)
	s.dataBytes.Store(0)
	s.measurements.Store(0)
	s.decoded.Store(0)

	address := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return errors.WrapTransient(classifyDialError(err), "Subscriber", "Connect", "dial "+address)
	}

	addrs := resolveHostAddresses(ctx, host, conn.RemoteAddr())
	s.hostAddrs.Store(&addrs)

	s.commandConn = conn
	s.cache.Store(nil)
	s.offsets.Store(nil)
	s.unsubscribing.Store(false)
	s.disconnecting.Store(false)
	s.terminating.Store(false)
	s.generation.Add(1)
	s.commands.Reopen()
	s.callbacks.Reopen()

	s.loops.Add(3)
	go s.runCommandSender(conn)
	go s.runCallbackDispatcher()
	go s.runCommandChannelReader(conn)

	if err := s.sendOperationalModes(); err != nil {
		s.logger.Warn("Failed to queue operational modes", "error", err)
	}
	s.connected.Store(true)
	if s.metrics != nil {
		s.metrics.connected.Set(1)
	}

	s.logger.Info("Connected to publisher", "address", address, "host_addresses", len(addrs))
	return nil
}

// classifyDialError tags name resolution failures and timeouts with their
// sentinels.
func classifyDialError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %w", errors.ErrHostResolution, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, err)
	}
	return err
}

// resolveHostAddresses returns every address of host plus the connected peer
// address. Unspecified addresses are replaced by the loopback addresses.
func resolveHostAddresses(ctx context.Context, host string, remote net.Addr) []net.IP {
	var out []net.IP
	add := func(ip net.IP) {
		if ip.IsUnspecified() {
			out = append(out, net.IPv4(127, 0, 0, 1), net.IPv6loopback)
			return
		}
		out = append(out, ip)
	}

	if tcp, ok := remote.(*net.TCPAddr); ok {
		add(tcp.IP)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if ips, err := net.DefaultResolver.LookupIPAddr(lookupCtx, host); err == nil {
		for _, ip := range ips {
			add(ip.IP)
		}
	}
	return out
}

func (s *Subscriber) isValidHostAddress(ip net.IP) bool {
	addrs := s.hostAddrs.Load()
	if addrs == nil {
		return false
	}
	for _, a := range *addrs {
		if a.Equal(ip) {
			return true
		}
	}
	return false
}

// Subscribe sends a subscription request. An existing subscription is
// unsubscribed first. The call returns once the request is queued; the
// subscribed state follows the publisher's acknowledgment.
func (s *Subscriber) Subscribe(cfg SubscriptionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected.Load() {
		return errors.WrapInvalid(errors.ErrNotConnected, "Subscriber", "Subscribe", "state check")
	}

	if s.subscribed.Load() {
		if err := s.unsubscribeLocked(); err != nil {
			return err
		}
	} else {
		s.closeDataChannelLocked()
	}

	sub := cfg
	connectionString := sub.ConnectionString(s.assembly, sub.UDPDataChannel)
	encoded, err := s.modes.Load().encoding.Encode(connectionString)
	if err != nil {
		return errors.WrapInvalid(err, "Subscriber", "Subscribe", "connection string encoding")
	}

	if sub.UDPDataChannel {
		if err := s.openDataChannelLocked(sub.DataChannelLocalPort); err != nil {
			return err
		}
	}

	flags := wire.DataPacketCompact
	if sub.RemotelySynchronized {
		flags |= wire.DataPacketSynchronized
	}

	payload := make([]byte, 5+len(encoded))
	payload[0] = byte(flags)
	binary.BigEndian.PutUint32(payload[1:5], uint32(len(encoded)))
	copy(payload[5:], encoded)

	// stored before queueing so data for this subscription parses with it
	s.measurements.Store(0)
	prev := s.subscription.Swap(&sub)
	if err := s.SendServerCommand(wire.CommandSubscribe, payload); err != nil {
		s.subscription.Store(prev)
		s.closeDataChannelLocked()
		return err
	}

	s.logger.Info("Subscription requested",
		"filter", sub.FilterExpression,
		"udp", sub.UDPDataChannel,
		"port", sub.DataChannelLocalPort)
	return nil
}

func (s *Subscriber) openDataChannelLocked(port uint16) error {
	local := net.IPv4zero
	if tcp, ok := s.commandConn.LocalAddr().(*net.TCPAddr); ok {
		local = tcp.IP
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: local, Port: int(port)})
	if err != nil {
		return errors.WrapTransient(err, "Subscriber", "Subscribe", fmt.Sprintf("data channel bind %s:%d", local, port))
	}

	s.dataConn = conn
	s.dataLoop.Add(1)
	go s.runDataChannelReader(conn)
	return nil
}

// closeDataChannelLocked stops the data channel reader and waits for it.
func (s *Subscriber) closeDataChannelLocked() {
	s.unsubscribing.Store(true)
	if s.dataConn != nil {
		_ = s.dataConn.Close()
		s.dataConn = nil
	}
	s.dataLoop.Wait()
	s.unsubscribing.Store(false)
}

// Unsubscribe stops the data channel and asks the publisher to stop sending.
func (s *Subscriber) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected.Load() {
		return errors.WrapInvalid(errors.ErrNotConnected, "Subscriber", "Unsubscribe", "state check")
	}
	return s.unsubscribeLocked()
}

func (s *Subscriber) unsubscribeLocked() error {
	s.closeDataChannelLocked()
	return s.SendCommand(wire.CommandUnsubscribe)
}

// Disconnect closes both channels, joins every background loop and clears the
// session state. It is safe to call repeatedly and from any goroutine except
// the dispatcher running a handler.
func (s *Subscriber) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLocked()
}

func (s *Subscriber) disconnectLocked() error {
	if s.commandConn == nil && !s.connected.Load() {
		return nil
	}

	s.unsubscribing.Store(true)
	s.disconnecting.Store(true)

	if s.commandConn != nil {
		_ = s.commandConn.Close()
	}
	if s.dataConn != nil {
		_ = s.dataConn.Close()
	}
	_ = s.commands.Close()
	_ = s.callbacks.Close()

	s.loops.Wait()
	s.dataLoop.Wait()

	if dropped := len(s.commands.Drain()) + len(s.callbacks.Drain()); dropped > 0 {
		s.logger.Debug("Discarded queued work on disconnect", "items", dropped)
	}

	s.commandConn = nil
	s.dataConn = nil
	s.cache.Store(nil)
	s.offsets.Store(nil)

	s.unsubscribing.Store(false)
	s.subscribed.Store(false)
	s.disconnecting.Store(false)
	s.connected.Store(false)
	if s.metrics != nil {
		s.metrics.connected.Set(0)
		s.metrics.subscribed.Set(0)
	}

	s.logger.Info("Disconnected from publisher",
		"command_bytes", s.commandBytes.Load(),
		"data_bytes", s.dataBytes.Load())
	return nil
}

// SendCommand queues a command without a payload.
func (s *Subscriber) SendCommand(code wire.ServerCommand) error {
	return s.SendServerCommand(code, nil)
}

// SendServerCommand frames and queues a command for the command sender.
func (s *Subscriber) SendServerCommand(code wire.ServerCommand, payload []byte) error {
	if err := s.commands.Write(wire.EncodeCommand(code, payload)); err != nil {
		return errors.WrapInvalid(errors.ErrNotConnected, "Subscriber", "SendServerCommand", "queue "+code.String())
	}
	return nil
}

// RefreshMetadata asks the publisher for its metadata; the reply arrives as an
// EventMetadata.
func (s *Subscriber) RefreshMetadata() error {
	return s.SendCommand(wire.CommandMetadataRefresh)
}

// OperationalModes returns the current operational modes.
func (s *Subscriber) OperationalModes() wire.OperationalModes {
	return s.modes.Load().modes
}

// Encoding returns the text encoding selected by the operational modes.
func (s *Subscriber) Encoding() wire.TextEncoding {
	return s.modes.Load().encoding
}

// SetOperationalModes replaces the operational modes and re-sends them when
// connected. Invalid modes leave the current state unchanged.
func (s *Subscriber) SetOperationalModes(modes wire.OperationalModes) error {
	if err := modes.Validate(); err != nil {
		return errors.WrapInvalid(err, "Subscriber", "SetOperationalModes", "mode validation")
	}
	enc, err := wire.EncodingFor(modes)
	if err != nil {
		return errors.WrapInvalid(err, "Subscriber", "SetOperationalModes", "encoding selection")
	}

	s.modes.Store(&modeState{modes: modes, encoding: enc})
	if s.connected.Load() {
		return s.sendOperationalModes()
	}
	return nil
}

func (s *Subscriber) sendOperationalModes() error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(s.OperationalModes()))
	return s.SendServerCommand(wire.CommandDefineOperationalModes, payload[:])
}

// IsConnected reports whether the command channel is open.
func (s *Subscriber) IsConnected() bool { return s.connected.Load() }

// IsSubscribed reports whether the publisher acknowledged a subscription.
func (s *Subscriber) IsSubscribed() bool { return s.subscribed.Load() }

// Subscription returns a copy of the last subscription requested.
func (s *Subscriber) Subscription() (SubscriptionConfig, bool) {
	sub := s.subscription.Load()
	if sub == nil {
		return SubscriptionConfig{}, false
	}
	return *sub, true
}

// SignalIndexCache returns the current cache, or nil before the publisher sent one.
func (s *Subscriber) SignalIndexCache() *signalindex.Cache {
	return s.cache.Load()
}

// Stats returns a snapshot of the counters.
func (s *Subscriber) Stats() Stats {
	return Stats{
		CommandChannelBytes: s.commandBytes.Load(),
		DataChannelBytes:    s.dataBytes.Load(),
		Measurements:        s.measurements.Load(),
		Decoded:             s.decoded.Load(),
		Connected:           s.connected.Load(),
		Subscribed:          s.subscribed.Load(),
	}
}

// Name returns the subscriber name.
func (s *Subscriber) Name() string { return s.name }

// AddHandler registers fn for every event and returns a function that removes it.
func (s *Subscriber) AddHandler(fn Handler) (remove func()) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	s.nextHandler++
	id := s.nextHandler
	s.handlers = append(s.handlers, handlerEntry{id: id, fn: fn})

	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		for i, h := range s.handlers {
			if h.id == id {
				s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
				return
			}
		}
	}
}
