package testutil

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/signalindex"
	"github.com/c360/tsstream/wire"
)

// Command is one command frame received by a Publisher.
type Command struct {
	Code    wire.ServerCommand
	Payload []byte
}

// ConnectionString decodes a Subscribe payload's connection string as UTF-16LE.
func (c Command) ConnectionString() string {
	if c.Code != wire.CommandSubscribe || len(c.Payload) < 5 {
		return ""
	}
	n := int(binary.BigEndian.Uint32(c.Payload[1:5]))
	if 5+n > len(c.Payload) {
		return ""
	}
	s, err := wire.UTF16LE.Decode(c.Payload[5 : 5+n])
	if err != nil {
		return ""
	}
	return s
}

// Publisher is an in-process publisher that speaks the command channel
// framing. It records every command and can push responses and datagrams.
type Publisher struct {
	t        testing.TB
	listener net.Listener
	autoAck  bool

	mu       sync.Mutex
	conns    []net.Conn
	accepted int

	commands chan Command
	wg       sync.WaitGroup
	closed   chan struct{}
	once     sync.Once
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithAutoAck makes the publisher answer Subscribe and Unsubscribe with a
// success response.
func WithAutoAck() PublisherOption {
	return func(p *Publisher) { p.autoAck = true }
}

// NewPublisher listens on a loopback port and closes itself at test cleanup.
func NewPublisher(t testing.TB, opts ...PublisherOption) *Publisher {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("publisher listen: %v", err)
	}

	p := &Publisher{
		t:        t,
		listener: ln,
		commands: make(chan Command, 256),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(1)
	go p.acceptLoop()
	t.Cleanup(p.Close)
	return p
}

// Host returns the listening host.
func (p *Publisher) Host() string { return "127.0.0.1" }

// Port returns the listening port.
func (p *Publisher) Port() int {
	return p.listener.Addr().(*net.TCPAddr).Port
}

// Address returns host:port.
func (p *Publisher) Address() string {
	return net.JoinHostPort(p.Host(), strconv.Itoa(p.Port()))
}

// Accepted returns how many connections have been accepted.
func (p *Publisher) Accepted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted
}

func (p *Publisher) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.accepted++
		p.mu.Unlock()

		p.wg.Add(1)
		go p.readLoop(conn)
	}
}

func (p *Publisher) readLoop(conn net.Conn) {
	defer p.wg.Done()

	var header [wire.PayloadHeaderSize]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		size, err := wire.DecodePayloadHeader(header[:])
		if err != nil || size < 1 {
			return
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		cmd := Command{Code: wire.ServerCommand(body[0]), Payload: body[1:]}
		select {
		case p.commands <- cmd:
		case <-p.closed:
			return
		}

		if p.autoAck && (cmd.Code == wire.CommandSubscribe || cmd.Code == wire.CommandUnsubscribe) {
			msg, _ := wire.UTF16LE.Encode(cmd.Code.String() + " accepted")
			_ = p.writeTo(conn, wire.EncodeResponse(wire.ResponseSucceeded, cmd.Code, msg))
		}
	}
}

// NextCommand returns the next received command or false after timeout.
func (p *Publisher) NextCommand(timeout time.Duration) (Command, bool) {
	select {
	case cmd := <-p.commands:
		return cmd, true
	case <-time.After(timeout):
		return Command{}, false
	}
}

// WaitForCommand skips commands until one with code arrives, failing the test
// after timeout. The skipped commands are returned in order.
func (p *Publisher) WaitForCommand(code wire.ServerCommand, timeout time.Duration) (Command, []Command) {
	p.t.Helper()

	var skipped []Command
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.t.Fatalf("timed out waiting for %s; saw %d other commands", code, len(skipped))
			return Command{}, skipped
		}
		cmd, ok := p.NextCommand(remaining)
		if !ok {
			continue
		}
		if cmd.Code == code {
			return cmd, skipped
		}
		skipped = append(skipped, cmd)
	}
}

// Send writes a framed response body to the most recent connection.
func (p *Publisher) Send(body []byte) error {
	p.mu.Lock()
	var conn net.Conn
	if len(p.conns) > 0 {
		conn = p.conns[len(p.conns)-1]
	}
	p.mu.Unlock()

	if conn == nil {
		return net.ErrClosed
	}
	return p.writeTo(conn, body)
}

// SendResponse builds and sends a response.
func (p *Publisher) SendResponse(response wire.ServerResponse, command wire.ServerCommand, payload []byte) error {
	return p.Send(wire.EncodeResponse(response, command, payload))
}

func (p *Publisher) writeTo(conn net.Conn, body []byte) error {
	_, err := conn.Write(wire.FrameResponse(body))
	return err
}

// SendDatagram sends a response body over UDP from the loopback address to
// the subscriber's data channel port.
func (p *Publisher) SendDatagram(port int, body []byte) error {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(body)
	return err
}

// DropConnections closes every accepted connection, simulating a publisher
// restart while keeping the listener open.
func (p *Publisher) DropConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.Close()
	}
	p.conns = nil
}

// Close stops the listener and every connection.
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.closed)
		_ = p.listener.Close()
		p.DropConnections()
		p.wg.Wait()
	})
}

// SignalIndexCachePayload serializes cache for an UpdateSignalIndexCache response.
func SignalIndexCachePayload(t testing.TB, cache *signalindex.Cache, enc wire.TextEncoding) []byte {
	t.Helper()
	b, err := signalindex.Encode(cache, enc)
	if err != nil {
		t.Fatalf("encode signal index cache: %v", err)
	}
	return b
}

// BaseTimesPayload builds an UpdateBaseTimes payload.
func BaseTimesPayload(timeIndex int32, offsets measurement.BaseTimeOffsets) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint32(b[0:4], uint32(timeIndex))
	binary.BigEndian.PutUint64(b[4:12], uint64(offsets[0]))
	binary.BigEndian.PutUint64(b[12:20], uint64(offsets[1]))
	return b
}

// DataPacketPayload builds a DataPacket payload. frameTimestamp is written,
// and the synchronized flag set, when it is non-nil.
func DataPacketPayload(count int32, frameTimestamp *int64, records []byte) []byte {
	flags := wire.DataPacketCompact
	size := 5 + len(records)
	if frameTimestamp != nil {
		flags |= wire.DataPacketSynchronized
		size += 8
	}

	b := make([]byte, size)
	b[0] = byte(flags)
	binary.BigEndian.PutUint32(b[1:5], uint32(count))
	pos := 5
	if frameTimestamp != nil {
		binary.BigEndian.PutUint64(b[5:13], uint64(*frameTimestamp))
		pos = 13
	}
	copy(b[pos:], records)
	return b
}
