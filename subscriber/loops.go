package subscriber

import (
	"fmt"
	"io"
	"net"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/pkg/buffer"
	"github.com/c360/tsstream/wire"
)

// runCommandSender writes queued commands to the command channel.
func (s *Subscriber) runCommandSender(conn net.Conn) {
	defer s.loops.Done()

	for !s.disconnecting.Load() {
		frame, ok := s.commands.Poll(s.pollTimeout)
		if !ok {
			if s.commands.Closed() {
				return
			}
			continue
		}

		if _, err := conn.Write(frame); err != nil {
			if !s.disconnecting.Load() {
				s.connectionTerminated(errors.WrapTransient(err, "Subscriber", "runCommandSender", "command write"))
			}
			return
		}
	}
}

// runCommandChannelReader reads framed responses until the channel fails or
// the subscriber disconnects.
func (s *Subscriber) runCommandChannelReader(conn net.Conn) {
	defer s.loops.Done()

	var header [wire.PayloadHeaderSize]byte
	body := buffer.NewReadBuffer(wire.MaxPacketSize)

	for {
		n, err := io.ReadFull(conn, header[:])
		s.addCommandBytes(n)
		if s.disconnecting.Load() {
			return
		}
		if err != nil {
			s.connectionTerminated(errors.WrapTransient(lostConnection(err), "Subscriber", "runCommandChannelReader", "header read"))
			return
		}

		size, err := wire.DecodePayloadHeader(header[:])
		if err != nil {
			s.connectionTerminated(errors.WrapInvalid(err, "Subscriber", "runCommandChannelReader", "payload header"))
			return
		}

		packet := body.EnsureCapacity(size)
		n, err = io.ReadFull(conn, packet)
		s.addCommandBytes(n)
		if s.disconnecting.Load() {
			return
		}
		if err != nil {
			s.connectionTerminated(errors.WrapTransient(lostConnection(err), "Subscriber", "runCommandChannelReader", "body read"))
			return
		}

		s.processResponse(packet)
	}
}

// lostConnection marks a closed command channel with ErrConnectionLost.
func lostConnection(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", errors.ErrConnectionLost, err)
	}
	return err
}

// runDataChannelReader receives datagrams from the publisher. Datagrams from
// any other host are dropped.
func (s *Subscriber) runDataChannelReader(conn *net.UDPConn) {
	defer s.dataLoop.Done()

	packet := make([]byte, wire.MaxPacketSize)
	for {
		n, addr, err := conn.ReadFromUDP(packet)
		if s.unsubscribing.Load() || s.disconnecting.Load() {
			return
		}
		if err != nil {
			s.dispatch(ExceptionEvent(errors.WrapTransient(err, "Subscriber", "runDataChannelReader", "datagram read")))
			return
		}

		if !s.isValidHostAddress(addr.IP) {
			if s.metrics != nil {
				s.metrics.droppedPacket.Inc()
			}
			s.logger.Debug("Dropped datagram from unexpected host", "from", addr.String())
			continue
		}

		s.dataBytes.Add(int64(n))
		if s.metrics != nil {
			s.metrics.dataBytes.Add(float64(n))
		}
		s.processResponse(packet[:n])
	}
}

// runCallbackDispatcher delivers queued events to handlers in order.
func (s *Subscriber) runCallbackDispatcher() {
	defer s.loops.Done()

	for !s.disconnecting.Load() {
		ev, ok := s.callbacks.Poll(s.pollTimeout)
		if !ok {
			if s.callbacks.Closed() {
				return
			}
			continue
		}
		s.deliver(ev)
	}
}

// deliver calls every handler with ev. A panicking handler is reported as an
// exception to the handlers, except when ev is itself an exception.
func (s *Subscriber) deliver(ev Event) {
	if s.metrics != nil {
		s.metrics.events.WithLabelValues(ev.Kind.String()).Inc()
	}

	s.handlersMu.RLock()
	handlers := s.handlers
	s.handlersMu.RUnlock()

	for _, h := range handlers {
		if err := invoke(h.fn, ev); err != nil {
			if ev.Kind == EventException {
				s.logger.Error("Exception handler panicked", "error", err)
				continue
			}
			s.deliver(ExceptionEvent(err))
		}
	}
}

func invoke(fn Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapInvalid(fmt.Errorf("handler panic: %v", r), "Subscriber", "deliver", ev.Kind.String()+" handler")
		}
	}()
	fn(ev)
	return nil
}

// dispatch queues ev for the dispatcher. Events raised while disconnected are
// logged and dropped.
func (s *Subscriber) dispatch(ev Event) {
	if err := s.callbacks.Write(ev); err != nil {
		s.logger.Debug("Dropped event while disconnected", "kind", ev.Kind.String())
	}
}

// connectionTerminated runs at most once per connection. It disconnects on a
// fresh goroutine, then calls handlers directly since the dispatcher is gone.
func (s *Subscriber) connectionTerminated(cause error) {
	if !s.terminating.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn("Publisher connection terminated", "error", cause)

	generation := s.generation.Load()
	go func() {
		s.mu.Lock()
		if s.generation.Load() != generation {
			s.mu.Unlock()
			return
		}
		_ = s.disconnectLocked()
		s.mu.Unlock()

		s.deliver(Event{Kind: EventConnectionTerminated, Err: cause})
	}()
}

func (s *Subscriber) addCommandBytes(n int) {
	if n <= 0 {
		return
	}
	s.commandBytes.Add(int64(n))
	if s.metrics != nil {
		s.metrics.commandBytes.Add(float64(n))
	}
}
