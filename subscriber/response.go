package subscriber

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/signalindex"
	"github.com/c360/tsstream/wire"
)

// processResponse handles one response body from either channel.
func (s *Subscriber) processResponse(packet []byte) {
	header, err := wire.DecodeResponseHeader(packet)
	if err != nil {
		s.dispatch(ExceptionEvent(errors.WrapInvalid(err, "Subscriber", "processResponse", "response header")))
		return
	}
	body := packet[wire.ResponseHeaderSize:]

	switch header.Response {
	case wire.ResponseSucceeded:
		s.handleSucceeded(header.Command, body)
	case wire.ResponseFailed:
		s.handleFailed(header.Command, body)
	case wire.ResponseDataPacket:
		s.handleDataPacket(body)
	case wire.ResponseDataStartTime:
		s.handleDataStartTime(body)
	case wire.ResponseProcessingComplete:
		s.dispatch(Event{Kind: EventProcessingComplete, Message: s.decodeText(body)})
	case wire.ResponseUpdateSignalIndexCache:
		s.handleUpdateSignalIndexCache(body)
	case wire.ResponseUpdateBaseTimes:
		s.handleUpdateBaseTimes(body)
	case wire.ResponseNotify:
		s.handleNotify(body)
	case wire.ResponseConfigurationChanged:
		s.dispatch(StatusEvent("Received notification from publisher that configuration has changed."))
		s.dispatch(Event{Kind: EventConfigurationChanged})
	case wire.ResponseNoOP:
	default:
		if header.Response >= wire.ResponseUserResponse00 && header.Response <= wire.ResponseUserResponse15 {
			payload := make([]byte, len(body))
			copy(payload, body)
			s.dispatch(Event{Kind: EventUserResponse, Response: header.Response, Command: header.Command, Payload: payload})
			return
		}
		s.logger.Debug("Ignoring unknown response", "response", header.Response.String(), "command", header.Command.String())
	}
}

func (s *Subscriber) handleSucceeded(command wire.ServerCommand, body []byte) {
	switch command {
	case wire.CommandMetadataRefresh:
		s.handleMetadataRefresh(body)

	case wire.CommandSubscribe, wire.CommandUnsubscribe:
		subscribed := command == wire.CommandSubscribe
		s.subscribed.Store(subscribed)
		if s.metrics != nil {
			boolGauge(s.metrics.subscribed, subscribed)
		}
		s.dispatch(StatusEvent("Received success code in response to server command 0x%x: %s", byte(command), s.decodeText(body)))

	case wire.CommandAuthenticate, wire.CommandRotateCipherKeys:
		s.dispatch(StatusEvent("Received success code in response to server command 0x%x: %s", byte(command), s.decodeText(body)))

	default:
		s.dispatch(ExceptionEvent(fmt.Errorf("%w: received success code in response to unknown server command 0x%x",
			errors.ErrInvalidData, byte(command))))
	}
}

func (s *Subscriber) handleFailed(command wire.ServerCommand, body []byte) {
	s.dispatch(ExceptionEvent(fmt.Errorf("received failure code from server command 0x%x: %s", byte(command), s.decodeText(body))))
}

func (s *Subscriber) handleMetadataRefresh(body []byte) {
	if s.OperationalModes().GZipMetadata() {
		inflated, err := wire.Decompress(body)
		if err != nil {
			s.dispatch(ExceptionEvent(errors.WrapInvalid(err, "Subscriber", "handleMetadataRefresh", "metadata decompression")))
			return
		}
		body = inflated
	}
	s.dispatch(Event{Kind: EventMetadata, Message: s.decodeText(body)})
}

// handleDataPacket decodes a data packet body: flags, BE int32 measurement
// count, an optional BE int64 frame timestamp, then compact records.
func (s *Subscriber) handleDataPacket(body []byte) {
	if len(body) < 5 {
		s.dispatch(ExceptionEvent(fmt.Errorf("%w: data packet of %d bytes", errors.ErrShortBuffer, len(body))))
		return
	}

	sub := s.subscription.Load()
	var includeTime, msResolution bool
	if sub != nil {
		includeTime = sub.IncludeTime
		msResolution = sub.UseMillisecondResolution
	}

	flags := wire.DataPacketFlags(body[0])
	count := int32(binary.BigEndian.Uint32(body[1:5]))
	s.measurements.Add(int64(count))
	if s.metrics != nil && count > 0 {
		s.metrics.measurements.Add(float64(count))
	}
	body = body[5:]

	synchronized := flags&wire.DataPacketSynchronized != 0
	var frameTimestamp int64
	if synchronized {
		if len(body) < 8 {
			s.dispatch(ExceptionEvent(fmt.Errorf("%w: synchronized data packet without frame timestamp", errors.ErrShortBuffer)))
			return
		}
		frameTimestamp = int64(binary.BigEndian.Uint64(body[:8]))
		body = body[8:]
		includeTime = false
	}

	if flags&wire.DataPacketCompact == 0 {
		s.dispatch(ExceptionEvent(fmt.Errorf("%w: non-compact measurement format not supported", errors.ErrUnsupportedFormat)))
		return
	}

	cache := s.cache.Load()
	if cache == nil {
		return
	}

	measurements, err := measurement.Parse(cache, s.offsets.Load(), includeTime, msResolution, body)
	if synchronized {
		measurement.ApplyFrameTimestamp(measurements, frameTimestamp)
	}
	if len(measurements) > 0 {
		s.decoded.Add(int64(len(measurements)))
		if s.metrics != nil {
			s.metrics.decoded.Add(float64(len(measurements)))
		}
		s.dispatch(Event{Kind: EventNewMeasurements, Measurements: measurements})
	}
	if err != nil {
		s.dispatch(ExceptionEvent(err))
	}
}

func (s *Subscriber) handleDataStartTime(body []byte) {
	if len(body) < 8 {
		s.dispatch(ExceptionEvent(fmt.Errorf("%w: data start time of %d bytes", errors.ErrShortBuffer, len(body))))
		return
	}
	s.dispatch(Event{Kind: EventDataStartTime, StartTime: int64(binary.BigEndian.Uint64(body[:8]))})
}

// handleUpdateSignalIndexCache parses a complete new cache before swapping it in.
func (s *Subscriber) handleUpdateSignalIndexCache(body []byte) {
	state := s.modes.Load()
	cache, err := signalindex.Parse(body, state.modes, state.encoding)
	if err != nil {
		s.dispatch(ExceptionEvent(err))
		return
	}
	s.cache.Store(cache)
	s.logger.Debug("Signal index cache updated", "entries", cache.Len())
}

// handleUpdateBaseTimes reads the time index (unused) and both base offsets.
func (s *Subscriber) handleUpdateBaseTimes(body []byte) {
	if len(body) < 20 {
		s.dispatch(ExceptionEvent(fmt.Errorf("%w: base times update of %d bytes", errors.ErrShortBuffer, len(body))))
		return
	}
	offsets := measurement.BaseTimeOffsets{
		int64(binary.BigEndian.Uint64(body[4:12])),
		int64(binary.BigEndian.Uint64(body[12:20])),
	}
	s.offsets.Store(&offsets)
}

// handleNotify reports a publisher notification and confirms it by echoing
// the 4-byte hash.
func (s *Subscriber) handleNotify(body []byte) {
	if len(body) < 4 {
		s.dispatch(ExceptionEvent(fmt.Errorf("%w: notification of %d bytes", errors.ErrShortBuffer, len(body))))
		return
	}
	hash := make([]byte, 4)
	copy(hash, body[:4])

	s.dispatch(StatusEvent("NOTIFICATION: %s", s.decodeText(body[4:])))
	if err := s.SendServerCommand(wire.CommandConfirmNotification, hash); err != nil {
		s.logger.Debug("Could not confirm notification", "error", err)
	}
}

// decodeText decodes with the negotiated encoding, falling back to the raw
// bytes when they are not valid in that encoding.
func (s *Subscriber) decodeText(b []byte) string {
	text, err := s.Encoding().Decode(b)
	if err != nil {
		s.logger.Debug("Undecodable text from publisher", "error", err)
		return string(b)
	}
	return text
}
