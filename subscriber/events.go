package subscriber

import (
	"fmt"

	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/wire"
)

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventStatusMessage EventKind = iota
	EventException
	EventNewMeasurements
	EventMetadata
	EventDataStartTime
	EventProcessingComplete
	EventConfigurationChanged
	EventUserResponse
	EventConnectionTerminated
	EventReconnected
)

func (k EventKind) String() string {
	switch k {
	case EventStatusMessage:
		return "status_message"
	case EventException:
		return "exception"
	case EventNewMeasurements:
		return "new_measurements"
	case EventMetadata:
		return "metadata"
	case EventDataStartTime:
		return "data_start_time"
	case EventProcessingComplete:
		return "processing_complete"
	case EventConfigurationChanged:
		return "configuration_changed"
	case EventUserResponse:
		return "user_response"
	case EventConnectionTerminated:
		return "connection_terminated"
	case EventReconnected:
		return "reconnected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to every registered Handler. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind EventKind

	// Message holds status text, metadata, or the processing complete message.
	Message string

	// Err is the cause of an exception or a terminated connection.
	Err error

	Measurements []measurement.Measurement

	// StartTime is the publisher's data start time in ticks.
	StartTime int64

	// Response, Command and Payload describe a user response.
	Response wire.ServerResponse
	Command  wire.ServerCommand
	Payload  []byte
}

// StatusEvent builds a status message event.
func StatusEvent(format string, args ...any) Event {
	return Event{Kind: EventStatusMessage, Message: fmt.Sprintf(format, args...)}
}

// ExceptionEvent builds an exception event.
func ExceptionEvent(err error) Event {
	return Event{Kind: EventException, Err: err}
}

// Handler receives subscriber events. Handlers run on the dispatcher goroutine,
// except ConnectionTerminated which runs on its own goroutine. A handler running
// on the dispatcher must not call Connect, Subscribe, Unsubscribe or Disconnect:
// Disconnect waits for the dispatcher while holding the state lock.
type Handler func(Event)
