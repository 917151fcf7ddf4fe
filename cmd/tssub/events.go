package main

import (
	"log/slog"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/subscriber"
)

// logEvents logs every event except measurement batches.
func logEvents(logger *slog.Logger) subscriber.Handler {
	return func(ev subscriber.Event) {
		switch ev.Kind {
		case subscriber.EventStatusMessage:
			logger.Info("Subscriber status", "message", ev.Message)
		case subscriber.EventException:
			logger.Warn("Subscriber exception", "error", ev.Err, "class", errors.Classify(ev.Err).String())
		case subscriber.EventConnectionTerminated:
			logger.Warn("Publisher connection terminated", "error", ev.Err)
		case subscriber.EventReconnected:
			logger.Info("Reconnected to publisher")
		case subscriber.EventDataStartTime:
			logger.Info("Data start time received", "start_time", measurement.TicksToTime(ev.StartTime))
		case subscriber.EventMetadata:
			logger.Debug("Metadata received", "bytes", len(ev.Message))
		case subscriber.EventConfigurationChanged:
			logger.Info("Publisher configuration changed")
		case subscriber.EventProcessingComplete:
			logger.Info("Publisher processing complete", "message", ev.Message)
		case subscriber.EventUserResponse:
			logger.Info("User response received",
				"response", ev.Response.String(), "command", ev.Command.String(), "bytes", len(ev.Payload))
		}
	}
}
