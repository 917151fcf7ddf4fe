// Package output forwards decoded measurements to external systems.
//
// A Sink writes batches of measurements somewhere: a JSONL file, NATS, Kafka,
// a SQL table or WebSocket clients (see the subpackages). A Fanout registers
// as a subscriber handler and hands every NewMeasurements batch to each sink
// on that sink's own worker, so a slow sink never delays the others and each
// sink sees batches in arrival order.
package output

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/tsstream/measurement"
)

// Sink writes measurement batches. Write is called from a single goroutine per
// sink; Close is called once after the last Write.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []measurement.Measurement) error
	Close() error
}

// Record is the serialized form of a measurement shared by the sinks.
type Record struct {
	SignalID  string    `json:"signal_id"`
	Source    string    `json:"source"`
	ID        uint32    `json:"id"`
	Value     float64   `json:"value"`
	Timestamp int64     `json:"timestamp"`
	Time      time.Time `json:"time"`
	Flags     uint32    `json:"flags"`
}

// NewRecord converts m. Value is widened to float64 here and nowhere else.
func NewRecord(m measurement.Measurement) Record {
	return Record{
		SignalID:  m.SignalID.String(),
		Source:    m.Source,
		ID:        m.ID,
		Value:     float64(m.Value),
		Timestamp: m.Timestamp,
		Time:      m.Time(),
		Flags:     m.Flags,
	}
}

// PointTag returns "<source>:<id>", the key sinks use for a signal.
func PointTag(m measurement.Measurement) string {
	return fmt.Sprintf("%s:%d", m.Source, m.ID)
}
