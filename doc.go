// Package tsstream is a subscriber for streaming time-series telemetry
// publishers that speak the compact binary measurement protocol.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│        reconnect.Supervisor         │  Retry dialing, auto-reconnect
//	└─────────────────────────────────────┘
//	           ↓ drives
//	┌─────────────────────────────────────┐
//	│       subscriber.Subscriber         │  Command channel (TCP), data
//	│                                     │  channel (UDP), event delivery
//	└─────────────────────────────────────┘
//	           ↓ decodes with
//	┌─────────────────────────────────────┐
//	│  wire / signalindex / measurement   │  Framing, compact records,
//	│                                     │  index cache, packet parsing
//	└─────────────────────────────────────┘
//	           ↓ measurements to
//	┌─────────────────────────────────────┐
//	│           output.Fanout             │  file, nats, kafka, sql,
//	│                                     │  websocket, httppost sinks
//	└─────────────────────────────────────┘
//
// # Packages
//
//   - wire: command and response codes, operational modes, response framing,
//     compact measurement encoding and text encodings.
//   - signalindex: the runtime index to signal mapping sent by the publisher.
//   - measurement: measurement values, tick conversion and data packet parsing.
//   - subscriber: the connection core with its background loops and events.
//   - reconnect: connection supervision and retry policy.
//   - output: the sink interface, the fanout and every sink implementation.
//   - config, health, metric, natsclient: daemon infrastructure.
//   - pkg/buffer, pkg/retry, pkg/worker, pkg/tlsutil: shared utilities.
//
// The tssub command under cmd/ wires everything into a daemon.
package tsstream
