package subscriber

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tsstream/metric"
)

// subscriberMetrics holds Prometheus metrics for one subscriber.
type subscriberMetrics struct {
	commandBytes  prometheus.Counter
	dataBytes     prometheus.Counter
	measurements  prometheus.Counter
	decoded       prometheus.Counter
	events        *prometheus.CounterVec
	connected     prometheus.Gauge
	subscribed    prometheus.Gauge
	droppedPacket prometheus.Counter
}

// newSubscriberMetrics registers metrics under service "subscriber.<name>".
// A nil registry disables metrics.
func newSubscriberMetrics(registry *metric.MetricsRegistry, name string) (*subscriberMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"subscriber": name}
	m := &subscriberMetrics{
		commandBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "subscriber",
			Name:        "command_channel_bytes_total",
			Help:        "Bytes received on the TCP command channel",
			ConstLabels: labels,
		}),
		dataBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "subscriber",
			Name:        "data_channel_bytes_total",
			Help:        "Bytes received on the UDP data channel",
			ConstLabels: labels,
		}),
		measurements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "subscriber",
			Name:        "measurements_reported_total",
			Help:        "Measurement counts reported in data packet headers",
			ConstLabels: labels,
		}),
		decoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "subscriber",
			Name:        "measurements_decoded_total",
			Help:        "Measurements decoded and dispatched to handlers",
			ConstLabels: labels,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "subscriber",
			Name:        "events_total",
			Help:        "Events dispatched to handlers by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "subscriber",
			Name:        "connected",
			Help:        "1 while the command channel is connected",
			ConstLabels: labels,
		}),
		subscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "subscriber",
			Name:        "subscribed",
			Help:        "1 while the publisher has acknowledged a subscription",
			ConstLabels: labels,
		}),
		droppedPacket: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "subscriber",
			Name:        "data_packets_dropped_total",
			Help:        "Datagrams dropped because the sender is not the publisher host",
			ConstLabels: labels,
		}),
	}

	service := "subscriber." + name
	registrations := []func() error{
		func() error { return registry.RegisterCounter(service, "command_bytes", m.commandBytes) },
		func() error { return registry.RegisterCounter(service, "data_bytes", m.dataBytes) },
		func() error { return registry.RegisterCounter(service, "measurements", m.measurements) },
		func() error { return registry.RegisterCounter(service, "decoded", m.decoded) },
		func() error { return registry.RegisterCounterVec(service, "events", m.events) },
		func() error { return registry.RegisterGauge(service, "connected", m.connected) },
		func() error { return registry.RegisterGauge(service, "subscribed", m.subscribed) },
		func() error { return registry.RegisterCounter(service, "dropped_packets", m.droppedPacket) },
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			registry.UnregisterService(service)
			return nil, err
		}
	}
	return m, nil
}

func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
