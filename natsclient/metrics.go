package natsclient

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tsstream/metric"
)

const metricsService = "natsclient"

type clientMetrics struct {
	status     prometheus.Gauge
	reconnects prometheus.Counter
	published  *prometheus.CounterVec
	errors     *prometheus.CounterVec
}

func newClientMetrics(registry *metric.MetricsRegistry) (*clientMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &clientMetrics{
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "connection_status",
			Help:      "Connection status (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Reconnections performed by the NATS client",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "published_messages_total",
			Help:      "Messages published by mode (core or jetstream)",
		}, []string{"mode"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "errors_total",
			Help:      "NATS client errors by operation",
		}, []string{"operation"}),
	}

	for _, register := range []func() error{
		func() error { return registry.RegisterGauge(metricsService, "connection_status", m.status) },
		func() error { return registry.RegisterCounter(metricsService, "reconnects_total", m.reconnects) },
		func() error { return registry.RegisterCounterVec(metricsService, "published_messages_total", m.published) },
		func() error { return registry.RegisterCounterVec(metricsService, "errors_total", m.errors) },
	} {
		if err := register(); err != nil {
			registry.UnregisterService(metricsService)
			return nil, err
		}
	}
	return m, nil
}

func (m *clientMetrics) setStatus(s ConnectionStatus) {
	if m != nil {
		m.status.Set(float64(s))
	}
}

func (m *clientMetrics) recordPublish(mode string) {
	if m != nil {
		m.published.WithLabelValues(mode).Inc()
	}
}

func (m *clientMetrics) recordError(operation string) {
	if m != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

func (m *clientMetrics) recordReconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}
