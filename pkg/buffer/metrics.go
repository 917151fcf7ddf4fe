package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tsstream/metric"
)

// queueMetrics exports queue activity for one named queue.
type queueMetrics struct {
	writes prometheus.Counter
	reads  prometheus.Counter
	drops  prometheus.Counter
	depth  prometheus.Gauge
}

func newQueueMetrics(registry *metric.MetricsRegistry, name string) (*queueMetrics, error) {
	labels := prometheus.Labels{"queue": name}
	m := &queueMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Total number of items written to the queue",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "reads_total",
			ConstLabels: labels,
			Help:        "Total number of items read from the queue",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Total number of items dropped by the overflow policy",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "depth",
			ConstLabels: labels,
			Help:        "Current number of queued items",
		}),
	}

	service := "queue." + name
	if err := registry.RegisterCounter(service, "writes_total", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "reads_total", m.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "drops_total", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(service, "depth", m.depth); err != nil {
		return nil, err
	}
	return m, nil
}
