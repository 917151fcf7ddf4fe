package metric

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tsstream/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "test_counter_total",
		Help:      "A test counter",
	})

	require.NoError(t, registry.RegisterCounter("test-service", "test_counter_total", counter))
	counter.Add(3)

	assert.Equal(t, 3.0, testutil.ToFloat64(counter))
	count, err := testutil.GatherAndCount(registry.PrometheusRegistry(), "tsstream_test_counter_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.RegisterGauge("svc", "dup_gauge", gauge))

	err := registry.RegisterGauge("svc", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// same collector name under another service conflicts inside prometheus
	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	err = registry.RegisterGauge("other", "dup_gauge", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Vectors(t *testing.T) {
	registry := NewMetricsRegistry()

	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "events_total", Help: "events"}, []string{"kind"})
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "state", Help: "state"}, []string{"name"})
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "latency_seconds", Help: "latency"}, []string{"sink"})
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "size_bytes", Help: "size"})

	require.NoError(t, registry.RegisterCounterVec("svc", "events_total", cv))
	require.NoError(t, registry.RegisterGaugeVec("svc", "state", gv))
	require.NoError(t, registry.RegisterHistogramVec("svc", "latency_seconds", hv))
	require.NoError(t, registry.RegisterHistogram("svc", "size_bytes", h))

	cv.WithLabelValues("status").Inc()
	gv.WithLabelValues("subscriber").Set(2)
	hv.WithLabelValues("file").Observe(0.25)
	assert.Equal(t, 1.0, testutil.ToFloat64(cv.WithLabelValues("status")))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	metricsByName := make(map[string]*dto.MetricFamily)
	for _, mf := range families {
		metricsByName[mf.GetName()] = mf
	}

	events := metricsByName["events_total"]
	require.NotNil(t, events)
	assert.Equal(t, dto.MetricType_COUNTER, events.GetType())
	assert.Equal(t, 1.0, events.Metric[0].GetCounter().GetValue())
	assert.Equal(t, "kind", events.Metric[0].Label[0].GetName())

	state := metricsByName["state"]
	require.NotNil(t, state)
	assert.Equal(t, 2.0, state.Metric[0].GetGauge().GetValue())

	latency := metricsByName["latency_seconds"]
	require.NotNil(t, latency)
	assert.Equal(t, uint64(1), latency.Metric[0].GetHistogram().GetSampleCount())

	// unobserved histograms are still exported
	require.NotNil(t, metricsByName["size_bytes"])
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gone_total", Help: "gone"})
	require.NoError(t, registry.RegisterCounter("svc", "gone_total", counter))

	assert.True(t, registry.Unregister("svc", "gone_total"))
	assert.False(t, registry.Unregister("svc", "gone_total"))

	// can register again after removal
	require.NoError(t, registry.RegisterCounter("svc", "gone_total", counter))
}

func TestMetricsRegistry_UnregisterService(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NoError(t, registry.RegisterCounter("subscriber", "a_total",
		prometheus.NewCounter(prometheus.CounterOpts{Name: "a_total", Help: "a"})))
	require.NoError(t, registry.RegisterCounter("subscriber", "b_total",
		prometheus.NewCounter(prometheus.CounterOpts{Name: "b_total", Help: "b"})))
	require.NoError(t, registry.RegisterCounter("subscriber-2", "c_total",
		prometheus.NewCounter(prometheus.CounterOpts{Name: "c_total", Help: "c"})))

	assert.Equal(t, 2, registry.UnregisterService("subscriber"))
	assert.True(t, registry.Unregister("subscriber-2", "c_total"))
}

func TestServer_ServesMetricsAndExtraHandlers(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "served_total", Help: "x"})
	require.NoError(t, registry.RegisterCounter("svc", "served_total", counter))
	counter.Inc()

	server := NewServer("127.0.0.1:0", "", registry, nil)
	server.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	require.NoError(t, server.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	}()

	assert.Error(t, server.Start(), "second start must fail")

	resp, err := http.Get(server.Address())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "tsstream_served_total 1")

	healthURL := strings.TrimSuffix(server.Address(), "/metrics") + "/healthz"
	resp, err = http.Get(healthURL)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))
}

func TestServer_StartWithoutRegistry(t *testing.T) {
	server := NewServer("127.0.0.1:0", "/metrics", nil, nil)
	err := server.Start()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
