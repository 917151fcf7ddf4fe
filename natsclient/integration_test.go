package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/c360/tsstream/metric"
	"github.com/c360/tsstream/testutil"
)

type ClientIntegrationSuite struct {
	suite.Suite
	url      string
	registry *metric.MetricsRegistry
	client   *Client
	ctx      context.Context
	cancel   context.CancelFunc
}

func TestClientIntegrationSuite(t *testing.T) {
	suite.Run(t, new(ClientIntegrationSuite))
}

func (s *ClientIntegrationSuite) SetupSuite() {
	s.url = testutil.StartNATSContainer(s.T(), testutil.WithJetStream())
}

func (s *ClientIntegrationSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 30*time.Second)
	s.registry = metric.NewMetricsRegistry()

	var err error
	s.client, err = NewClient(s.url, WithName("tsstream-test"), WithMetrics(s.registry))
	s.Require().NoError(err)
	s.Require().NoError(s.client.Connect(s.ctx))
}

func (s *ClientIntegrationSuite) TearDownTest() {
	s.NoError(s.client.Close(context.Background()))
	s.cancel()
}

func (s *ClientIntegrationSuite) TestPublishSubscribe() {
	s.True(s.client.IsHealthy())
	rtt, err := s.client.RTT()
	s.Require().NoError(err)
	s.Greater(rtt, time.Duration(0))

	var mu sync.Mutex
	var got []string
	s.Require().NoError(s.client.Subscribe("tsstream.>", func(subject string, _ []byte) {
		mu.Lock()
		got = append(got, subject)
		mu.Unlock()
	}))
	s.Require().NoError(s.client.Flush(s.ctx))

	s.Require().NoError(s.client.Publish(s.ctx, "tsstream.PPA.1", []byte(`{"value":60}`)))
	s.Require().NoError(s.client.Flush(s.ctx))

	s.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)
	s.Equal([]string{"tsstream.PPA.1"}, got)
}

func (s *ClientIntegrationSuite) TestJetStream() {
	cfg := jetstream.StreamConfig{Name: "MEASUREMENTS", Subjects: []string{"tsstream.>"}}
	_, err := s.client.EnsureStream(s.ctx, cfg)
	s.Require().NoError(err)
	// same config again is a no-op update
	stream, err := s.client.EnsureStream(s.ctx, cfg)
	s.Require().NoError(err)
	s.Require().NoError(stream.Purge(s.ctx))

	for i := 0; i < 3; i++ {
		s.Require().NoError(s.client.PublishToStream(s.ctx, "tsstream.PPA.1", []byte(`{}`)))
	}

	info, err := stream.Info(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint64(3), info.State.Msgs)
}

func (s *ClientIntegrationSuite) TestMetrics() {
	s.Require().NoError(s.client.Publish(s.ctx, "tsstream.PPA.2", []byte(`{}`)))
	s.Require().NoError(s.client.Publish(s.ctx, "tsstream.PPA.2", []byte(`{}`)))

	metricFamilies, err := s.registry.PrometheusRegistry().Gather()
	s.Require().NoError(err)

	metricsByName := make(map[string]*dto.MetricFamily)
	for _, mf := range metricFamilies {
		metricsByName[mf.GetName()] = mf
	}

	status := metricsByName["tsstream_nats_connection_status"]
	s.Require().NotNil(status, "connection status metric should exist")
	s.Equal(float64(StatusConnected), status.Metric[0].GetGauge().GetValue())

	published := metricsByName["tsstream_nats_published_messages_total"]
	s.Require().NotNil(published, "published metric should exist")
	var core float64
	for _, m := range published.Metric {
		for _, l := range m.Label {
			if l.GetName() == "mode" && l.GetValue() == "core" {
				core = m.GetCounter().GetValue()
			}
		}
	}
	s.Equal(2.0, core)
}
