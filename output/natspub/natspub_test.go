package natspub

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/natsclient"
	"github.com/c360/tsstream/output"
	"github.com/c360/tsstream/testutil"
)

var _ Publisher = (*natsclient.Client)(nil)

func measurements() []measurement.Measurement {
	return []measurement.Measurement{
		{Key: measurement.Key{SignalID: uuid.New(), Source: "PPA", ID: 1}, Value: 60},
		{Key: measurement.Key{SignalID: uuid.New(), Source: "PPA", ID: 2}, Value: 59.98},
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.SubjectPrefix = ""
	assert.ErrorIs(t, cfg.Validate(), errors.ErrMissingConfig)

	cfg.SubjectPrefix = "tsstream.>"
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.JetStream = true
	cfg.Stream = ""
	assert.ErrorIs(t, cfg.Validate(), errors.ErrMissingConfig)

	assert.Equal(t, []string{"tsstream.>"}, DefaultConfig().StreamSubjects())
}

func TestSink_Subject(t *testing.T) {
	sink, err := New(DefaultConfig(), testutil.NewMockNATSClient(), nil)
	require.NoError(t, err)

	m := measurement.Measurement{Key: measurement.Key{Source: "PPA", ID: 12}}
	assert.Equal(t, "tsstream.PPA.12", sink.Subject(m))

	m.Source = "SHELBY.PMU *1"
	assert.Equal(t, "tsstream.SHELBY_PMU__1.12", sink.Subject(m))

	m.Source = ""
	assert.Equal(t, "tsstream._.12", sink.Subject(m))
}

func TestSink_WriteCore(t *testing.T) {
	client := testutil.NewMockNATSClient()
	sink, err := New(DefaultConfig(), client, nil)
	require.NoError(t, err)

	batch := measurements()
	require.NoError(t, sink.Write(context.Background(), batch))
	assert.Equal(t, int64(2), sink.Published())

	msgs := client.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "tsstream.PPA.1", msgs[0].Subject)
	assert.False(t, msgs[0].Stream)

	var r output.Record
	require.NoError(t, json.Unmarshal(msgs[1].Data, &r))
	assert.Equal(t, batch[1].SignalID.String(), r.SignalID)
	assert.Equal(t, uint32(2), r.ID)
	assert.NoError(t, sink.Close())
}

func TestSink_WriteJetStream(t *testing.T) {
	client := testutil.NewMockNATSClient()
	cfg := DefaultConfig()
	cfg.JetStream = true
	sink, err := New(cfg, client, nil)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), measurements()))
	for _, m := range client.Messages() {
		assert.True(t, m.Stream)
	}
}

func TestSink_WriteFailure(t *testing.T) {
	client := testutil.NewMockNATSClient()
	client.FailWith(stderrors.New("nats: connection closed"))
	sink, err := New(DefaultConfig(), client, nil)
	require.NoError(t, err)

	err = sink.Write(context.Background(), measurements())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Zero(t, sink.Published())
}

func TestNew_RequiresPublisher(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestIntegration_JetStreamSink(t *testing.T) {
	url := testutil.StartNATSContainer(t, testutil.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := natsclient.NewClient(url)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(context.Background())

	cfg := DefaultConfig()
	cfg.JetStream = true
	stream, err := client.EnsureStream(ctx, jetstream.StreamConfig{Name: cfg.Stream, Subjects: cfg.StreamSubjects()})
	require.NoError(t, err)

	sink, err := New(cfg, client, nil)
	require.NoError(t, err)
	require.NoError(t, sink.Write(ctx, measurements()))

	msg, err := stream.GetLastMsgForSubject(ctx, "tsstream.PPA.2")
	require.NoError(t, err)
	var r output.Record
	require.NoError(t, json.Unmarshal(msg.Data, &r))
	assert.Equal(t, uint32(2), r.ID)
}
