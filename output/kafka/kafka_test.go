package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/output"
)

func batch() []measurement.Measurement {
	return []measurement.Measurement{
		{Key: measurement.Key{SignalID: uuid.New(), Source: "PPA", ID: 1}, Value: 60},
		{Key: measurement.Key{SignalID: uuid.New(), Source: "PPA", ID: 2}, Value: 0.5},
	}
}

func newMockSink(t *testing.T) (*Sink, *mocks.SyncProducer) {
	conf, err := DefaultConfig().SaramaConfig()
	require.NoError(t, err)
	producer := mocks.NewSyncProducer(t, conf)
	sink, err := NewWithProducer(DefaultConfig(), producer, nil)
	require.NoError(t, err)
	return sink, producer
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Brokers = nil
	assert.ErrorIs(t, cfg.Validate(), errors.ErrMissingConfig)

	cfg = DefaultConfig()
	cfg.Topic = ""
	assert.ErrorIs(t, cfg.Validate(), errors.ErrMissingConfig)

	cfg = DefaultConfig()
	cfg.Compression = "brotli"
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Version = "not-a-version"
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)
}

func TestConfig_SaramaConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compression = "GZIP"

	conf, err := cfg.SaramaConfig()
	require.NoError(t, err)
	assert.True(t, conf.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, conf.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionGZIP, conf.Producer.Compression)
	assert.Equal(t, "tsstream", conf.ClientID)
	assert.True(t, conf.Version.IsAtLeast(sarama.V2_8_0_0))
}

func TestSink_Message(t *testing.T) {
	sink, producer := newMockSink(t)
	defer producer.Close()

	m := batch()[0]
	msg := sink.Message(m)
	assert.Equal(t, "tsstream.measurements", msg.Topic)

	key, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "PPA:1", string(key))

	value, err := msg.Value.Encode()
	require.NoError(t, err)
	var r output.Record
	require.NoError(t, json.Unmarshal(value, &r))
	assert.Equal(t, m.SignalID.String(), r.SignalID)
	assert.Equal(t, len(value), msg.Value.Length())
}

func TestSink_Write(t *testing.T) {
	sink, producer := newMockSink(t)

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var r output.Record
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if r.ID != 1 {
			return stderrors.New("unexpected point id")
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	require.NoError(t, sink.Write(context.Background(), batch()))
	assert.Equal(t, int64(2), sink.Sent())
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	err := sink.Write(context.Background(), batch())
	assert.ErrorIs(t, err, errors.ErrSinkUnavailable)
}

func TestSink_WriteFailure(t *testing.T) {
	sink, producer := newMockSink(t)
	defer sink.Close()

	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	err := sink.Write(context.Background(), batch())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Less(t, sink.Sent(), int64(2))
}

func TestSink_WriteCancelled(t *testing.T) {
	sink, producer := newMockSink(t)
	defer sink.Close()
	_ = producer

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Write(ctx, batch()), context.Canceled)
}
