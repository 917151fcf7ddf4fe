package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tsstream/metric"
)

type batch struct {
	id   int
	fail bool
}

func noop(context.Context, batch) error { return nil }

func TestNewPool_Defaults(t *testing.T) {
	pool, err := NewPool(0, 0, noop)
	require.NoError(t, err)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	pool, err = NewPool(5, 100, noop)
	require.NoError(t, err)
	stats := pool.Stats()
	assert.Equal(t, 5, stats.Workers)
	assert.Equal(t, 100, stats.QueueSize)
}

func TestNewPool_NilProcessor(t *testing.T) {
	_, err := NewPool[batch](5, 100, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPool_Lifecycle(t *testing.T) {
	pool, err := NewPool(2, 10, noop)
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Submit(batch{}), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Submit(batch{id: 1}))

	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(batch{}), ErrPoolStopped)
}

func TestPool_StopDrainsQueue(t *testing.T) {
	var processed atomic.Int32
	pool, err := NewPool(1, 50, func(context.Context, batch) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(batch{id: i}))
	}
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int32(20), processed.Load())
	assert.Equal(t, int64(20), pool.Stats().Processed)
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool, err := NewPool(1, 1, func(ctx context.Context, _ batch) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(release)
		_ = pool.Stop(time.Second)
	}()

	// One item in the worker, one in the queue; the next is dropped.
	require.NoError(t, pool.Submit(batch{id: 1}))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(batch{id: 2}))

	assert.ErrorIs(t, pool.Submit(batch{id: 3}), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestPool_FailureHook(t *testing.T) {
	var mu sync.Mutex
	var failedIDs []int
	boom := errors.New("sink unavailable")

	pool, err := NewPool(2, 10,
		func(_ context.Context, b batch) error {
			if b.fail {
				return boom
			}
			return nil
		},
		WithFailureHook(func(b batch, err error) {
			assert.ErrorIs(t, err, boom)
			mu.Lock()
			failedIDs = append(failedIDs, b.id)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(batch{id: i, fail: i%2 == 1}))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(6), stats.Processed)
	assert.Equal(t, int64(3), stats.Failed)
	mu.Lock()
	assert.ElementsMatch(t, []int{1, 3, 5}, failedIDs)
	mu.Unlock()
}

func TestPool_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)

	pool, err := NewPool(1, 10, func(ctx context.Context, _ batch) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Submit(batch{}))
	<-started

	cancel()
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	pool, err := NewPool(1, 1, func(context.Context, batch) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(batch{}))

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
	close(release)
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	var processed atomic.Int64
	pool, err := NewPool(4, 1000, func(context.Context, batch) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = pool.Submit(batch{id: i})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(400), stats.Submitted+stats.Dropped)
	assert.Equal(t, stats.Submitted, processed.Load())
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool, err := NewPool(1, 10, noop, WithMetricsRegistry[batch](registry, "fanout"))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(batch{}))
	require.NoError(t, pool.Submit(batch{}))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.submitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.processed))

	_, err = NewPool(1, 10, noop, WithMetricsRegistry[batch](registry, "fanout"))
	assert.Error(t, err, "duplicate pool name must fail registration")
}
