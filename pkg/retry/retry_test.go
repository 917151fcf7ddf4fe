package retry

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tsstream/errors"
)

func TestRetry_Success(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return stderrors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	cfg := Fixed(3, 5*time.Millisecond)

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return stderrors.New("persistent error")
	})

	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrMaxRetriesExceeded))
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "persistent error")
	assert.Equal(t, 3, attempts)
}

func TestRetry_OnFailureHook(t *testing.T) {
	cfg := Fixed(5, time.Millisecond)

	var failures []int
	cfg.OnFailure = func(attempt int, _ error) {
		failures = append(failures, attempt)
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return stderrors.New("refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, failures)
}

func TestRetry_Unlimited(t *testing.T) {
	cfg := Fixed(Unlimited, time.Millisecond)

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 25 {
			return stderrors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 25, attempts)
}

func TestRetry_UnlimitedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Fixed(Unlimited, 5*time.Millisecond)

	var attempts atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error {
		attempts.Add(1)
		return stderrors.New("down")
	})

	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrRetryCancelled))
	assert.True(t, stderrors.Is(err, context.Canceled))
	assert.Greater(t, attempts.Load(), int32(1))
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	attempts := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error {
		attempts++
		return stderrors.New("error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestRetry_NonRetryable(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Fixed(5, time.Millisecond), func() error {
		attempts++
		return NonRetryable(stderrors.New("bad credentials"))
	})

	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, attempts)
}

func TestRetry_FixedInterval(t *testing.T) {
	cfg := Fixed(4, 10*time.Millisecond)

	start := time.Now()
	_ = Do(context.Background(), cfg, func() error {
		return stderrors.New("error")
	})
	elapsed := time.Since(start)

	// three sleeps of 10ms, no growth
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, 150*time.Millisecond)
}

func TestRetry_MaxDelay(t *testing.T) {
	cfg := Config{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     25 * time.Millisecond,
		Multiplier:   10.0,
	}

	start := time.Now()
	_ = Do(context.Background(), cfg, func() error {
		return stderrors.New("error")
	})
	elapsed := time.Since(start)

	// 10ms + 25ms + 25ms
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestRetry_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func() error { return nil })
	assert.Error(t, err)

	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error { return nil })
	assert.Error(t, err)
}

func TestRetry_WithResult(t *testing.T) {
	attempts := 0
	result, err := DoWithResult(context.Background(), Fixed(3, time.Millisecond), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", stderrors.New("not ready")
		}
		return "success", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "success", result)
}

func TestRetry_ZeroAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestFixed(t *testing.T) {
	f := Fixed(Unlimited, time.Second)
	assert.Equal(t, Unlimited, f.MaxAttempts)
	assert.Equal(t, 1.0, f.Multiplier)
	assert.Equal(t, f.InitialDelay, f.MaxDelay)
}
