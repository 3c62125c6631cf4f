package fault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Base:         2.0,
		Timeout:      10 * time.Second,
	}
}

func TestExecuteWithRetrySucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(testConfig(), newFakeClock(), zap.NewNop())
	result, err := exec.ExecuteWithRetry(context.Background(), "op", func() (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, result)

	stats := exec.Stats()
	require.EqualValues(t, 1, stats.Total)
	require.EqualValues(t, 1, stats.Successes)
	require.EqualValues(t, 0, stats.Retried)
}

func TestExecuteWithRetryRecoversAfterFailures(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(testConfig(), newFakeClock(), zap.NewNop())
	calls := 0
	result, err := exec.ExecuteWithRetry(context.Background(), "op", func() (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 3, calls)

	stats := exec.Stats()
	require.EqualValues(t, 1, stats.Successes)
	require.EqualValues(t, 1, stats.Retried)
}

func TestExecuteWithRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(testConfig(), newFakeClock(), zap.NewNop())
	boom := errors.New("boom")
	calls := 0
	_, err := exec.ExecuteWithRetry(context.Background(), "op", func() (any, error) {
		calls++
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
	require.EqualValues(t, 1, exec.Stats().Failures)
}

func TestExecuteWithRetryTimeBudget(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cfg := testConfig()
	cfg.Timeout = time.Second
	exec := NewExecutor(cfg, clk, zap.NewNop())

	calls := 0
	_, err := exec.ExecuteWithRetry(context.Background(), "op", func() (any, error) {
		calls++
		// Each attempt burns more than the whole budget.
		clk.Advance(2 * time.Second)
		return nil, errors.New("slow failure")
	})
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 1, calls)
	require.EqualValues(t, 1, exec.Stats().Timeouts)
}

func TestExecuteWithRetryHonorsContextCancel(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(testConfig(), newFakeClock(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.ExecuteWithRetry(ctx, "op", func() (any, error) {
		return nil, errors.New("should not matter")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecuteWithFallback(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(testConfig(), newFakeClock(), zap.NewNop())
	exec.RegisterFallback("persist_state", func() (any, error) {
		return "memory-state", nil
	})

	result, usedFallback, err := exec.ExecuteWithFallback(context.Background(), "persist_state", func() (any, error) {
		return nil, errors.New("disk full")
	})
	require.NoError(t, err)
	require.True(t, usedFallback)
	require.Equal(t, "memory-state", result)
	require.EqualValues(t, 1, exec.Stats().Fallbacks)
}

func TestExecuteWithFallbackNoHandler(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(testConfig(), newFakeClock(), zap.NewNop())
	_, usedFallback, err := exec.ExecuteWithFallback(context.Background(), "unregistered", func() (any, error) {
		return nil, errors.New("nope")
	})
	require.Error(t, err)
	require.False(t, usedFallback)
}

func TestExecuteWithFallbackSkipsFallbackOnSuccess(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(testConfig(), newFakeClock(), zap.NewNop())
	exec.RegisterFallback("op", func() (any, error) {
		t.Fatal("fallback must not run on success")
		return nil, nil
	})

	result, usedFallback, err := exec.ExecuteWithFallback(context.Background(), "op", func() (any, error) {
		return 7, nil
	})
	require.NoError(t, err)
	require.False(t, usedFallback)
	require.Equal(t, 7, result)
}

func TestStatsRates(t *testing.T) {
	t.Parallel()

	s := Stats{Total: 4, Successes: 3, Fallbacks: 1}
	require.InDelta(t, 0.75, s.SuccessRate(), 1e-9)
	require.InDelta(t, 0.25, s.FallbackRate(), 1e-9)
	require.Zero(t, Stats{}.SuccessRate())
}
