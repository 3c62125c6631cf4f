package fault

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewBreaker("fetch", 3, time.Minute, clk, zap.NewNop())
	require.Equal(t, BreakerClosed, b.State())

	boom := errors.New("fetch failed")
	for range 3 {
		require.ErrorIs(t, b.Do(func() error { return boom }), boom)
	}
	require.Equal(t, BreakerOpen, b.State())
	require.ErrorIs(t, b.Do(func() error { return nil }), ErrBreakerOpen)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewBreaker("fetch", 1, time.Minute, clk, zap.NewNop())
	require.Error(t, b.Do(func() error { return errors.New("bad") }))
	require.Equal(t, BreakerOpen, b.State())

	clk.Advance(time.Minute)
	require.True(t, b.Allow())
	require.Equal(t, BreakerHalfOpen, b.State())

	require.NoError(t, b.Do(func() error { return nil }))
	require.Equal(t, BreakerClosed, b.State())
	require.Zero(t, b.Failures())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewBreaker("fetch", 1, time.Minute, clk, zap.NewNop())
	require.Error(t, b.Do(func() error { return errors.New("bad") }))

	clk.Advance(time.Minute)
	require.Error(t, b.Do(func() error { return errors.New("still bad") }))
	require.Equal(t, BreakerOpen, b.State())

	// Window restarts from the failed probe.
	require.False(t, b.Allow())
	clk.Advance(time.Minute)
	require.True(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker("fetch", 3, time.Minute, newFakeClock(), zap.NewNop())
	require.Error(t, b.Do(func() error { return errors.New("one") }))
	require.Error(t, b.Do(func() error { return errors.New("two") }))
	require.NoError(t, b.Do(func() error { return nil }))
	require.Zero(t, b.Failures())
	require.Equal(t, BreakerClosed, b.State())
}
