// Package fault provides a retry/fallback executor and a circuit breaker
// protecting operations that touch shared state (state files, signal
// files, remote stores).
package fault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// ErrTimeout is returned when an operation's total time budget is exhausted
// before it succeeds.
var ErrTimeout = errors.New("operation timed out")

// RetryConfig controls backoff behavior for the executor.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Timeout      time.Duration
}

// DefaultRetryConfig returns the executor defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Base:         2.0,
		Timeout:      10 * time.Second,
	}
}

// Fallback produces a degraded result when the primary operation has
// exhausted its retries.
type Fallback func() (any, error)

// Stats tracks executor outcomes.
type Stats struct {
	Total     int64
	Successes int64
	Failures  int64
	Retried   int64
	Fallbacks int64
	Timeouts  int64
}

// SuccessRate returns the fraction of operations that succeeded, in [0, 1].
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Total)
}

// FallbackRate returns the fraction of operations served by a fallback.
func (s Stats) FallbackRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Fallbacks) / float64(s.Total)
}

// Executor runs operations with bounded retries and optional named
// fallbacks. The timeout is a total budget across all attempts, including
// backoff waits.
type Executor struct {
	cfg   RetryConfig
	clock Clock
	log   *zap.Logger

	mu        sync.Mutex
	fallbacks map[string]Fallback
	stats     Stats
}

// NewExecutor creates an Executor.
func NewExecutor(cfg RetryConfig, clock Clock, log *zap.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultRetryConfig().InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if cfg.Base <= 1 {
		cfg.Base = DefaultRetryConfig().Base
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRetryConfig().Timeout
	}
	return &Executor{
		cfg:       cfg,
		clock:     clock,
		log:       log,
		fallbacks: make(map[string]Fallback),
	}
}

// RegisterFallback installs a fallback handler for the named operation.
// A later registration under the same name replaces the earlier one.
func (e *Executor) RegisterFallback(name string, fb Fallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbacks[name] = fb
	e.log.Debug("fallback registered", zap.String("operation", name))
}

// ExecuteWithRetry runs op up to MaxAttempts times, backing off
// exponentially between attempts. Each backoff wait is capped by the
// remaining time budget; once the budget is spent the call fails with
// ErrTimeout even if attempts remain.
func (e *Executor) ExecuteWithRetry(ctx context.Context, name string, op func() (any, error)) (any, error) {
	e.bump(func(s *Stats) { s.Total++ })
	start := e.clock.Now()

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			e.bump(func(s *Stats) { s.Failures++ })
			return nil, fmt.Errorf("%s canceled: %w", name, err)
		}
		if e.clock.Now().Sub(start) >= e.cfg.Timeout {
			e.bump(func(s *Stats) { s.Timeouts++ })
			return nil, fmt.Errorf("%s: %w", name, ErrTimeout)
		}

		result, err := op()
		if err == nil {
			e.bump(func(s *Stats) {
				s.Successes++
				if attempt > 0 {
					s.Retried++
				}
			})
			return result, nil
		}
		lastErr = err
		e.log.Warn("operation attempt failed",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", e.cfg.MaxAttempts),
			zap.Error(err),
		)

		if attempt < e.cfg.MaxAttempts-1 {
			remaining := e.cfg.Timeout - e.clock.Now().Sub(start)
			if remaining <= 0 {
				e.bump(func(s *Stats) { s.Timeouts++ })
				return nil, fmt.Errorf("%s: %w", name, ErrTimeout)
			}
			delay := e.backoff(attempt)
			if delay > remaining {
				delay = remaining
			}
			if err := sleepCtx(ctx, delay); err != nil {
				e.bump(func(s *Stats) { s.Failures++ })
				return nil, fmt.Errorf("%s canceled during backoff: %w", name, err)
			}
		}
	}

	e.bump(func(s *Stats) { s.Failures++ })
	return nil, fmt.Errorf("%s failed after %d attempts: %w", name, e.cfg.MaxAttempts, lastErr)
}

// ExecuteWithFallback runs op with retries and, if every attempt failed,
// serves the registered fallback for name instead. The bool reports
// whether the fallback produced the result.
func (e *Executor) ExecuteWithFallback(ctx context.Context, name string, op func() (any, error)) (any, bool, error) {
	result, err := e.ExecuteWithRetry(ctx, name, op)
	if err == nil {
		return result, false, nil
	}

	e.mu.Lock()
	fb, ok := e.fallbacks[name]
	e.mu.Unlock()
	if !ok {
		e.log.Warn("no fallback registered", zap.String("operation", name))
		return nil, false, err
	}

	fbResult, fbErr := fb()
	if fbErr != nil {
		return nil, true, fmt.Errorf("%s fallback failed: %w", name, fbErr)
	}
	e.bump(func(s *Stats) { s.Fallbacks++ })
	e.log.Info("operation served by fallback", zap.String("operation", name), zap.Error(err))
	return fbResult, true, nil
}

// Stats returns a snapshot of executor counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ResetStats zeroes all counters.
func (e *Executor) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = Stats{}
}

func (e *Executor) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(e.cfg.InitialDelay) * math.Pow(e.cfg.Base, float64(attempt)))
	if delay > e.cfg.MaxDelay {
		delay = e.cfg.MaxDelay
	}
	return delay
}

func (e *Executor) bump(fn func(*Stats)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.stats)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
