package crawler

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// TimerPauser sleeps with a cancelable timer.
type TimerPauser struct{}

// Pause blocks for delay or until ctx is done.
func (p *TimerPauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// RatePauser paces fetches with a token bucket instead of a fixed sleep,
// so a slow fetch already counts toward the politeness budget.
type RatePauser struct {
	limiter *rate.Limiter
}

// NewRatePauser builds a RatePauser allowing rps requests per second.
// Non-positive rps means unlimited.
func NewRatePauser(rps float64) *RatePauser {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RatePauser{limiter: rate.NewLimiter(limit, 1)}
}

// Pause waits for the next token. The delay argument is ignored; pacing
// comes from the configured rate. Context cancellation aborts the wait.
func (p *RatePauser) Pause(ctx context.Context, _ time.Duration) {
	_ = p.limiter.Wait(ctx)
}
