package fault

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBreakerOpen is returned by Do while the breaker is refusing calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the current breaker position.
type BreakerState string

// Breaker states.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker stops repeated attempts at an operation that keeps failing the
// same way. After Threshold consecutive failures it opens and refuses
// calls; once ResetAfter has elapsed it lets a single probe through and
// closes again on success.
type Breaker struct {
	name       string
	threshold  int
	resetAfter time.Duration
	clock      Clock
	log        *zap.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed Breaker.
func NewBreaker(name string, threshold int, resetAfter time.Duration, clock Clock, log *zap.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetAfter <= 0 {
		resetAfter = 30 * time.Second
	}
	return &Breaker{
		name:       name,
		threshold:  threshold,
		resetAfter: resetAfter,
		clock:      clock,
		log:        log,
		state:      BreakerClosed,
	}
}

// Allow reports whether a call may proceed, transitioning open to
// half-open when the reset window has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.resetAfter {
			b.state = BreakerHalfOpen
			b.log.Info("circuit breaker half-open", zap.String("breaker", b.name))
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		b.log.Info("circuit breaker closed", zap.String("breaker", b.name))
	}
	b.state = BreakerClosed
	b.failures = 0
}

// RecordFailure counts a failure, opening the breaker at the threshold.
// A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		if b.state != BreakerOpen {
			b.log.Warn("circuit breaker opened",
				zap.String("breaker", b.name),
				zap.Int("failures", b.failures),
			)
		}
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
	}
}

// Do runs op through the breaker, recording the outcome.
func (b *Breaker) Do(op func() error) error {
	if !b.Allow() {
		return ErrBreakerOpen
	}
	if err := op(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current breaker position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
