package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forumwatch/crawlerd/internal/cleanup"
	"github.com/forumwatch/crawlerd/internal/metrics"
)

const (
	defaultCheckInterval = 500 * time.Millisecond
	defaultBatchSize     = 10

	// maxResponseSamples bounds the response-time window so a long crawl
	// does not grow stats without limit.
	maxResponseSamples = 100
)

// HandlerFunc is a caller-supplied hook run while a signal's transitional
// state is held. A non-nil error moves the coordinator to the error state.
type HandlerFunc func(ctx context.Context) error

// EventLoopStats summarizes signal check activity.
type EventLoopStats struct {
	Checks           int64
	SignalsProcessed int64
	MinResponse      time.Duration
	AvgResponse      time.Duration
	MaxResponse      time.Duration
}

// EventLoopConfig wires an EventLoop's collaborators.
type EventLoopConfig struct {
	Coordinator *Coordinator
	Cleanup     *cleanup.Manager
	Clock       Clock
	Logger      *zap.Logger
	// CheckInterval is the minimum time between signal checks.
	// Defaults to 500ms.
	CheckInterval time.Duration
	// BatchSize forces a check after this many processed items even if
	// the interval has not elapsed. Defaults to 10.
	BatchSize int
}

// EventLoop embeds signal handling in the crawl loop. The loop calls
// ShouldCheck (or ShouldCheckBatch) between items, then
// CheckAndProcessSignals when a gate opens. Unlike the bridge hot path,
// the event loop walks the full transitional-state sequence, running
// cleanup while the intermediate state is visible to observers.
type EventLoop struct {
	coord   *Coordinator
	cleanup *cleanup.Manager
	clock   Clock
	log     *zap.Logger

	checkInterval time.Duration
	batchSize     int

	mu            sync.Mutex
	lastCheck     time.Time
	handlers      map[SignalType][]HandlerFunc
	responseTimes []time.Duration
	checks        int64
	processed     int64
}

// NewEventLoop builds an EventLoop, applying gate defaults.
func NewEventLoop(cfg EventLoopConfig) *EventLoop {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &EventLoop{
		coord:         cfg.Coordinator,
		cleanup:       cfg.Cleanup,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		checkInterval: cfg.CheckInterval,
		batchSize:     cfg.BatchSize,
		handlers:      make(map[SignalType][]HandlerFunc),
	}
}

// RegisterHandler adds a hook invoked during the transitional state of
// the given signal type. Handlers run in registration order.
func (e *EventLoop) RegisterHandler(t SignalType, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = append(e.handlers[t], fn)
}

// ShouldCheck reports whether the check interval has elapsed.
func (e *EventLoop) ShouldCheck() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock.Now().Sub(e.lastCheck) >= e.checkInterval
}

// ShouldCheckBatch reports whether enough items have been processed since
// the last check to force one regardless of elapsed time.
func (e *EventLoop) ShouldCheckBatch(itemsSinceCheck int) bool {
	return itemsSinceCheck >= e.batchSize
}

// CheckAndProcessSignals performs one gated signal check: it pulls the
// winning signal, runs the matching handler sequence, and reports what
// the crawl loop should do next. Handler failures put the coordinator
// into the error state; the caller is told to stop.
func (e *EventLoop) CheckAndProcessSignals(ctx context.Context) ControlAction {
	start := e.clock.Now()
	e.mu.Lock()
	e.lastCheck = start
	e.checks++
	e.mu.Unlock()

	defer func() {
		elapsed := e.clock.Now().Sub(start)
		metrics.ObserveSignalCheck(elapsed)
		e.recordResponse(elapsed)
	}()

	sig, err := e.coord.NextSignal(ctx)
	if err != nil {
		e.log.Error("signal check failed", zap.Error(err))
		action := ContinueAction()
		action.Metadata["error"] = err.Error()
		return action
	}
	if sig == nil {
		return ContinueAction()
	}

	e.mu.Lock()
	e.processed++
	e.mu.Unlock()

	if err := e.Execute(ctx, *sig); err != nil {
		e.log.Error("signal handler failed",
			zap.String("type", string(sig.Type)),
			zap.Error(err),
		)
		e.coord.TransitionState(ctx, StateError, map[string]any{"error": err.Error()})
		return ControlAction{Directive: DirectiveStop, Immediate: true, CleanupRequired: true, Metadata: map[string]any{"error": err.Error()}}
	}
	return ActionForSignal(*sig)
}

// Execute dispatches a signal to its handler sequence.
func (e *EventLoop) Execute(ctx context.Context, sig Signal) error {
	switch sig.Type {
	case SignalStop:
		return e.HandleStop(ctx, sig.Payload)
	case SignalPause:
		return e.HandlePause(ctx, sig.Payload)
	case SignalResume:
		return e.HandleResume(ctx, sig.Payload)
	case SignalStart:
		return e.HandleStart(ctx, sig.Payload)
	default:
		return fmt.Errorf("no handler for signal type %q", sig.Type)
	}
}

// HandleStop walks stopping -> cleanup of everything -> idle. Cleanup is
// forced: individual failures are logged and the stop still completes.
func (e *EventLoop) HandleStop(ctx context.Context, metadata map[string]any) error {
	e.coord.TransitionState(ctx, StateStopping, metadata)
	if err := e.runHandlers(ctx, SignalStop); err != nil {
		return err
	}
	if e.cleanup != nil {
		res := e.cleanup.CleanupAll(true, false)
		if res.Failed > 0 {
			e.log.Warn("forced cleanup completed with failures",
				zap.Int("failed", res.Failed),
				zap.Int("succeeded", res.Succeeded),
			)
		}
	}
	e.coord.TransitionState(ctx, StateIdle, nil)
	return nil
}

// HandlePause walks pausing -> cleanup of non-critical resources ->
// paused. Critical resources stay alive so the crawl can resume.
func (e *EventLoop) HandlePause(ctx context.Context, metadata map[string]any) error {
	e.coord.TransitionState(ctx, StatePausing, metadata)
	if err := e.runHandlers(ctx, SignalPause); err != nil {
		return err
	}
	if e.cleanup != nil {
		n := e.cleanup.CleanupNonCritical()
		e.log.Debug("released non-critical resources for pause", zap.Int("count", n))
	}
	e.coord.TransitionState(ctx, StatePaused, nil)
	return nil
}

// HandleResume walks resuming -> running.
func (e *EventLoop) HandleResume(ctx context.Context, metadata map[string]any) error {
	e.coord.TransitionState(ctx, StateResuming, metadata)
	if err := e.runHandlers(ctx, SignalResume); err != nil {
		return err
	}
	e.coord.TransitionState(ctx, StateRunning, nil)
	return nil
}

// HandleStart walks starting -> running.
func (e *EventLoop) HandleStart(ctx context.Context, metadata map[string]any) error {
	e.coord.TransitionState(ctx, StateStarting, metadata)
	if err := e.runHandlers(ctx, SignalStart); err != nil {
		return err
	}
	e.coord.TransitionState(ctx, StateRunning, nil)
	return nil
}

func (e *EventLoop) runHandlers(ctx context.Context, t SignalType) error {
	e.mu.Lock()
	hooks := append([]HandlerFunc(nil), e.handlers[t]...)
	e.mu.Unlock()
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s handler: %w", t, err)
		}
	}
	return nil
}

func (e *EventLoop) recordResponse(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responseTimes = append(e.responseTimes, d)
	if len(e.responseTimes) > maxResponseSamples {
		e.responseTimes = e.responseTimes[len(e.responseTimes)-maxResponseSamples:]
	}
}

// Stats returns check counters and response-time aggregates over the
// bounded sample window.
func (e *EventLoop) Stats() EventLoopStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := EventLoopStats{Checks: e.checks, SignalsProcessed: e.processed}
	if len(e.responseTimes) == 0 {
		return stats
	}
	var total time.Duration
	stats.MinResponse = e.responseTimes[0]
	for _, d := range e.responseTimes {
		total += d
		if d < stats.MinResponse {
			stats.MinResponse = d
		}
		if d > stats.MaxResponse {
			stats.MaxResponse = d
		}
	}
	stats.AvgResponse = total / time.Duration(len(e.responseTimes))
	return stats
}
