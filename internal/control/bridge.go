package control

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// pausedPollInterval is how often a paused crawl loop re-checks for a
// resume or stop signal.
const pausedPollInterval = 500 * time.Millisecond

// StateView is the read-only summary handed to HTTP handlers and the
// crawl loop. It deliberately omits internal metadata.
type StateView struct {
	CurrentState State    `json:"current_state"`
	IsCrawling   bool     `json:"is_crawling"`
	IsPaused     bool     `json:"is_paused"`
	Progress     Progress `json:"progress"`
	Version      int64    `json:"version"`
}

// Bridge is the narrow surface the crawl loop and the control API talk
// to. Senders push signals through it from any process; the crawl loop
// polls it at checkpoints. It never exposes the coordinator's internals.
type Bridge struct {
	coord *Coordinator
	queue *Queue
	clock Clock
	log   *zap.Logger
}

// NewBridge wires a Bridge over a coordinator and its signal queue.
func NewBridge(coord *Coordinator, queue *Queue, clock Clock, log *zap.Logger) *Bridge {
	return &Bridge{coord: coord, queue: queue, clock: clock, log: log}
}

// SendStop requests an immediate stop of the running crawl.
func (b *Bridge) SendStop(ctx context.Context, payload map[string]any) (string, error) {
	return b.queue.Send(ctx, SignalStop, payload)
}

// SendPause requests a graceful pause at the next checkpoint.
func (b *Bridge) SendPause(ctx context.Context, payload map[string]any) (string, error) {
	return b.queue.Send(ctx, SignalPause, payload)
}

// SendResume requests that a paused crawl continue.
func (b *Bridge) SendResume(ctx context.Context, payload map[string]any) (string, error) {
	return b.queue.Send(ctx, SignalResume, payload)
}

// CheckStopAndPause is the crawl loop's checkpoint call. Exactly one
// signal-processing pass happens per invocation; the returned action
// tells the loop whether to continue, pause in place, or unwind.
func (b *Bridge) CheckStopAndPause(ctx context.Context) ControlAction {
	return b.coord.CheckAndProcessSignals(ctx)
}

// WaitIfPaused blocks while the state is paused, polling for signals.
// It returns true when the crawl must stop (stop signal, idle state, or
// context cancellation) and false when it should resume.
func (b *Bridge) WaitIfPaused(ctx context.Context) bool {
	if !b.coord.CurrentState(false).IsPaused {
		return false
	}
	b.log.Info("crawl paused, waiting for resume or stop")

	ticker := time.NewTicker(pausedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("pause wait cancelled", zap.Error(ctx.Err()))
			return true
		case <-ticker.C:
			action := b.coord.CheckAndProcessSignals(ctx)
			switch action.Directive {
			case DirectiveStop:
				return true
			case DirectiveResume:
				return false
			}
			// Another process may have changed the state underneath us.
			st := b.coord.CurrentState(true)
			if !st.IsPaused {
				if st.CurrentState == StateIdle {
					return true
				}
				return false
			}
		}
	}
}

// CurrentState returns the external view of the crawl state, reloaded
// from persistence so cross-process readers see fresh data.
func (b *Bridge) CurrentState() StateView {
	st := b.coord.CurrentState(true)
	return StateView{
		CurrentState: st.CurrentState,
		IsCrawling:   st.IsCrawling,
		IsPaused:     st.IsPaused,
		Progress:     st.Progress,
		Version:      st.Version,
	}
}

// StartCrawling moves an idle coordinator into the running state. Only
// the crawl process itself calls this; remote starters send signals.
func (b *Bridge) StartCrawling(ctx context.Context, metadata map[string]any) error {
	st := b.coord.CurrentState(true)
	if st.CurrentState != StateIdle {
		return fmt.Errorf("cannot start crawl from state %q", st.CurrentState)
	}
	b.coord.TransitionState(ctx, StateStarting, metadata)
	b.coord.TransitionState(ctx, StateRunning, nil)
	return nil
}

// StopCrawling returns the coordinator to idle after the crawl loop has
// unwound and cleanup has run.
func (b *Bridge) StopCrawling(ctx context.Context, metadata map[string]any) {
	b.coord.TransitionState(ctx, StateIdle, metadata)
}

// FailCrawl moves the coordinator into the error state, recording the
// cause in metadata. An operator resets or stops from there.
func (b *Bridge) FailCrawl(ctx context.Context, cause error) {
	md := map[string]any{}
	if cause != nil {
		md["error"] = cause.Error()
	}
	b.coord.TransitionState(ctx, StateError, md)
}

// ResetToIdle wipes state and pending signals. Used by the reset endpoint
// and by operators recovering from an error state.
func (b *Bridge) ResetToIdle(ctx context.Context) error {
	b.coord.Reset(ctx)
	if err := b.queue.Clear(ctx); err != nil {
		return fmt.Errorf("clear signal queue: %w", err)
	}
	return nil
}

// PendingSignals lists unprocessed signals, highest urgency first.
func (b *Bridge) PendingSignals(ctx context.Context) ([]Signal, error) {
	return b.queue.Pending(ctx)
}

// ProcessedSignals lists the most recent acknowledged signals.
func (b *Bridge) ProcessedSignals(ctx context.Context, limit int) ([]Signal, error) {
	return b.queue.Processed(ctx, limit)
}

// SavePageLoop forwards a page loop checkpoint to the coordinator.
func (b *Bridge) SavePageLoop(ctx context.Context, cp PageLoopCheckpoint) {
	b.coord.SavePageLoop(ctx, cp)
}

// PageLoop returns the saved page loop checkpoint, if any.
func (b *Bridge) PageLoop() *PageLoopCheckpoint {
	return b.coord.PageLoop()
}

// ClearPageLoop drops the checkpoint once a section completes.
func (b *Bridge) ClearPageLoop(ctx context.Context) {
	b.coord.ClearPageLoop(ctx)
}

// UpdateProgress applies a progress mutation through the coordinator.
func (b *Bridge) UpdateProgress(ctx context.Context, apply func(*Progress)) {
	b.coord.UpdateProgress(ctx, apply)
}
