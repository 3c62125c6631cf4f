package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forumwatch/crawlerd/internal/fault"
	"github.com/forumwatch/crawlerd/internal/metrics"
)

// snapshotSchemaVersion tags the persisted state file layout.
const snapshotSchemaVersion = "1.0"

// stateSnapshot is the on-disk wrapper around CrawlerState.
type stateSnapshot struct {
	State       CrawlerState `json:"state"`
	PersistedAt time.Time    `json:"persisted_at"`
	Version     string       `json:"version"`
}

// transitional states are skipped by the notification hook; observers
// only care about settled outcomes.
var notifySkipStates = map[State]bool{
	StateStarting: true,
	StatePausing:  true,
	StateResuming: true,
	StateStopping: true,
}

// CoordinatorConfig wires a Coordinator's collaborators.
type CoordinatorConfig struct {
	Queue             *Queue
	StateFile         string
	EnablePersistence bool
	Clock             Clock
	Logger            *zap.Logger
	Notifier          Notifier
	Executor          *fault.Executor
	// NotifyMinInterval suppresses repeat notifications for the same
	// state inside the window. Defaults to 2s.
	NotifyMinInterval time.Duration
}

// Coordinator owns the authoritative CrawlerState. It pulls signals from
// the queue, resolves priority conflicts, applies them through the state
// machine, persists atomically, and exposes checkpoint storage.
type Coordinator struct {
	queue    *Queue
	machine  *Machine
	clock    Clock
	log      *zap.Logger
	notifier Notifier
	exec     *fault.Executor

	stateFile string
	persist   bool

	notifyMinInterval time.Duration

	mu              sync.Mutex
	cur             CrawlerState
	lastNotifyState State
	lastNotifyTime  time.Time
}

type stateChange struct {
	old, new State
	metadata map[string]any
}

// NewCoordinator builds a Coordinator, validating the transition table
// and restoring persisted state if present and consistent.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	machine := NewMachine(cfg.Logger)
	if err := machine.Validate(); err != nil {
		return nil, fmt.Errorf("state machine invalid: %w", err)
	}
	if cfg.NotifyMinInterval <= 0 {
		cfg.NotifyMinInterval = 2 * time.Second
	}

	c := &Coordinator{
		queue:             cfg.Queue,
		machine:           machine,
		clock:             cfg.Clock,
		log:               cfg.Logger,
		notifier:          cfg.Notifier,
		exec:              cfg.Executor,
		stateFile:         cfg.StateFile,
		persist:           cfg.EnablePersistence && cfg.StateFile != "",
		notifyMinInterval: cfg.NotifyMinInterval,
	}

	if c.exec != nil {
		c.registerFallbackHandlers()
	}

	if restored, ok := c.restoreState(); ok {
		c.cur = restored
		c.log.Info("state restored from persistence",
			zap.String("file", c.stateFile),
			zap.String("state", string(restored.CurrentState)),
			zap.Int64("version", restored.Version),
		)
	} else {
		c.cur = c.initialState()
		c.log.Info("starting from fresh idle state")
	}
	return c, nil
}

func (c *Coordinator) initialState() CrawlerState {
	return CrawlerState{
		CurrentState:   StateIdle,
		PreviousState:  StateIdle,
		TransitionTime: c.clock.Now(),
		Metadata:       map[string]any{},
		Version:        1,
	}
}

// CheckAndProcessSignals is the single checkpoint entry point: it fetches
// pending signals, resolves the winner, applies it, and returns what the
// caller must do. It never fails the caller; degraded conditions yield a
// continue action with error metadata.
func (c *Coordinator) CheckAndProcessSignals(ctx context.Context) ControlAction {
	pending, err := c.queue.Pending(ctx)
	if err != nil {
		c.log.Error("failed to load pending signals", zap.Error(err))
		action := ContinueAction()
		action.Metadata["error"] = err.Error()
		return action
	}
	if len(pending) == 0 {
		return ContinueAction()
	}

	c.mu.Lock()
	winner := c.resolveConflictsLocked(pending)
	if winner == nil {
		c.mu.Unlock()
		return ContinueAction()
	}

	change, ok := c.executeTransitionLocked(ctx, *winner)
	c.mu.Unlock()
	if !ok {
		action := ContinueAction()
		action.Metadata["error"] = "signal processing failed"
		return action
	}

	c.ackAndSupersede(ctx, pending, *winner)
	c.fireNotify(change)
	return ActionForSignal(*winner)
}

// NextSignal resolves and acknowledges the winning pending signal without
// applying its transition. The event loop uses it because it drives the
// full transitional-state sequence itself.
func (c *Coordinator) NextSignal(ctx context.Context) (*Signal, error) {
	pending, err := c.queue.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending signals: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	winner := c.resolveConflictsLocked(pending)
	c.mu.Unlock()
	if winner == nil {
		return nil, nil
	}
	c.ackAndSupersede(ctx, pending, *winner)
	return winner, nil
}

// ackAndSupersede acknowledges the winner. A stop winner also acks every
// loser, keeping a stale pause or resume from firing at a later
// checkpoint.
func (c *Coordinator) ackAndSupersede(ctx context.Context, pending []Signal, winner Signal) {
	if err := c.queue.Ack(ctx, winner.ID); err != nil {
		c.log.Error("failed to acknowledge signal", zap.String("id", winner.ID), zap.Error(err))
	}
	if winner.Type != SignalStop {
		return
	}
	for _, sig := range pending {
		if sig.ID == winner.ID {
			continue
		}
		metrics.ObserveSignalDropped(string(sig.Type))
		if err := c.queue.Ack(ctx, sig.ID); err != nil {
			c.log.Warn("failed to drop superseded signal", zap.String("id", sig.ID), zap.Error(err))
		}
	}
}

// resolveConflictsLocked picks, among signals with a legal edge from the
// current state, the one with the lowest priority number, breaking ties
// by earliest timestamp.
func (c *Coordinator) resolveConflictsLocked(pending []Signal) *Signal {
	var valid []Signal
	for _, sig := range pending {
		if c.machine.CanTransition(c.cur.CurrentState, sig.Type) {
			valid = append(valid, sig)
		} else {
			c.log.Debug("signal has no legal transition",
				zap.String("type", string(sig.Type)),
				zap.String("state", string(c.cur.CurrentState)),
			)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	sortSignals(valid)
	if len(valid) > 1 {
		c.log.Info("signal conflict resolved", zap.String("selected", string(valid[0].Type)))
	}
	return &valid[0]
}

func (c *Coordinator) executeTransitionLocked(ctx context.Context, sig Signal) (stateChange, bool) {
	next, ok := c.machine.NextState(c.cur.CurrentState, sig.Type)
	if !ok {
		return stateChange{}, false
	}
	old := c.cur.CurrentState
	c.applyLocked(next, sig.Payload)
	c.persistLocked(ctx)
	c.log.Info("state transition",
		zap.String("from", string(old)),
		zap.String("to", string(next)),
		zap.String("signal", string(sig.Type)),
	)
	return stateChange{old: old, new: next, metadata: sig.Payload}, true
}

// applyLocked mutates the current state in place: swap previous/current,
// bump the version, derive flags, merge metadata.
func (c *Coordinator) applyLocked(next State, metadata map[string]any) {
	c.cur.PreviousState = c.cur.CurrentState
	c.cur.CurrentState = next
	c.cur.TransitionTime = c.clock.Now()
	c.cur.Version++

	switch next {
	case StateRunning:
		c.cur.IsCrawling = true
		c.cur.IsPaused = false
	case StatePaused:
		c.cur.IsCrawling = false
		c.cur.IsPaused = true
	case StateIdle:
		c.cur.IsCrawling = false
		c.cur.IsPaused = false
	}

	for k, v := range metadata {
		c.cur.Metadata[k] = v
	}
	metrics.ObserveStateTransition(string(c.cur.PreviousState), string(next))
}

// TransitionState performs a direct, non-signal transition. Used by the
// event loop and crawl loop for state changes they themselves originate.
func (c *Coordinator) TransitionState(ctx context.Context, next State, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	c.mu.Lock()
	old := c.cur.CurrentState
	c.applyLocked(next, metadata)
	c.persistLocked(ctx)
	c.mu.Unlock()

	c.log.Info("direct state transition", zap.String("from", string(old)), zap.String("to", string(next)))
	c.fireNotify(stateChange{old: old, new: next, metadata: metadata})
}

// CurrentState returns a copy of the authoritative state. With forceReload
// the state file is re-read first, required by HTTP handlers that must
// reflect another process's change within milliseconds.
func (c *Coordinator) CurrentState(forceReload bool) CrawlerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if forceReload && c.persist {
		c.reloadLocked()
	}
	return c.cur.Clone()
}

// reloadLocked refreshes the in-memory state from disk. A reader that
// sees an equal-or-lower version keeps the in-memory copy.
func (c *Coordinator) reloadLocked() {
	snap, err := c.readSnapshot()
	if err != nil {
		c.log.Debug("state reload failed", zap.Error(err))
		return
	}
	if snap == nil || snap.State.Version <= c.cur.Version {
		return
	}
	c.cur = snap.State
}

// UpdateProgress applies a mutation to the progress block and persists.
func (c *Coordinator) UpdateProgress(ctx context.Context, apply func(*Progress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	apply(&c.cur.Progress)
	c.cur.Version++
	c.persistLocked(ctx)
}

// SavePageLoop stores the page loop checkpoint for pause/crash resume.
func (c *Coordinator) SavePageLoop(ctx context.Context, cp PageLoopCheckpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp.SavedAt = c.clock.Now()
	c.cur.Progress.PageLoop = &cp
	c.cur.Version++
	c.persistLocked(ctx)
	c.log.Debug("page loop checkpoint saved",
		zap.String("section", cp.SectionName),
		zap.Int("page", cp.CurrentPage),
		zap.Int("offset", cp.CurrentOffset),
	)
}

// PageLoop returns the saved checkpoint, or nil if none exists.
func (c *Coordinator) PageLoop() *PageLoopCheckpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur.Progress.PageLoop == nil {
		return nil
	}
	cp := *c.cur.Progress.PageLoop
	cp.PagesToCrawl = append([]int(nil), cp.PagesToCrawl...)
	return &cp
}

// ClearPageLoop removes the checkpoint once its section completes.
func (c *Coordinator) ClearPageLoop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur.Progress.PageLoop == nil {
		return
	}
	c.cur.Progress.PageLoop = nil
	c.cur.Version++
	c.persistLocked(ctx)
}

// Version returns the current state version.
func (c *Coordinator) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur.Version
}

// Reset replaces the state with a fresh idle state and persists it.
func (c *Coordinator) Reset(ctx context.Context) {
	c.mu.Lock()
	c.cur = c.initialState()
	c.persistLocked(ctx)
	c.mu.Unlock()
	c.log.Info("state reset to initial")
}

// ValidSignals reports which signal types currently have a legal edge.
func (c *Coordinator) ValidSignals() []SignalType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.ValidSignals(c.cur.CurrentState)
}

// FaultStats exposes the executor counters, if an executor is wired.
func (c *Coordinator) FaultStats() fault.Stats {
	if c.exec == nil {
		return fault.Stats{}
	}
	return c.exec.Stats()
}

// persistLocked writes the state through the fault executor so a stalled
// disk degrades to serving the in-memory copy instead of blocking the
// control path.
func (c *Coordinator) persistLocked(ctx context.Context) {
	if !c.persist {
		return
	}
	snapshot := c.cur.Clone()
	op := func() (any, error) {
		return nil, c.writeSnapshot(snapshot)
	}
	if c.exec == nil {
		if _, err := op(); err != nil {
			c.log.Error("state persistence failed", zap.Error(err))
		}
		return
	}
	if _, usedFallback, err := c.exec.ExecuteWithFallback(ctx, "persist_state", op); err != nil {
		c.log.Error("state persistence failed after retries", zap.Error(err))
	} else if usedFallback {
		c.log.Warn("state persistence degraded to in-memory copy")
	}
}

// writeSnapshot serializes the wrapper and atomically replaces the state
// file, so no reader ever observes a partial write.
func (c *Coordinator) writeSnapshot(state CrawlerState) error {
	if err := os.MkdirAll(filepath.Dir(c.stateFile), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	snap := stateSnapshot{
		State:       state,
		PersistedAt: c.clock.Now(),
		Version:     snapshotSchemaVersion,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state snapshot: %w", err)
	}
	tmp := c.stateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state temp file: %w", err)
	}
	if err := os.Rename(tmp, c.stateFile); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (c *Coordinator) readSnapshot() (*stateSnapshot, error) {
	data, err := os.ReadFile(c.stateFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var snap stateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode state snapshot: %w", err)
	}
	if snap.State.CurrentState == "" {
		// Legacy flat layout without the wrapper.
		var flat CrawlerState
		if err := json.Unmarshal(data, &flat); err != nil {
			return nil, fmt.Errorf("decode legacy state: %w", err)
		}
		snap.State = flat
	}
	return &snap, nil
}

// restoreState reads and validates the persisted state. Inconsistent data
// is never trusted; the caller falls back to fresh idle. A restored state
// whose flags indicate a live crawl is an orphan of a dead process and is
// force-reset to idle, keeping progress so the next run resumes
// mid-section.
func (c *Coordinator) restoreState() (CrawlerState, bool) {
	if !c.persist {
		return CrawlerState{}, false
	}
	snap, err := c.readSnapshot()
	if err != nil {
		c.log.Error("failed to restore state", zap.Error(err))
		return CrawlerState{}, false
	}
	if snap == nil {
		return CrawlerState{}, false
	}
	state := snap.State
	if err := validateConsistency(state); err != nil {
		c.log.Warn("restored state failed consistency validation", zap.Error(err))
		return CrawlerState{}, false
	}
	if state.CurrentState.Active() {
		c.log.Warn("orphaned active state found on restore, resetting to idle",
			zap.String("state", string(state.CurrentState)),
		)
		state.PreviousState = state.CurrentState
		state.CurrentState = StateIdle
		state.TransitionTime = c.clock.Now()
		state.IsCrawling = false
		state.IsPaused = false
		state.Version++
	}
	return state, true
}

// validateConsistency checks required fields, enum membership, flag/state
// agreement, and the version floor.
func validateConsistency(s CrawlerState) error {
	if s.CurrentState == "" || s.PreviousState == "" {
		return errors.New("missing required state fields")
	}
	if !s.CurrentState.Valid() {
		return fmt.Errorf("invalid current_state %q", s.CurrentState)
	}
	if !s.PreviousState.Valid() {
		return fmt.Errorf("invalid previous_state %q", s.PreviousState)
	}
	if s.Version < 1 {
		return fmt.Errorf("invalid version %d", s.Version)
	}
	if s.CurrentState == StateRunning && !s.IsCrawling {
		return errors.New("running state with is_crawling=false")
	}
	if s.CurrentState == StatePaused && !s.IsPaused {
		return errors.New("paused state with is_paused=false")
	}
	if s.CurrentState == StateIdle && (s.IsCrawling || s.IsPaused) {
		return errors.New("idle state with active flags")
	}
	return nil
}

func (c *Coordinator) registerFallbackHandlers() {
	c.exec.RegisterFallback("persist_state", func() (any, error) {
		c.log.Warn("using memory state as persistence fallback")
		return nil, nil
	})
	c.exec.RegisterFallback("shared_state_access", func() (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.cur.Clone(), nil
	})
}

// fireNotify runs the notification hook outside the state lock. Failures
// are the notifier's problem; repeats of the same state inside the
// minimum interval and transitional states are suppressed.
func (c *Coordinator) fireNotify(change stateChange) {
	if c.notifier == nil || change.old == change.new {
		return
	}
	if notifySkipStates[change.new] {
		return
	}
	c.mu.Lock()
	now := c.clock.Now()
	if c.lastNotifyState == change.new && now.Sub(c.lastNotifyTime) < c.notifyMinInterval {
		c.mu.Unlock()
		return
	}
	c.lastNotifyState = change.new
	c.lastNotifyTime = now
	c.mu.Unlock()

	c.notifier.StateChanged(change.old, change.new, change.metadata)
}
