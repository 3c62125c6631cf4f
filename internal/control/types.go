package control

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is one position in the crawl lifecycle.
type State string

// Crawl lifecycle states.
const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePausing  State = "pausing"
	StatePaused   State = "paused"
	StateResuming State = "resuming"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateStarting, StateRunning, StatePausing,
		StatePaused, StateResuming, StateStopping, StateError:
		return true
	}
	return false
}

// Active reports whether s indicates a live crawl loop behind it. On
// restore, an active state with no process to back it is an orphan.
func (s State) Active() bool {
	switch s {
	case StateStarting, StateRunning, StatePausing, StateResuming, StateStopping:
		return true
	}
	return false
}

// Action is an edge label in the state machine.
type Action string

// State machine actions.
const (
	ActionStart   Action = "start"
	ActionStarted Action = "started"
	ActionStop    Action = "stop"
	ActionStopped Action = "stopped"
	ActionPause   Action = "pause"
	ActionPaused  Action = "paused"
	ActionResume  Action = "resume"
	ActionResumed Action = "resumed"
	ActionError   Action = "error"
	ActionReset   Action = "reset"
)

// SignalType identifies a control request.
type SignalType string

// Control signal types.
const (
	SignalStop   SignalType = "stop"
	SignalPause  SignalType = "pause"
	SignalResume SignalType = "resume"
	SignalStart  SignalType = "start"
)

// Signal priorities. Lower wins: a pending stop always beats a pending
// pause or resume at the same checkpoint.
const (
	PriorityStop    = 1
	PriorityPause   = 2
	PriorityResume  = 3
	priorityUnknown = 999
)

// PriorityFor returns the fixed priority for a signal type.
func PriorityFor(t SignalType) int {
	switch t {
	case SignalStop:
		return PriorityStop
	case SignalPause:
		return PriorityPause
	case SignalResume:
		return PriorityResume
	default:
		return priorityUnknown
	}
}

// Signal is one control request in the mailbox. Signals are immutable
// once created; Processed and Acknowledged are set exactly once on ack.
type Signal struct {
	ID           string         `json:"id"`
	Type         SignalType     `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload"`
	Priority     int            `json:"priority"`
	Processed    bool           `json:"processed"`
	Acknowledged bool           `json:"acknowledged"`
}

// PageLoopCheckpoint captures where the page loop stood inside a section
// so a pause or crash resumes mid-section instead of restarting it.
type PageLoopCheckpoint struct {
	SectionName   string    `json:"section_name"`
	CurrentPage   int       `json:"current_page"`
	ProgressIdx   int       `json:"progress_idx"`
	PagesToCrawl  []int     `json:"pages_to_crawl"`
	CurrentOffset int       `json:"current_offset"`
	SavedAt       time.Time `json:"saved_at"`
}

// Progress holds crawl counters plus the optional page loop checkpoint.
type Progress struct {
	CurrentSection string              `json:"current_section,omitempty"`
	PagesCrawled   int                 `json:"pages_crawled,omitempty"`
	RecordsSaved   int                 `json:"records_saved,omitempty"`
	RecordsSkipped int                 `json:"records_skipped,omitempty"`
	RecordsFailed  int                 `json:"records_failed,omitempty"`
	PageLoop       *PageLoopCheckpoint `json:"page_loop_state,omitempty"`
}

// CrawlerState is the authoritative control-plane state. Version is a
// monotonic counter bumped on every mutation and is the sole basis for
// staleness detection across processes.
type CrawlerState struct {
	CurrentState   State          `json:"current_state"`
	PreviousState  State          `json:"previous_state"`
	TransitionTime time.Time      `json:"transition_time"`
	Metadata       map[string]any `json:"metadata"`
	Version        int64          `json:"version"`
	IsCrawling     bool           `json:"is_crawling"`
	IsPaused       bool           `json:"is_paused"`
	Progress       Progress       `json:"progress"`
}

// UnmarshalJSON accepts the legacy "state" key as an alias for
// "current_state" and tolerates a missing transition time.
func (c *CrawlerState) UnmarshalJSON(data []byte) error {
	type alias CrawlerState
	aux := struct {
		*alias
		LegacyState    *State  `json:"state"`
		TransitionTime *string `json:"transition_time"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("decode crawler state: %w", err)
	}
	if c.CurrentState == "" && aux.LegacyState != nil {
		c.CurrentState = *aux.LegacyState
	}
	if aux.TransitionTime != nil {
		ts, err := time.Parse(time.RFC3339Nano, *aux.TransitionTime)
		if err != nil {
			ts, err = time.Parse(time.RFC3339, *aux.TransitionTime)
		}
		if err == nil {
			c.TransitionTime = ts
		}
	}
	if c.TransitionTime.IsZero() {
		c.TransitionTime = time.Now().UTC()
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate coordinator state.
func (c CrawlerState) Clone() CrawlerState {
	cp := c
	cp.Metadata = make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		cp.Metadata[k] = v
	}
	if c.Progress.PageLoop != nil {
		pl := *c.Progress.PageLoop
		pl.PagesToCrawl = append([]int(nil), c.Progress.PageLoop.PagesToCrawl...)
		cp.Progress.PageLoop = &pl
	}
	return cp
}

// Directive is what the caller of a signal check must do next.
type Directive string

// Directives.
const (
	DirectiveContinue Directive = "continue"
	DirectivePause    Directive = "pause"
	DirectiveStop     Directive = "stop"
	DirectiveResume   Directive = "resume"
)

// ControlAction is the result of one checkpoint signal check. It never
// holds state itself.
type ControlAction struct {
	Directive       Directive
	Immediate       bool
	CleanupRequired bool
	Metadata        map[string]any
}

// ContinueAction is the no-op result when nothing is pending.
func ContinueAction() ControlAction {
	return ControlAction{Directive: DirectiveContinue, Metadata: map[string]any{}}
}

// ActionForSignal maps a processed signal to the action its sender
// expects. Stop is the only immediate action requiring cleanup; pause
// lets the in-flight batch finish first.
func ActionForSignal(sig Signal) ControlAction {
	switch sig.Type {
	case SignalStop:
		return ControlAction{Directive: DirectiveStop, Immediate: true, CleanupRequired: true, Metadata: sig.Payload}
	case SignalPause:
		return ControlAction{Directive: DirectivePause, Immediate: false, CleanupRequired: false, Metadata: sig.Payload}
	case SignalResume:
		return ControlAction{Directive: DirectiveResume, Immediate: true, CleanupRequired: false, Metadata: sig.Payload}
	default:
		return ControlAction{Directive: DirectiveContinue, Metadata: sig.Payload}
	}
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints signal identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Notifier receives best-effort state change notifications. Failures are
// swallowed by the coordinator.
type Notifier interface {
	StateChanged(old, new State, metadata map[string]any)
}
