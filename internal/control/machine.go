package control

import (
	"fmt"

	"go.uber.org/zap"
)

// transitions is the full (state, action) -> state table. Running pauses
// straight to paused and paused resumes straight to running; the
// transitional pausing/resuming/stopping states stay defined for callers
// that model non-instant side effects (finish the current batch first).
var transitions = map[State]map[Action]State{
	StateIdle: {
		ActionStart: StateStarting,
		ActionStop:  StateIdle,
	},
	StateStarting: {
		ActionStarted: StateRunning,
		ActionStop:    StateIdle,
		ActionError:   StateError,
	},
	StateRunning: {
		ActionPause: StatePaused,
		ActionStop:  StateIdle,
		ActionError: StateError,
	},
	StatePausing: {
		ActionPaused: StatePaused,
		ActionStop:   StateIdle,
		ActionError:  StateError,
	},
	StatePaused: {
		ActionResume: StateRunning,
		ActionStop:   StateIdle,
		ActionError:  StateError,
	},
	StateResuming: {
		ActionResumed: StateRunning,
		ActionStop:    StateIdle,
		ActionError:   StateError,
	},
	StateStopping: {
		ActionStopped: StateIdle,
		ActionError:   StateError,
	},
	StateError: {
		ActionReset: StateIdle,
		ActionStop:  StateIdle,
	},
}

// signalActions maps an incoming signal type to its edge label.
var signalActions = map[SignalType]Action{
	SignalStop:   ActionStop,
	SignalPause:  ActionPause,
	SignalResume: ActionResume,
	SignalStart:  ActionStart,
}

// Machine is the pure transition table. It performs no I/O and holds no
// mutable state.
type Machine struct {
	log *zap.Logger
}

// NewMachine creates a Machine.
func NewMachine(log *zap.Logger) *Machine {
	return &Machine{log: log}
}

// CanTransition reports whether signalType has a legal edge from state.
func (m *Machine) CanTransition(from State, signalType SignalType) bool {
	action, ok := signalActions[signalType]
	if !ok {
		m.log.Warn("unknown signal type", zap.String("type", string(signalType)))
		return false
	}
	_, ok = transitions[from][action]
	return ok
}

// NextState returns the target of the edge (from, signalType), if any.
func (m *Machine) NextState(from State, signalType SignalType) (State, bool) {
	action, ok := signalActions[signalType]
	if !ok {
		return "", false
	}
	next, ok := transitions[from][action]
	return next, ok
}

// Apply returns the target of the edge (from, action), if any. Used for
// direct transitions that are not signal-driven.
func (m *Machine) Apply(from State, action Action) (State, bool) {
	next, ok := transitions[from][action]
	return next, ok
}

// ValidSignals returns the signal types with a legal edge from state.
func (m *Machine) ValidSignals(state State) []SignalType {
	var out []SignalType
	for _, t := range []SignalType{SignalStop, SignalPause, SignalResume, SignalStart} {
		if m.CanTransition(state, t) {
			out = append(out, t)
		}
	}
	return out
}

// Validate asserts totality and closure of the transition table: every
// state has at least one outgoing edge and every edge target is a defined
// state. Run once at startup and fail fast.
func (m *Machine) Validate() error {
	all := []State{
		StateIdle, StateStarting, StateRunning, StatePausing,
		StatePaused, StateResuming, StateStopping, StateError,
	}
	for _, s := range all {
		edges, ok := transitions[s]
		if !ok || len(edges) == 0 {
			return fmt.Errorf("state %q has no outgoing transitions", s)
		}
		for action, target := range edges {
			if !target.Valid() {
				return fmt.Errorf("transition (%q, %q) targets unknown state %q", s, action, target)
			}
		}
	}
	for t, action := range signalActions {
		found := false
		for _, edges := range transitions {
			if _, ok := edges[action]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("signal %q maps to action %q with no edges", t, action)
		}
	}
	return nil
}
