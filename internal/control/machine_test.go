package control

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMachineValidate(t *testing.T) {
	t.Parallel()

	m := NewMachine(zap.NewNop())
	require.NoError(t, m.Validate())
}

func TestMachineTableRoundTrips(t *testing.T) {
	t.Parallel()

	m := NewMachine(zap.NewNop())
	for from, edges := range transitions {
		for action, want := range edges {
			got, ok := m.Apply(from, action)
			require.True(t, ok, "edge (%s, %s) must resolve", from, action)
			require.Equal(t, want, got)
		}
	}
}

func TestMachineSignalEdges(t *testing.T) {
	t.Parallel()

	m := NewMachine(zap.NewNop())

	cases := []struct {
		from State
		sig  SignalType
		want State
		ok   bool
	}{
		{StateIdle, SignalStart, StateStarting, true},
		{StateIdle, SignalStop, StateIdle, true},
		{StateIdle, SignalPause, "", false},
		{StateIdle, SignalResume, "", false},
		{StateRunning, SignalPause, StatePaused, true},
		{StateRunning, SignalStop, StateIdle, true},
		{StateRunning, SignalResume, "", false},
		{StatePaused, SignalResume, StateRunning, true},
		{StatePaused, SignalStop, StateIdle, true},
		{StatePaused, SignalPause, "", false},
		{StateStarting, SignalStop, StateIdle, true},
		{StateError, SignalStop, StateIdle, true},
	}
	for _, tc := range cases {
		next, ok := m.NextState(tc.from, tc.sig)
		require.Equal(t, tc.ok, ok, "(%s, %s)", tc.from, tc.sig)
		require.Equal(t, tc.ok, m.CanTransition(tc.from, tc.sig), "(%s, %s)", tc.from, tc.sig)
		if tc.ok {
			require.Equal(t, tc.want, next, "(%s, %s)", tc.from, tc.sig)
		}
	}
}

func TestMachineHotPathSkipsTransitionalStates(t *testing.T) {
	t.Parallel()

	m := NewMachine(zap.NewNop())

	next, ok := m.NextState(StateRunning, SignalPause)
	require.True(t, ok)
	require.Equal(t, StatePaused, next, "pause must not route through pausing")

	next, ok = m.NextState(StatePaused, SignalResume)
	require.True(t, ok)
	require.Equal(t, StateRunning, next, "resume must not route through resuming")
}

func TestMachineRejectsUnknownSignal(t *testing.T) {
	t.Parallel()

	m := NewMachine(zap.NewNop())
	require.False(t, m.CanTransition(StateRunning, SignalType("reboot")))
	_, ok := m.NextState(StateRunning, SignalType("reboot"))
	require.False(t, ok)
}

func TestMachineValidSignals(t *testing.T) {
	t.Parallel()

	m := NewMachine(zap.NewNop())
	require.ElementsMatch(t, []SignalType{SignalStop, SignalStart}, m.ValidSignals(StateIdle))
	require.ElementsMatch(t, []SignalType{SignalStop, SignalPause}, m.ValidSignals(StateRunning))
	require.ElementsMatch(t, []SignalType{SignalStop, SignalResume}, m.ValidSignals(StatePaused))
	require.ElementsMatch(t, []SignalType{SignalStop}, m.ValidSignals(StateError))
	require.Empty(t, m.ValidSignals(StateStopping), "stopping only exits via stopped/error actions")
}
