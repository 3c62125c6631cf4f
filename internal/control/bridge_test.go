package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newBridgeHarness(t *testing.T) (*Bridge, *coordHarness) {
	t.Helper()
	h := newCoordHarness(t, true)
	return NewBridge(h.coord, h.queue, h.clock, zap.NewNop()), h
}

func TestBridgeStartAndStopCrawling(t *testing.T) {
	t.Parallel()

	b, _ := newBridgeHarness(t)
	ctx := context.Background()

	require.NoError(t, b.StartCrawling(ctx, map[string]any{"trigger": "manual"}))
	view := b.CurrentState()
	require.Equal(t, StateRunning, view.CurrentState)
	require.True(t, view.IsCrawling)

	require.Error(t, b.StartCrawling(ctx, nil), "starting twice must be rejected")

	b.StopCrawling(ctx, nil)
	view = b.CurrentState()
	require.Equal(t, StateIdle, view.CurrentState)
	require.False(t, view.IsCrawling)
}

func TestBridgeCheckStopAndPause(t *testing.T) {
	t.Parallel()

	b, h := newBridgeHarness(t)
	ctx := context.Background()
	require.NoError(t, b.StartCrawling(ctx, nil))

	require.Equal(t, DirectiveContinue, b.CheckStopAndPause(ctx).Directive)

	_, err := b.SendPause(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, DirectivePause, b.CheckStopAndPause(ctx).Directive)
	require.Equal(t, StatePaused, h.coord.CurrentState(false).CurrentState)
}

func TestBridgeWaitIfPausedReturnsImmediatelyWhenNotPaused(t *testing.T) {
	t.Parallel()

	b, _ := newBridgeHarness(t)
	require.False(t, b.WaitIfPaused(context.Background()))
}

func TestBridgeWaitIfPausedResumes(t *testing.T) {
	t.Parallel()

	b, _ := newBridgeHarness(t)
	ctx := context.Background()
	require.NoError(t, b.StartCrawling(ctx, nil))
	_, err := b.SendPause(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, DirectivePause, b.CheckStopAndPause(ctx).Directive)

	_, err = b.SendResume(ctx, nil)
	require.NoError(t, err)

	stop := b.WaitIfPaused(ctx)
	require.False(t, stop)
	require.Equal(t, StateRunning, b.CurrentState().CurrentState)
}

func TestBridgeWaitIfPausedStops(t *testing.T) {
	t.Parallel()

	b, _ := newBridgeHarness(t)
	ctx := context.Background()
	require.NoError(t, b.StartCrawling(ctx, nil))
	_, err := b.SendPause(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, DirectivePause, b.CheckStopAndPause(ctx).Directive)

	_, err = b.SendStop(ctx, nil)
	require.NoError(t, err)

	stop := b.WaitIfPaused(ctx)
	require.True(t, stop)
	require.Equal(t, StateIdle, b.CurrentState().CurrentState)
}

func TestBridgeWaitIfPausedHonorsContext(t *testing.T) {
	t.Parallel()

	b, h := newBridgeHarness(t)
	h.coord.TransitionState(context.Background(), StatePaused, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.True(t, b.WaitIfPaused(ctx), "cancellation during pause must unwind the crawl")
}

func TestBridgeWaitIfPausedDetectsExternalStateChange(t *testing.T) {
	t.Parallel()

	b, h := newBridgeHarness(t)
	ctx := context.Background()
	h.coord.TransitionState(ctx, StatePaused, nil)

	// Another process resumes by writing the state file directly.
	other, err := NewCoordinator(CoordinatorConfig{
		Queue:             h.queue,
		StateFile:         h.file,
		EnablePersistence: true,
		Clock:             h.clock,
		Logger:            zap.NewNop(),
	})
	require.NoError(t, err)
	other.TransitionState(ctx, StateRunning, nil)

	require.False(t, b.WaitIfPaused(ctx))
}

func TestBridgeResetToIdle(t *testing.T) {
	t.Parallel()

	b, _ := newBridgeHarness(t)
	ctx := context.Background()
	require.NoError(t, b.StartCrawling(ctx, nil))
	_, err := b.SendPause(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, b.ResetToIdle(ctx))

	view := b.CurrentState()
	require.Equal(t, StateIdle, view.CurrentState)
	pending, err := b.PendingSignals(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestBridgeProgressAndCheckpointPassThrough(t *testing.T) {
	t.Parallel()

	b, _ := newBridgeHarness(t)
	ctx := context.Background()

	b.UpdateProgress(ctx, func(p *Progress) {
		p.CurrentSection = "autos"
		p.RecordsSaved = 12
	})
	b.SavePageLoop(ctx, PageLoopCheckpoint{SectionName: "autos", CurrentPage: 4})

	view := b.CurrentState()
	require.Equal(t, "autos", view.Progress.CurrentSection)
	require.Equal(t, 12, view.Progress.RecordsSaved)
	require.NotNil(t, b.PageLoop())

	b.ClearPageLoop(ctx)
	require.Nil(t, b.PageLoop())
}
