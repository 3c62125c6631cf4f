package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forumwatch/crawlerd/internal/control"
	"github.com/forumwatch/crawlerd/internal/crawler"
	"github.com/forumwatch/crawlerd/internal/fault"
	"github.com/forumwatch/crawlerd/internal/hash/sha256"
	"github.com/forumwatch/crawlerd/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("rec-%04d", g.n), nil
}

type noopPauser struct{}

func (noopPauser) Pause(context.Context, time.Duration) {}

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	err    error
	calls  []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	if f.err != nil {
		return crawler.FetchResponse{}, f.err
	}
	body, ok := f.bodies[req.URL]
	if !ok {
		body = []byte("<html><body></body></html>")
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: body}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func threadRow(title string, replies int) string {
	return fmt.Sprintf(`<div class="thread-row">
<a class="thread-title" href="/threads/%s">%s</a>
<span class="thread-author">user</span>
<span class="thread-replies">%d</span>
</div>`, title, title, replies)
}

func pageBody(rows ...string) []byte {
	body := "<html><body>"
	for _, r := range rows {
		body += r
	}
	return []byte(body + "</body></html>")
}

type harness struct {
	worker  *Worker
	bridge  *control.Bridge
	coord   *control.Coordinator
	queue   *control.Queue
	fetcher *fakeFetcher
	store   *memory.RecordStore
	clock   *fakeClock
}

func newHarness(t *testing.T, cfg Config, fetcher *fakeFetcher) *harness {
	t.Helper()
	clock := newFakeClock()
	queue := control.NewQueue(control.NewMemoryMailbox(), &fakeIDGen{}, clock, zap.NewNop())
	coord, err := control.NewCoordinator(control.CoordinatorConfig{
		Queue:             queue,
		StateFile:         filepath.Join(t.TempDir(), "crawler_state.json"),
		EnablePersistence: true,
		Clock:             clock,
		Logger:            zap.NewNop(),
	})
	require.NoError(t, err)

	bridge := control.NewBridge(coord, queue, clock, zap.NewNop())
	loop := control.NewEventLoop(control.EventLoopConfig{
		Coordinator:   coord,
		Clock:         clock,
		Logger:        zap.NewNop(),
		CheckInterval: time.Nanosecond,
	})
	store := memory.NewRecordStore()
	breaker := fault.NewBreaker("fetch", 2, time.Minute, clock, zap.NewNop())

	w := New(bridge, loop, fetcher, crawler.NewHTMLParser(), store,
		sha256.New(), &fakeIDGen{}, clock, noopPauser{}, breaker, cfg, zap.NewNop())
	return &harness{worker: w, bridge: bridge, coord: coord, queue: queue, fetcher: fetcher, store: store, clock: clock}
}

func twoSections() []crawler.Section {
	return []crawler.Section{
		{Name: "networking", BaseURL: "https://forum.example.com/f/networking", MaxPages: 2},
		{Name: "hardware", BaseURL: "https://forum.example.com/f/hardware", MaxPages: 2},
	}
}

func fetcherFor(t *testing.T, sections []crawler.Section) *fakeFetcher {
	t.Helper()
	bodies := make(map[string][]byte)
	for _, s := range sections {
		for p := 1; p <= s.MaxPages; p++ {
			u, err := crawler.PageURL(s, p)
			require.NoError(t, err)
			bodies[u] = pageBody(threadRow(fmt.Sprintf("%s-thread-%d", s.Name, p), p))
		}
	}
	return &fakeFetcher{bodies: bodies}
}

func TestWorkerCrawlsAllSections(t *testing.T) {
	t.Parallel()

	sections := twoSections()
	h := newHarness(t, Config{Sections: sections}, fetcherFor(t, sections))

	require.NoError(t, h.worker.Run(context.Background()))

	view := h.bridge.CurrentState()
	require.Equal(t, control.StateIdle, view.CurrentState)
	require.Equal(t, 4, view.Progress.PagesCrawled)
	require.Equal(t, 4, view.Progress.RecordsSaved)
	require.Equal(t, 4, h.store.Len())
	require.Nil(t, h.bridge.PageLoop(), "completed crawl leaves no checkpoint")
}

func TestWorkerSkipsUnchangedThreads(t *testing.T) {
	t.Parallel()

	section := crawler.Section{Name: "networking", BaseURL: "https://forum.example.com/f/networking", MaxPages: 2}
	// The same sticky thread tops both pages.
	sticky := threadRow("pinned-rules", 3)
	bodies := make(map[string][]byte)
	for p := 1; p <= 2; p++ {
		u, err := crawler.PageURL(section, p)
		require.NoError(t, err)
		bodies[u] = pageBody(sticky, threadRow(fmt.Sprintf("fresh-%d", p), p))
	}
	h := newHarness(t, Config{Sections: []crawler.Section{section}}, &fakeFetcher{bodies: bodies})

	require.NoError(t, h.worker.Run(context.Background()))

	view := h.bridge.CurrentState()
	require.Equal(t, 3, view.Progress.RecordsSaved, "sticky thread saved once")
	require.Equal(t, 1, view.Progress.RecordsSkipped)
	require.Equal(t, 3, h.store.Len())
}

func TestWorkerStopsBeforeFirstFetch(t *testing.T) {
	t.Parallel()

	sections := twoSections()
	h := newHarness(t, Config{Sections: sections}, fetcherFor(t, sections))
	ctx := context.Background()

	_, err := h.queue.Send(ctx, control.SignalStop, nil)
	require.NoError(t, err)

	require.NoError(t, h.worker.Run(ctx))

	require.Equal(t, control.StateIdle, h.bridge.CurrentState().CurrentState)
	require.Zero(t, h.fetcher.callCount(), "stop at the first checkpoint fetches nothing")
	require.NotNil(t, h.bridge.PageLoop(), "stopped crawl keeps its checkpoint")
}

func TestWorkerPausesThenResumesToCompletion(t *testing.T) {
	t.Parallel()

	sections := twoSections()
	h := newHarness(t, Config{Sections: sections}, fetcherFor(t, sections))
	ctx := context.Background()

	// Both signals are queued up front. Pause wins at the first
	// checkpoint; resume has no edge from running, stays pending, and is
	// picked up during the pause wait.
	_, err := h.queue.Send(ctx, control.SignalPause, nil)
	require.NoError(t, err)
	_, err = h.queue.Send(ctx, control.SignalResume, nil)
	require.NoError(t, err)

	require.NoError(t, h.worker.Run(ctx))

	view := h.bridge.CurrentState()
	require.Equal(t, control.StateIdle, view.CurrentState)
	require.Equal(t, 4, view.Progress.PagesCrawled)
}

func TestWorkerBreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	section := crawler.Section{Name: "networking", BaseURL: "https://forum.example.com/f/networking", MaxPages: 5}
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	h := newHarness(t, Config{Sections: []crawler.Section{section}}, fetcher)

	err := h.worker.Run(context.Background())
	require.ErrorIs(t, err, fault.ErrBreakerOpen)

	view := h.bridge.CurrentState()
	require.Equal(t, control.StateError, view.CurrentState)
	require.Equal(t, 2, fetcher.callCount(), "breaker opens after the failure threshold")
	require.Equal(t, 2, view.Progress.RecordsFailed)
}

func TestWorkerResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	sections := twoSections()
	h := newHarness(t, Config{Sections: sections}, fetcherFor(t, sections))
	ctx := context.Background()

	h.bridge.SavePageLoop(ctx, control.PageLoopCheckpoint{
		SectionName:  "hardware",
		CurrentPage:  2,
		ProgressIdx:  1,
		PagesToCrawl: []int{1, 2},
	})

	require.NoError(t, h.worker.Run(ctx))

	view := h.bridge.CurrentState()
	require.Equal(t, control.StateIdle, view.CurrentState)
	require.Equal(t, 1, view.Progress.PagesCrawled, "only hardware page 2 remains")
	require.Equal(t, 1, h.fetcher.callCount())

	u, err := crawler.PageURL(sections[1], 2)
	require.NoError(t, err)
	require.Equal(t, []string{u}, h.fetcher.calls)
}

func TestWorkerRejectsStartFromNonIdle(t *testing.T) {
	t.Parallel()

	sections := twoSections()
	h := newHarness(t, Config{Sections: sections}, fetcherFor(t, sections))
	ctx := context.Background()
	h.coord.TransitionState(ctx, control.StateRunning, nil)

	require.Error(t, h.worker.Run(ctx))
}
