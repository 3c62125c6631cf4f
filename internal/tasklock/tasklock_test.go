package tasklock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fixedClock) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	clock := newFixedClock()
	m, err := NewManager(cfg, clock, zap.NewNop())
	require.NoError(t, err)
	return m, clock
}

func TestTryAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{})

	ok, err := m.TryAcquire("daily_crawl")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.TryAcquire("daily_crawl")
	require.NoError(t, err)
	require.False(t, ok, "held lock must not be acquired twice")

	require.NoError(t, m.Release("daily_crawl"))

	ok, err = m.TryAcquire("daily_crawl")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockFileContents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, clock := newTestManager(t, Config{Dir: dir})

	ok, err := m.TryAcquire("daily_crawl")
	require.NoError(t, err)
	require.True(t, ok)

	data, err := os.ReadFile(filepath.Join(dir, "task_lock_daily_crawl.lock"))
	require.NoError(t, err)

	var info lockInfo
	require.NoError(t, json.Unmarshal(data, &info))
	require.Equal(t, "daily_crawl", info.TaskID)
	require.Equal(t, os.Getpid(), info.PID)
	require.Equal(t, clock.Now().Unix(), info.AcquiredAt)
	require.Equal(t, clock.Now().Format(time.RFC3339), info.AcquiredTime)
}

func TestStaleLockEvicted(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, Config{LockTimeout: time.Hour})

	ok, err := m.TryAcquire("daily_crawl")
	require.NoError(t, err)
	require.True(t, ok)

	// The holder died; two hours later another process takes over.
	clock.Advance(2 * time.Hour)
	ok, err = m.TryAcquire("daily_crawl")
	require.NoError(t, err)
	require.True(t, ok, "lock past the timeout must be evicted")
}

func TestUnreadableLockEvicted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, _ := newTestManager(t, Config{Dir: dir})

	path := filepath.Join(dir, "task_lock_daily_crawl.lock")
	require.NoError(t, os.WriteFile(path, []byte("{half writ"), 0o644))

	ok, err := m.TryAcquire("daily_crawl")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcquireTimesOutWhileContended(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{
		AcquireTimeout: 50 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	})

	ok, err := m.TryAcquire("daily_crawl")
	require.NoError(t, err)
	require.True(t, ok)

	err = m.Acquire(context.Background(), "daily_crawl")
	require.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{
		AcquireTimeout: time.Minute,
		PollInterval:   10 * time.Millisecond,
	})

	ok, err := m.TryAcquire("daily_crawl")
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Acquire(ctx, "daily_crawl"), context.DeadlineExceeded)
}

func TestWithLockRunsAndReleases(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	ran := false
	acquired, err := m.WithLock(ctx, "daily_crawl", func() error {
		ran = true
		ok, err := m.TryAcquire("daily_crawl")
		require.NoError(t, err)
		require.False(t, ok, "lock is held while fn runs")
		return nil
	})
	require.NoError(t, err)
	require.True(t, acquired)
	require.True(t, ran)

	// Released afterwards.
	ok, err := m.TryAcquire("daily_crawl")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWithLockSkipsContendedTask(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{
		AcquireTimeout: 30 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	})
	ctx := context.Background()

	ok, err := m.TryAcquire("daily_crawl")
	require.NoError(t, err)
	require.True(t, ok)

	acquired, err := m.WithLock(ctx, "daily_crawl", func() error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	require.NoError(t, err)
	require.False(t, acquired)
}

func TestWithLockSerializesGoroutines(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{
		AcquireTimeout: 5 * time.Second,
		PollInterval:   5 * time.Millisecond,
	})
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		runs    int
	)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquired, err := m.WithLock(ctx, "daily_crawl", func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				runs++
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
			require.True(t, acquired)
		}()
	}
	wg.Wait()

	require.Equal(t, 8, runs)
	require.Equal(t, 1, maxSeen, "only one holder at a time")
}

func TestProgressRoundTrip(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, Config{})

	require.NoError(t, m.SaveProgress("daily_crawl", map[string]any{
		"section": "books",
		"page":    float64(12),
	}))
	require.NoError(t, m.SaveProgress("weekly_audit", map[string]any{
		"offset": float64(99),
	}))

	data, ok, err := m.LoadProgress("daily_crawl")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "books", data["section"])
	require.Equal(t, float64(12), data["page"])
	require.NotContains(t, data, "saved_at", "timestamp is file metadata, not a progress field")

	// Each entry in the file is flat: the saved fields plus saved_at at
	// the top level, readable without knowing this package's types.
	raw, err := os.ReadFile(m.progressPath())
	require.NoError(t, err)
	var all map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &all))
	entry := all["daily_crawl"]
	require.Equal(t, "books", entry["section"])
	require.Equal(t, float64(12), entry["page"])
	require.Equal(t, clock.Now().Format(time.RFC3339), entry["saved_at"])

	require.NoError(t, m.ClearProgress("daily_crawl"))
	_, ok, err = m.LoadProgress("daily_crawl")
	require.NoError(t, err)
	require.False(t, ok)

	// Other tasks untouched.
	_, ok, err = m.LoadProgress("weekly_audit")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProgressSurvivesCorruptFile(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{})
	require.NoError(t, os.WriteFile(m.progressPath(), []byte("not json"), 0o644))

	_, ok, err := m.LoadProgress("daily_crawl")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.SaveProgress("daily_crawl", map[string]any{"page": float64(1)}))
	_, ok, err = m.LoadProgress("daily_crawl")
	require.NoError(t, err)
	require.True(t, ok)
}
