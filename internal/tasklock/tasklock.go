// Package tasklock provides file-based mutual exclusion and progress
// checkpoints for crawl tasks that may run from cron, the API, or a
// shell, in separate processes with no shared memory.
package tasklock

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

	"github.com/forumwatch/crawlerd/internal/metrics"
)

// ErrAcquireTimeout is returned when a lock could not be acquired within
// the acquire window.
var ErrAcquireTimeout = errors.New("tasklock: acquire timed out")

const (
	defaultAcquireTimeout = 30 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
	defaultLockTimeout    = time.Hour

	progressFileName = "task_progress.json"
)

// Clock abstracts wall time for staleness decisions.
type Clock interface {
	Now() time.Time
}

// lockInfo is the lock file payload. acquired_at is epoch seconds so a
// reader in any language can compute staleness without parsing dates.
type lockInfo struct {
	TaskID       string `json:"task_id"`
	PID          int    `json:"pid"`
	AcquiredAt   int64  `json:"acquired_at"`
	AcquiredTime string `json:"acquired_time"`
}

// savedAtKey is stored inline with the task's own progress fields, so a
// reader of the shared file in any language sees one flat object per task.
const savedAtKey = "saved_at"

// Config tunes lock acquisition and staleness.
type Config struct {
	// Dir holds lock files and the progress file.
	Dir string
	// AcquireTimeout bounds how long Acquire and WithLock poll for a
	// held lock. Defaults to 30s.
	AcquireTimeout time.Duration
	// PollInterval is the retry cadence while waiting. Defaults to 500ms.
	PollInterval time.Duration
	// LockTimeout is the age past which a lock is considered abandoned
	// by a dead process and evicted. Defaults to 1h.
	LockTimeout time.Duration
}

// Manager creates, evicts, and releases task lock files. Exclusion is
// O_CREATE|O_EXCL on the lock file, which is atomic on POSIX filesystems.
type Manager struct {
	dir            string
	acquireTimeout time.Duration
	pollInterval   time.Duration
	lockTimeout    time.Duration
	clock          Clock
	log            *zap.Logger
	pid            int

	// progressMu serializes read-modify-write of the progress file
	// within this process.
	progressMu sync.Mutex
}

// NewManager builds a Manager, creating the lock directory if needed.
func NewManager(cfg Config, clock Clock, log *zap.Logger) (*Manager, error) {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Manager{
		dir:            cfg.Dir,
		acquireTimeout: cfg.AcquireTimeout,
		pollInterval:   cfg.PollInterval,
		lockTimeout:    cfg.LockTimeout,
		clock:          clock,
		log:            log,
		pid:            os.Getpid(),
	}, nil
}

func (m *Manager) lockPath(taskID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("task_lock_%s.lock", taskID))
}

func (m *Manager) progressPath() string {
	return filepath.Join(m.dir, progressFileName)
}

// TryAcquire attempts to take the lock once, evicting a stale holder
// first. It reports whether this process now holds the lock.
func (m *Manager) TryAcquire(taskID string) (bool, error) {
	m.evictStale(taskID)

	f, err := os.OpenFile(m.lockPath(taskID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	now := m.clock.Now()
	info := lockInfo{
		TaskID:       taskID,
		PID:          m.pid,
		AcquiredAt:   now.Unix(),
		AcquiredTime: now.Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode lock info: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		// Holding an empty lock file is worse than not holding it.
		os.Remove(m.lockPath(taskID))
		return false, fmt.Errorf("write lock info: %w", err)
	}
	m.log.Debug("lock acquired", zap.String("task_id", taskID), zap.Int("pid", m.pid))
	return true, nil
}

// Acquire polls until the lock is held, the acquire window closes, or ctx
// is done.
func (m *Manager) Acquire(ctx context.Context, taskID string) error {
	deadline := time.Now().Add(m.acquireTimeout)
	for {
		ok, err := m.TryAcquire(taskID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: task %q", ErrAcquireTimeout, taskID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// Release removes the lock file. Releasing an unheld lock is a no-op.
func (m *Manager) Release(taskID string) error {
	err := os.Remove(m.lockPath(taskID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the task lock. It returns false with a
// nil error when the lock is contended past the acquire window, so
// schedulers can skip an already-running task without treating it as a
// failure.
func (m *Manager) WithLock(ctx context.Context, taskID string, fn func() error) (bool, error) {
	if err := m.Acquire(ctx, taskID); err != nil {
		if errors.Is(err, ErrAcquireTimeout) {
			m.log.Info("task already locked, skipping", zap.String("task_id", taskID))
			return false, nil
		}
		return false, err
	}
	defer func() {
		if err := m.Release(taskID); err != nil {
			m.log.Error("failed to release lock", zap.String("task_id", taskID), zap.Error(err))
		}
	}()
	return true, fn()
}

// evictStale removes a lock older than the lock timeout. An unreadable
// lock file is also evicted; a dead process may have left it half
// written.
func (m *Manager) evictStale(taskID string) {
	path := m.lockPath(taskID)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		m.log.Warn("evicting unreadable lock file", zap.String("task_id", taskID))
		m.evict(path)
		return
	}
	age := m.clock.Now().Unix() - info.AcquiredAt
	if age <= int64(m.lockTimeout.Seconds()) {
		return
	}
	m.log.Warn("evicting stale lock",
		zap.String("task_id", taskID),
		zap.Int("holder_pid", info.PID),
		zap.Int64("age_seconds", age),
	)
	m.evict(path)
}

func (m *Manager) evict(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.log.Error("failed to evict lock file", zap.String("path", path), zap.Error(err))
		return
	}
	metrics.ObserveLockEviction()
}

// SaveProgress stores a task's checkpoint in the shared progress file,
// preserving other tasks' entries.
func (m *Manager) SaveProgress(taskID string, data map[string]any) error {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()

	all, err := m.loadAllProgress()
	if err != nil {
		return err
	}
	entry := make(map[string]any, len(data)+1)
	for k, v := range data {
		entry[k] = v
	}
	entry[savedAtKey] = m.clock.Now().Format(time.RFC3339)
	all[taskID] = entry
	return m.persistProgress(all)
}

// LoadProgress returns a task's checkpoint and whether one exists. The
// save timestamp is stripped; callers get back the fields they saved.
func (m *Manager) LoadProgress(taskID string) (map[string]any, bool, error) {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()

	all, err := m.loadAllProgress()
	if err != nil {
		return nil, false, err
	}
	entry, ok := all[taskID]
	if !ok {
		return nil, false, nil
	}
	data := make(map[string]any, len(entry))
	for k, v := range entry {
		if k == savedAtKey {
			continue
		}
		data[k] = v
	}
	return data, true, nil
}

// ClearProgress drops a task's checkpoint after it completes cleanly.
func (m *Manager) ClearProgress(taskID string) error {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()

	all, err := m.loadAllProgress()
	if err != nil {
		return err
	}
	if _, ok := all[taskID]; !ok {
		return nil
	}
	delete(all, taskID)
	return m.persistProgress(all)
}

func (m *Manager) loadAllProgress() (map[string]map[string]any, error) {
	data, err := os.ReadFile(m.progressPath())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}
	var all map[string]map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		m.log.Error("progress file corrupt, starting empty", zap.Error(err))
		return map[string]map[string]any{}, nil
	}
	return all, nil
}

func (m *Manager) persistProgress(all map[string]map[string]any) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	tmp := m.progressPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write progress temp file: %w", err)
	}
	if err := os.Rename(tmp, m.progressPath()); err != nil {
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}
