// Package cleanup tracks resources acquired during a crawl run and
// releases them in a fixed type order on stop, pause, or shutdown.
package cleanup

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forumwatch/crawlerd/internal/metrics"
)

// ResourceType classifies a registered resource for ordered release.
type ResourceType string

// Known resource types. CleanupAll releases them in the order listed so
// threads are told to stop before their connections are closed underneath
// them, and caches go last.
const (
	TypeThread      ResourceType = "thread"
	TypeNetwork     ResourceType = "network_connection"
	TypeDatabase    ResourceType = "database_connection"
	TypeFileHandle  ResourceType = "file_handle"
	TypeTempFile    ResourceType = "temp_file"
	TypeMemoryCache ResourceType = "memory_cache"
)

var cleanupOrder = []ResourceType{
	TypeThread,
	TypeNetwork,
	TypeDatabase,
	TypeFileHandle,
	TypeTempFile,
	TypeMemoryCache,
}

// ErrAlreadyRegistered is returned when a resource id is registered twice.
var ErrAlreadyRegistered = errors.New("resource already registered")

// CleanupFunc releases one resource. It must be idempotent; CleanupAll
// with force continues past failures and a failed cleanup is never retried.
type CleanupFunc func() error

// Resource is one registry entry.
type Resource struct {
	ID        string
	Type      ResourceType
	Name      string
	Cleanup   CleanupFunc
	Critical  bool
	Metadata  map[string]any
	CreatedAt time.Time
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// Results summarizes one CleanupAll pass.
type Results struct {
	Total     int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Manager is a registry of cleanup callbacks with ordered, idempotent,
// best-effort release.
type Manager struct {
	clock Clock
	log   *zap.Logger

	mu        sync.Mutex
	resources map[string]Resource

	registered  int64
	cleaned     int64
	failed      int64
	lastCleanup time.Time
}

// NewManager creates an empty Manager.
func NewManager(clock Clock, log *zap.Logger) *Manager {
	return &Manager{
		clock:     clock,
		log:       log,
		resources: make(map[string]Resource),
	}
}

// Register adds a resource to the registry.
func (m *Manager) Register(r Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[r.ID]; ok {
		return ErrAlreadyRegistered
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.clock.Now()
	}
	m.resources[r.ID] = r
	m.registered++
	m.log.Debug("resource registered",
		zap.String("id", r.ID),
		zap.String("type", string(r.Type)),
		zap.String("name", r.Name),
	)
	return nil
}

// Unregister removes a resource that was released by its owner.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[id]; !ok {
		return false
	}
	delete(m.resources, id)
	return true
}

// CleanupResource invokes one resource's cleanup callback. The resource is
// removed from the registry whether or not the callback failed, so a
// broken cleanup cannot block shutdown by being retried forever.
func (m *Manager) CleanupResource(id string) bool {
	m.mu.Lock()
	r, ok := m.resources[id]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("resource not found for cleanup", zap.String("id", id))
		return false
	}
	delete(m.resources, id)
	m.mu.Unlock()

	// Callback runs outside the registry lock so a slow cleanup cannot
	// block registration from other goroutines.
	if err := r.Cleanup(); err != nil {
		m.mu.Lock()
		m.failed++
		m.mu.Unlock()
		metrics.ObserveCleanupFailure(string(r.Type))
		m.log.Error("resource cleanup failed",
			zap.String("id", r.ID),
			zap.String("type", string(r.Type)),
			zap.Error(err),
		)
		return false
	}

	m.mu.Lock()
	m.cleaned++
	m.mu.Unlock()
	m.log.Debug("resource cleaned up", zap.String("id", r.ID), zap.String("type", string(r.Type)))
	return true
}

// CleanupAll releases all registered resources grouped by type in the
// fixed order. With force it continues past failures; without force it
// stops at the first failure. criticalOnly restricts the pass to
// resources marked critical.
func (m *Manager) CleanupAll(force, criticalOnly bool) Results {
	start := m.clock.Now()

	m.mu.Lock()
	pending := make([]Resource, 0, len(m.resources))
	for _, r := range m.resources {
		if criticalOnly && !r.Critical {
			continue
		}
		pending = append(pending, r)
	}
	m.mu.Unlock()

	results := Results{Total: len(pending)}
	m.log.Info("cleaning up resources",
		zap.Int("count", results.Total),
		zap.Bool("force", force),
		zap.Bool("critical_only", criticalOnly),
	)

loop:
	for _, rt := range cleanupOrder {
		for _, r := range pending {
			if r.Type != rt {
				continue
			}
			if m.CleanupResource(r.ID) {
				results.Succeeded++
			} else {
				results.Failed++
				if !force {
					m.log.Warn("stopping cleanup after failure", zap.String("id", r.ID))
					break loop
				}
			}
		}
	}

	results.Duration = m.clock.Now().Sub(start)
	m.mu.Lock()
	m.lastCleanup = m.clock.Now()
	m.mu.Unlock()

	m.log.Info("resource cleanup completed",
		zap.Int("succeeded", results.Succeeded),
		zap.Int("failed", results.Failed),
		zap.Duration("duration", results.Duration),
	)
	return results
}

// CleanupNonCritical releases resources not marked critical. Used during
// a long pause to shed caches and idle connections while keeping the
// resources the crawl needs to resume.
func (m *Manager) CleanupNonCritical() int {
	m.mu.Lock()
	ids := make([]string, 0)
	for _, r := range m.resources {
		if !r.Critical {
			ids = append(ids, r.ID)
		}
	}
	m.mu.Unlock()

	cleaned := 0
	for _, id := range ids {
		if m.CleanupResource(id) {
			cleaned++
		}
	}
	if cleaned > 0 {
		m.log.Info("non-critical resources released", zap.Int("count", cleaned))
	}
	return cleaned
}

// CleanupByType releases every resource of one type.
func (m *Manager) CleanupByType(rt ResourceType) int {
	m.mu.Lock()
	ids := make([]string, 0)
	for _, r := range m.resources {
		if r.Type == rt {
			ids = append(ids, r.ID)
		}
	}
	m.mu.Unlock()

	cleaned := 0
	for _, id := range ids {
		if m.CleanupResource(id) {
			cleaned++
		}
	}
	return cleaned
}

// Active returns a snapshot of currently registered resources.
func (m *Manager) Active() []Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Resource, 0, len(m.resources))
	for _, r := range m.resources {
		out = append(out, r)
	}
	return out
}

// Counts returns the number of registered resources per type.
func (m *Manager) Counts() map[ResourceType]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[ResourceType]int)
	for _, r := range m.resources {
		counts[r.Type]++
	}
	return counts
}
