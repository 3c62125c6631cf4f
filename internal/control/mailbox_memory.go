package control

import (
	"context"
	"sync"
)

// MemoryMailbox is a single-process Mailbox for tests and embedded use.
type MemoryMailbox struct {
	mu        sync.Mutex
	pending   []Signal
	processed []Signal
}

// NewMemoryMailbox creates an empty MemoryMailbox.
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{}
}

// Put stores a pending signal.
func (b *MemoryMailbox) Put(_ context.Context, sig Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, sig)
	sortSignals(b.pending)
	return nil
}

// Pending returns unprocessed signals ordered by (priority, timestamp).
func (b *MemoryMailbox) Pending(_ context.Context) ([]Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Signal, 0, len(b.pending))
	for _, s := range b.pending {
		if !s.Processed {
			out = append(out, s)
		}
	}
	sortSignals(out)
	return out, nil
}

// Ack moves a pending signal to the processed history. Idempotent.
func (b *MemoryMailbox) Ack(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.pending[:0]
	found := false
	for _, s := range b.pending {
		if s.ID == id && !found {
			s.Processed = true
			s.Acknowledged = true
			b.processed = append(b.processed, s)
			found = true
			continue
		}
		remaining = append(remaining, s)
	}
	b.pending = remaining
	if len(b.processed) > maxProcessedHistory {
		b.processed = b.processed[len(b.processed)-maxProcessedHistory:]
	}
	return nil
}

// Clear drops all pending signals.
func (b *MemoryMailbox) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	return nil
}

// Processed returns up to limit processed signals, newest last.
func (b *MemoryMailbox) Processed(_ context.Context, limit int) ([]Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.processed) {
		limit = len(b.processed)
	}
	out := make([]Signal, limit)
	copy(out, b.processed[len(b.processed)-limit:])
	return out, nil
}
