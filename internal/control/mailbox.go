package control

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/forumwatch/crawlerd/internal/metrics"
)

// Mailbox is the durable backing store for control signals. The file
// backend is the default; a KV or broker backend can be swapped in
// without touching the coordinator.
type Mailbox interface {
	// Put stores a new pending signal.
	Put(ctx context.Context, sig Signal) error
	// Pending returns unprocessed signals ordered by (priority, timestamp).
	// Implementations must reload their backing store so another
	// process's sends are visible.
	Pending(ctx context.Context) ([]Signal, error)
	// Ack marks a signal processed and moves it to the bounded processed
	// history. Acking an unknown or already-acked id is a no-op.
	Ack(ctx context.Context, id string) error
	// Clear drops all pending signals.
	Clear(ctx context.Context) error
	// Processed returns up to limit entries of processed history.
	Processed(ctx context.Context, limit int) ([]Signal, error)
}

// maxProcessedHistory bounds the processed list kept by backends.
const maxProcessedHistory = 100

// Queue mints signals and hands them to a Mailbox. It owns signal
// identity and priority; the mailbox owns durability.
type Queue struct {
	mailbox Mailbox
	ids     IDGenerator
	clock   Clock
	log     *zap.Logger
}

// NewQueue creates a Queue on top of a Mailbox.
func NewQueue(mailbox Mailbox, ids IDGenerator, clock Clock, log *zap.Logger) *Queue {
	return &Queue{mailbox: mailbox, ids: ids, clock: clock, log: log}
}

// Send creates and stores a signal, returning its id.
func (q *Queue) Send(ctx context.Context, t SignalType, payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("mint signal id: %w", err)
	}
	sig := Signal{
		ID:        id,
		Type:      t,
		Timestamp: q.clock.Now(),
		Payload:   payload,
		Priority:  PriorityFor(t),
	}
	if err := q.mailbox.Put(ctx, sig); err != nil {
		return "", fmt.Errorf("store signal: %w", err)
	}
	metrics.ObserveSignalSent(string(t))
	q.log.Info("signal sent", zap.String("type", string(t)), zap.String("id", id))
	return id, nil
}

// Pending returns unprocessed signals ordered by (priority, timestamp).
func (q *Queue) Pending(ctx context.Context) ([]Signal, error) {
	sigs, err := q.mailbox.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending signals: %w", err)
	}
	return sigs, nil
}

// Ack marks a signal processed. Idempotent.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if err := q.mailbox.Ack(ctx, id); err != nil {
		return fmt.Errorf("acknowledge signal %s: %w", id, err)
	}
	q.log.Info("signal acknowledged", zap.String("id", id))
	return nil
}

// Clear drops all pending signals. Used by emergency force-clear.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.mailbox.Clear(ctx); err != nil {
		return fmt.Errorf("clear signals: %w", err)
	}
	q.log.Info("all pending signals cleared")
	return nil
}

// Processed returns up to limit processed signals.
func (q *Queue) Processed(ctx context.Context, limit int) ([]Signal, error) {
	sigs, err := q.mailbox.Processed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load processed signals: %w", err)
	}
	return sigs, nil
}

// sortSignals orders by (priority, timestamp); lower priority number wins.
func sortSignals(sigs []Signal) {
	sort.SliceStable(sigs, func(i, j int) bool {
		if sigs[i].Priority != sigs[j].Priority {
			return sigs[i].Priority < sigs[j].Priority
		}
		return sigs[i].Timestamp.Before(sigs[j].Timestamp)
	})
}
