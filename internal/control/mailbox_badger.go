package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var (
	badgerPendingPrefix   = []byte("signal/pending/")
	badgerProcessedPrefix = []byte("signal/processed/")
)

// BadgerMailbox stores signals in an embedded Badger KV. It is the
// single-host production backend when the shared store should survive
// partial file corruption and offer transactional acks.
type BadgerMailbox struct {
	db    *badger.DB
	clock Clock
	log   *zap.Logger
}

// OpenBadgerMailbox opens (or creates) a Badger database at dir.
func OpenBadgerMailbox(dir string, clock Clock, log *zap.Logger) (*BadgerMailbox, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger mailbox: %w", err)
	}
	return &BadgerMailbox{db: db, clock: clock, log: log}, nil
}

// NewBadgerMailbox wraps an already-open database.
func NewBadgerMailbox(db *badger.DB, clock Clock, log *zap.Logger) *BadgerMailbox {
	return &BadgerMailbox{db: db, clock: clock, log: log}
}

// Close releases the underlying database.
func (b *BadgerMailbox) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close badger mailbox: %w", err)
	}
	return nil
}

func pendingKey(id string) []byte {
	return append(append([]byte(nil), badgerPendingPrefix...), id...)
}

func processedKey(ackNanos int64, id string) []byte {
	return fmt.Appendf(append([]byte(nil), badgerProcessedPrefix...), "%020d/%s", ackNanos, id)
}

// Put stores a pending signal.
func (b *BadgerMailbox) Put(ctx context.Context, sig Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(sig.ID), data)
	})
	if err != nil {
		return fmt.Errorf("store signal: %w", err)
	}
	return nil
}

// Pending returns unprocessed signals ordered by (priority, timestamp).
func (b *BadgerMailbox) Pending(ctx context.Context) ([]Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Signal
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerPendingPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(badgerPendingPrefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read signal value: %w", err)
			}
			var sig Signal
			if err := json.Unmarshal(val, &sig); err != nil {
				b.log.Error("corrupt signal entry skipped", zap.Error(err))
				continue
			}
			if !sig.Processed {
				out = append(out, sig)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending signals: %w", err)
	}
	sortSignals(out)
	return out, nil
}

// Ack transactionally moves a pending signal to the processed history and
// prunes the history to its bound. Idempotent.
func (b *BadgerMailbox) Ack(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(pendingKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load signal: %w", err)
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read signal value: %w", err)
		}
		var sig Signal
		if err := json.Unmarshal(val, &sig); err != nil {
			// Corrupt entry; drop it rather than wedge the ack path.
			return txn.Delete(pendingKey(id))
		}
		sig.Processed = true
		sig.Acknowledged = true
		data, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("encode signal: %w", err)
		}
		if err := txn.Set(processedKey(b.clock.Now().UnixNano(), id), data); err != nil {
			return fmt.Errorf("store processed signal: %w", err)
		}
		if err := txn.Delete(pendingKey(id)); err != nil {
			return fmt.Errorf("delete pending signal: %w", err)
		}
		return b.pruneProcessed(txn)
	})
	if err != nil {
		return fmt.Errorf("ack signal: %w", err)
	}
	return nil
}

// Clear drops all pending signals, keeping the processed history.
func (b *BadgerMailbox) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerPendingPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		var keys [][]byte
		for it.Rewind(); it.ValidForPrefix(badgerPendingPrefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete signal: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear signals: %w", err)
	}
	return nil
}

// Processed returns up to limit processed signals, oldest first. Keys are
// ack-time prefixed so lexical order is chronological.
func (b *BadgerMailbox) Processed(ctx context.Context, limit int) ([]Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var all []Signal
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerProcessedPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(badgerProcessedPrefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read processed value: %w", err)
			}
			var sig Signal
			if err := json.Unmarshal(val, &sig); err != nil {
				continue
			}
			all = append(all, sig)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan processed signals: %w", err)
	}
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	return all[len(all)-limit:], nil
}

func (b *BadgerMailbox) pruneProcessed(txn *badger.Txn) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = badgerProcessedPrefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	var keys [][]byte
	for it.Rewind(); it.ValidForPrefix(badgerProcessedPrefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	if len(keys) <= maxProcessedHistory {
		return nil
	}
	for _, k := range keys[:len(keys)-maxProcessedHistory] {
		if err := txn.Delete(k); err != nil {
			return fmt.Errorf("prune processed signal: %w", err)
		}
	}
	return nil
}
