package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// signalFile is the persisted mailbox layout.
type signalFile struct {
	Pending   []Signal  `json:"pending"`
	Processed []Signal  `json:"processed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileMailbox persists signals in one JSON file shared by every process.
// Each mutation is a read-modify-write under an in-process mutex followed
// by a write-temp-and-rename, so readers never observe a partial file.
// Across processes the file is last-writer-wins, acceptable because
// signals are cheap to resend and acks are idempotent.
type FileMailbox struct {
	path  string
	clock Clock
	log   *zap.Logger
	mu    fileMu
}

type fileMu struct{ ch chan struct{} }

func newFileMu() fileMu {
	m := fileMu{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

func (m *fileMu) lock(ctx context.Context) error {
	select {
	case <-m.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *fileMu) unlock() { m.ch <- struct{}{} }

// NewFileMailbox creates a FileMailbox at path, creating parent
// directories as needed.
func NewFileMailbox(path string, clock Clock, log *zap.Logger) (*FileMailbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create signal dir: %w", err)
	}
	return &FileMailbox{path: path, clock: clock, log: log, mu: newFileMu()}, nil
}

// Put appends a pending signal and re-persists.
func (b *FileMailbox) Put(ctx context.Context, sig Signal) error {
	if err := b.mu.lock(ctx); err != nil {
		return err
	}
	defer b.mu.unlock()

	sf, err := b.load()
	if err != nil {
		return err
	}
	sf.Pending = append(sf.Pending, sig)
	sortSignals(sf.Pending)
	return b.persist(sf)
}

// Pending reloads the file and returns unprocessed signals.
func (b *FileMailbox) Pending(ctx context.Context) ([]Signal, error) {
	if err := b.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer b.mu.unlock()

	sf, err := b.load()
	if err != nil {
		return nil, err
	}
	out := make([]Signal, 0, len(sf.Pending))
	for _, s := range sf.Pending {
		if !s.Processed {
			out = append(out, s)
		}
	}
	sortSignals(out)
	return out, nil
}

// Ack moves a pending signal into the bounded processed history.
func (b *FileMailbox) Ack(ctx context.Context, id string) error {
	if err := b.mu.lock(ctx); err != nil {
		return err
	}
	defer b.mu.unlock()

	sf, err := b.load()
	if err != nil {
		return err
	}

	remaining := sf.Pending[:0]
	found := false
	for _, s := range sf.Pending {
		if s.ID == id && !found {
			s.Processed = true
			s.Acknowledged = true
			sf.Processed = append(sf.Processed, s)
			found = true
			continue
		}
		remaining = append(remaining, s)
	}
	sf.Pending = remaining
	if !found {
		// Already acked or unknown; idempotent no-op.
		return nil
	}
	if len(sf.Processed) > maxProcessedHistory {
		sf.Processed = sf.Processed[len(sf.Processed)-maxProcessedHistory:]
	}
	return b.persist(sf)
}

// Clear drops all pending signals, keeping the processed history.
func (b *FileMailbox) Clear(ctx context.Context) error {
	if err := b.mu.lock(ctx); err != nil {
		return err
	}
	defer b.mu.unlock()

	sf, err := b.load()
	if err != nil {
		return err
	}
	sf.Pending = nil
	return b.persist(sf)
}

// Processed returns the most recent processed signals, newest last.
func (b *FileMailbox) Processed(ctx context.Context, limit int) ([]Signal, error) {
	if err := b.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer b.mu.unlock()

	sf, err := b.load()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(sf.Processed) {
		limit = len(sf.Processed)
	}
	out := make([]Signal, limit)
	copy(out, sf.Processed[len(sf.Processed)-limit:])
	return out, nil
}

func (b *FileMailbox) load() (*signalFile, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &signalFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read signal file: %w", err)
	}
	var sf signalFile
	if err := json.Unmarshal(data, &sf); err != nil {
		// A corrupt mailbox is not worth failing the control path over;
		// signals can be resent.
		b.log.Error("signal file corrupt, starting empty", zap.String("path", b.path), zap.Error(err))
		return &signalFile{}, nil
	}
	return &sf, nil
}

func (b *FileMailbox) persist(sf *signalFile) error {
	sf.UpdatedAt = b.clock.Now()
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode signal file: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write signal temp file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replace signal file: %w", err)
	}
	return nil
}
