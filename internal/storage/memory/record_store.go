// Package memory provides in-memory persistence for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/forumwatch/crawlerd/internal/crawler"
)

// RecordStore keeps thread records in memory.
type RecordStore struct {
	mu      sync.RWMutex
	records []crawler.Record
	hashes  map[string]struct{}
}

// NewRecordStore returns an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{hashes: make(map[string]struct{})}
}

// SaveRecord stores a record. Duplicate content hashes are dropped.
func (s *RecordStore) SaveRecord(_ context.Context, rec crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ContentHash != "" {
		if _, ok := s.hashes[rec.ContentHash]; ok {
			return nil
		}
		s.hashes[rec.ContentHash] = struct{}{}
	}
	s.records = append(s.records, rec)
	return nil
}

// HasContentHash reports whether a record with the given hash exists.
func (s *RecordStore) HasContentHash(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hashes[hash]
	return ok, nil
}

// RecordsBySection returns records for a section, newest first.
func (s *RecordStore) RecordsBySection(_ context.Context, section string, limit int) ([]crawler.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []crawler.Record
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].Section == section {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

// Len reports how many records are stored.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
