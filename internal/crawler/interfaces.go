package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Parser extracts thread records from a section page body.
type Parser interface {
	ParsePage(body []byte, section Section, page int) ([]Record, error)
}

// RecordStore persists extracted thread records.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec Record) error
	// HasContentHash reports whether a record with this hash was already
	// saved, so unchanged threads can be skipped on re-crawl.
	HasContentHash(ctx context.Context, hash string) (bool, error)
	RecordsBySection(ctx context.Context, section string, limit int) ([]Record, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Pauser abstracts how the crawl loop sleeps between page fetches.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}
