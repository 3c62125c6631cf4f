// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forumwatch/crawlerd/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RecordStoreConfig controls the Postgres connection pool used for thread
// records.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RecordStore writes thread records into Postgres.
type RecordStore struct {
	pool  dbPool
	table string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided
// config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "thread_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewRecordStoreWithPool(pool dbPool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "thread_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveRecord inserts a thread record. Re-inserting the same content hash
// is a no-op, so replayed pages after a resume do not duplicate rows.
func (s *RecordStore) SaveRecord(ctx context.Context, rec crawler.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	section,
	url,
	page,
	title,
	author,
	replies,
	posted_at,
	content_hash,
	fetched_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (content_hash) DO NOTHING`, s.table)

	if _, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.Section,
		rec.URL,
		rec.Page,
		rec.Title,
		rec.Author,
		rec.Replies,
		rec.PostedAt,
		rec.ContentHash,
		rec.FetchedAt,
	); err != nil {
		return fmt.Errorf("insert thread record: %w", err)
	}
	return nil
}

// HasContentHash reports whether a record with the given hash exists.
func (s *RecordStore) HasContentHash(ctx context.Context, hash string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("record store is not configured")
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE content_hash = $1)`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, hash).Scan(&exists); err != nil {
		return false, fmt.Errorf("check content hash: %w", err)
	}
	return exists, nil
}

// RecordsBySection returns the most recently fetched records for a
// section.
func (s *RecordStore) RecordsBySection(ctx context.Context, section string, limit int) ([]crawler.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("record store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT id, section, url, page, title, author, replies, posted_at, content_hash, fetched_at
FROM %s
WHERE section = $1
ORDER BY fetched_at DESC
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, section, limit)
	if err != nil {
		return nil, fmt.Errorf("query thread records: %w", err)
	}
	defer rows.Close()

	var out []crawler.Record
	for rows.Next() {
		var rec crawler.Record
		if err := rows.Scan(
			&rec.ID,
			&rec.Section,
			&rec.URL,
			&rec.Page,
			&rec.Title,
			&rec.Author,
			&rec.Replies,
			&rec.PostedAt,
			&rec.ContentHash,
			&rec.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan thread record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread records: %w", err)
	}
	return out, nil
}
