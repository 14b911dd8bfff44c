// Package postgres provides a PostgreSQL-backed implementation of
// [story.Store] for deployments that want session durability outside the
// local filesystem (e.g., a shared game server).
//
// The live slot is a single-row table updated with an UPSERT, which gives the
// same atomicity guarantee as the file store's rename. Archives are rows in an
// append-only table keyed by their timestamp-derived name.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taleforge/taleforge/internal/story"
)

const ddl = `
CREATE TABLE IF NOT EXISTS session_live (
    slot    INT    PRIMARY KEY DEFAULT 1 CHECK (slot = 1),
    record  JSONB  NOT NULL,
    updated TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_archives (
    name    TEXT   PRIMARY KEY,
    record  JSONB  NOT NULL,
    created TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store implements [story.Store] backed by PostgreSQL.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool

	mu          sync.Mutex
	lastArchive string
}

// NewStore connects to the database at dsn, verifies connectivity, and runs
// the schema migration.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WriteLive implements [story.Store] via single-row UPSERT.
func (s *Store) WriteLive(ctx context.Context, rec story.Record) error {
	data, err := marshalRecord(rec)
	if err != nil {
		return fmt.Errorf("postgres store: %w", err)
	}

	const q = `
		INSERT INTO session_live (slot, record, updated)
		VALUES (1, $1, now())
		ON CONFLICT (slot) DO UPDATE SET record = EXCLUDED.record, updated = now()`

	if _, err := s.pool.Exec(ctx, q, data); err != nil {
		return fmt.Errorf("postgres store: write live record: %w", err)
	}
	return nil
}

// ReadLive implements [story.Store].
func (s *Store) ReadLive(ctx context.Context) (story.Record, error) {
	const q = `SELECT record FROM session_live WHERE slot = 1`

	var data []byte
	err := s.pool.QueryRow(ctx, q).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return story.Record{}, fmt.Errorf("%w: live", story.ErrNotFound)
	}
	if err != nil {
		return story.Record{}, fmt.Errorf("postgres store: read live record: %w", err)
	}
	return unmarshalRecord("live", data)
}

// Archive implements [story.Store].
func (s *Store) Archive(ctx context.Context, rec story.Record) (string, error) {
	data, err := marshalRecord(rec)
	if err != nil {
		return "", fmt.Errorf("postgres store: %w", err)
	}

	s.mu.Lock()
	name := s.nextArchiveName()
	s.lastArchive = name
	s.mu.Unlock()

	const q = `INSERT INTO session_archives (name, record) VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, q, name, data); err != nil {
		return "", fmt.Errorf("postgres store: write archive %q: %w", name, err)
	}
	return name, nil
}

// ReadArchive implements [story.Store].
func (s *Store) ReadArchive(ctx context.Context, name string) (story.Record, error) {
	const q = `SELECT record FROM session_archives WHERE name = $1`

	var data []byte
	err := s.pool.QueryRow(ctx, q, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return story.Record{}, fmt.Errorf("%w: %s", story.ErrNotFound, name)
	}
	if err != nil {
		return story.Record{}, fmt.Errorf("postgres store: read archive %q: %w", name, err)
	}
	return unmarshalRecord(name, data)
}

// ListArchives implements [story.Store].
func (s *Store) ListArchives(ctx context.Context) ([]string, error) {
	const q = `SELECT name FROM session_archives ORDER BY name`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list archives: %w", err)
	}

	names, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var name string
		err := row.Scan(&name)
		return name, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan archive names: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// nextArchiveName matches the file store's naming so archives sort the same
// way regardless of backend. Must be called with s.mu held.
func (s *Store) nextArchiveName() string {
	ts := time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z")
	ts = strings.ReplaceAll(ts, ".", "-")
	name := "session_" + ts + ".json"
	if name == s.lastArchive {
		name = "session_" + ts + "-1.json"
	}
	return name
}

// marshalRecord serialises rec in the shared persisted-record format.
func marshalRecord(rec story.Record) ([]byte, error) {
	if rec.History == nil {
		rec.History = []story.Turn{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

// unmarshalRecord parses and validates a stored record payload.
func unmarshalRecord(name string, data []byte) (story.Record, error) {
	var rec story.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return story.Record{}, &story.InvalidRecordError{Name: name, Reason: err.Error()}
	}
	if err := story.ValidateRecord(name, rec); err != nil {
		return story.Record{}, err
	}
	return rec, nil
}

// Compile-time check that Store satisfies story.Store.
var _ story.Store = (*Store)(nil)
