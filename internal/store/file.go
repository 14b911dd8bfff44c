// Package store provides the file-backed session persistence used by default.
//
// Layout under the configured root directory:
//
//	<root>/live/current.json            — mutable live slot
//	<root>/archive/session_<ts>.json    — append-only archive records
//
// The live slot is replaced via a temp-file write followed by an atomic
// rename, so a crash mid-write can never leave a truncated record behind.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taleforge/taleforge/internal/story"
)

const (
	liveDirName    = "live"
	archiveDirName = "archive"
	liveFileName   = "current.json"
	archivePrefix  = "session_"
	archiveSuffix  = ".json"
)

// FileStore implements [story.Store] on the local filesystem.
// All methods are safe for concurrent use.
type FileStore struct {
	root string

	mu sync.Mutex
	// lastArchive guards against duplicate archive names when two archives
	// land within the same timestamp granularity.
	lastArchive string
}

// NewFileStore creates a FileStore rooted at dir. The directory tree is
// created lazily on first write; a store pointed at a non-existent directory
// simply reads as empty.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// livePath returns the path of the live slot file.
func (s *FileStore) livePath() string {
	return filepath.Join(s.root, liveDirName, liveFileName)
}

// archiveDir returns the archive directory path.
func (s *FileStore) archiveDir() string {
	return filepath.Join(s.root, archiveDirName)
}

// WriteLive implements [story.Store]. The record is marshalled to a temp file
// in the live directory and renamed over the current slot.
func (s *FileStore) WriteLive(ctx context.Context, rec story.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, liveDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create live dir: %w", err)
	}
	if err := writeRecordAtomic(dir, s.livePath(), rec); err != nil {
		return fmt.Errorf("store: write live record: %w", err)
	}
	return nil
}

// ReadLive implements [story.Store].
func (s *FileStore) ReadLive(ctx context.Context) (story.Record, error) {
	if err := ctx.Err(); err != nil {
		return story.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := readRecord(s.livePath(), "live")
	if err != nil {
		return story.Record{}, err
	}
	return rec, nil
}

// Archive implements [story.Store]. The record is written under a fresh
// timestamp-derived name; existing archives are never touched.
func (s *FileStore) Archive(ctx context.Context, rec story.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.archiveDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store: create archive dir: %w", err)
	}

	name := s.nextArchiveName()
	if err := writeRecordAtomic(dir, filepath.Join(dir, name), rec); err != nil {
		return "", fmt.Errorf("store: write archive %q: %w", name, err)
	}
	s.lastArchive = name
	return name, nil
}

// ReadArchive implements [story.Store].
func (s *FileStore) ReadArchive(ctx context.Context, name string) (story.Record, error) {
	if err := ctx.Err(); err != nil {
		return story.Record{}, err
	}
	// Reject path traversal through archive names.
	if name != filepath.Base(name) {
		return story.Record{}, &story.InvalidRecordError{Name: name, Reason: "archive name contains path separators"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return readRecord(filepath.Join(s.archiveDir(), name), name)
}

// ListArchives implements [story.Store]. A missing archive directory is
// treated as empty.
func (s *FileStore) ListArchives(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.archiveDir())
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: list archives: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, archivePrefix) && strings.HasSuffix(name, archiveSuffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// nextArchiveName derives a unique, lexicographically sortable archive name
// from the current UTC time. Must be called with s.mu held.
func (s *FileStore) nextArchiveName() string {
	ts := time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z")
	ts = strings.ReplaceAll(ts, ".", "-")
	name := archivePrefix + ts + archiveSuffix
	if name == s.lastArchive {
		name = archivePrefix + ts + "-1" + archiveSuffix
	}
	return name
}

// writeRecordAtomic marshals rec into a temp file inside dir and renames it
// over dst. The temp file lives in the same directory so the rename never
// crosses a filesystem boundary.
func writeRecordAtomic(dir, dst string, rec story.Record) error {
	// Normalise nil history so the persisted format always carries the field.
	if rec.History == nil {
		rec.History = []story.Turn{}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// persistedRecord mirrors story.Record with a nullable system prompt so that
// the `systemPrompt: null` form written by earlier versions still loads, and
// so a missing history field is detectable.
type persistedRecord struct {
	SystemPrompt *string      `json:"systemPrompt"`
	History      []story.Turn `json:"history"`
	Summary      string       `json:"summary"`
}

// readRecord loads and validates a record file. name is used for diagnostics.
func readRecord(path, name string) (story.Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return story.Record{}, fmt.Errorf("%w: %s", story.ErrNotFound, name)
	}
	if err != nil {
		return story.Record{}, fmt.Errorf("store: read record %q: %w", name, err)
	}

	var pr persistedRecord
	if err := json.Unmarshal(data, &pr); err != nil {
		return story.Record{}, &story.InvalidRecordError{Name: name, Reason: err.Error()}
	}

	rec := story.Record{History: pr.History, Summary: pr.Summary}
	if pr.SystemPrompt != nil {
		rec.SystemPrompt = *pr.SystemPrompt
	}
	if err := story.ValidateRecord(name, rec); err != nil {
		return story.Record{}, err
	}
	return rec, nil
}

// Compile-time check that FileStore satisfies story.Store.
var _ story.Store = (*FileStore)(nil)
