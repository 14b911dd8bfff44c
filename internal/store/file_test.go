package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/taleforge/taleforge/internal/story"
)

func testRecord() story.Record {
	return story.Record{
		SystemPrompt: "You are the narrator.",
		History: []story.Turn{
			{Role: story.RoleAssistant, Content: "You awaken in a field."},
			{Role: story.RoleUser, Content: "I stand up."},
		},
		Summary: "The story has just begun.",
	}
}

func TestFileStore_Live(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trips the live record", func(t *testing.T) {
		s := NewFileStore(t.TempDir())
		want := testRecord()

		if err := s.WriteLive(ctx, want); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := s.ReadLive(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.SystemPrompt != want.SystemPrompt || got.Summary != want.Summary {
			t.Errorf("record fields differ: %+v vs %+v", got, want)
		}
		if len(got.History) != len(want.History) {
			t.Fatalf("expected %d turns, got %d", len(want.History), len(got.History))
		}
		for i := range got.History {
			if got.History[i] != want.History[i] {
				t.Errorf("turn %d differs: %+v vs %+v", i, got.History[i], want.History[i])
			}
		}
	})

	t.Run("missing live slot reports not found", func(t *testing.T) {
		s := NewFileStore(t.TempDir())
		if _, err := s.ReadLive(ctx); !errors.Is(err, story.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("overwrite replaces the previous record", func(t *testing.T) {
		s := NewFileStore(t.TempDir())
		if err := s.WriteLive(ctx, testRecord()); err != nil {
			t.Fatal(err)
		}
		if err := s.WriteLive(ctx, story.Record{History: []story.Turn{}}); err != nil {
			t.Fatal(err)
		}
		got, err := s.ReadLive(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.History) != 0 {
			t.Errorf("expected empty history after overwrite, got %d turns", len(got.History))
		}
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		dir := t.TempDir()
		s := NewFileStore(dir)
		for i := 0; i < 3; i++ {
			if err := s.WriteLive(ctx, testRecord()); err != nil {
				t.Fatal(err)
			}
		}
		entries, err := os.ReadDir(filepath.Join(dir, "live"))
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 || entries[0].Name() != "current.json" {
			names := make([]string, len(entries))
			for i, e := range entries {
				names[i] = e.Name()
			}
			t.Errorf("expected only current.json, got %v", names)
		}
	})

	t.Run("nil history is persisted as an empty list", func(t *testing.T) {
		s := NewFileStore(t.TempDir())
		if err := s.WriteLive(ctx, story.Record{}); err != nil {
			t.Fatal(err)
		}
		got, err := s.ReadLive(ctx)
		if err != nil {
			t.Fatalf("expected valid empty record, got %v", err)
		}
		if got.History == nil {
			t.Error("expected non-nil history")
		}
	})
}

func TestFileStore_Archives(t *testing.T) {
	ctx := context.Background()

	t.Run("archives get unique chronological names", func(t *testing.T) {
		s := NewFileStore(t.TempDir())

		var names []string
		for i := 0; i < 3; i++ {
			name, err := s.Archive(ctx, testRecord())
			if err != nil {
				t.Fatalf("archive %d: %v", i, err)
			}
			if !strings.HasPrefix(name, "session_") || !strings.HasSuffix(name, ".json") {
				t.Errorf("unexpected archive name %q", name)
			}
			names = append(names, name)
		}

		seen := map[string]bool{}
		for _, n := range names {
			if seen[n] {
				t.Fatalf("duplicate archive name %q", n)
			}
			seen[n] = true
		}
		if !sort.StringsAreSorted(names) {
			t.Errorf("archive names not chronological: %v", names)
		}

		listed, err := s.ListArchives(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(listed) != 3 {
			t.Fatalf("expected 3 listed archives, got %v", listed)
		}
	})

	t.Run("archive round-trip", func(t *testing.T) {
		s := NewFileStore(t.TempDir())
		want := testRecord()

		name, err := s.Archive(ctx, want)
		if err != nil {
			t.Fatal(err)
		}
		got, err := s.ReadArchive(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if got.Summary != want.Summary || len(got.History) != len(want.History) {
			t.Errorf("archived record differs: %+v vs %+v", got, want)
		}
	})

	t.Run("missing archive reports not found", func(t *testing.T) {
		s := NewFileStore(t.TempDir())
		if _, err := s.ReadArchive(ctx, "session_nope.json"); !errors.Is(err, story.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("empty store lists no archives", func(t *testing.T) {
		s := NewFileStore(t.TempDir())
		names, err := s.ListArchives(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if names == nil || len(names) != 0 {
			t.Errorf("expected empty slice, got %v", names)
		}
	})

	t.Run("listing ignores foreign files", func(t *testing.T) {
		dir := t.TempDir()
		s := NewFileStore(dir)
		if _, err := s.Archive(ctx, testRecord()); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "archive", "notes.txt"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}

		names, err := s.ListArchives(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(names) != 1 {
			t.Errorf("expected foreign file ignored, got %v", names)
		}
	})

	t.Run("rejects path traversal in archive names", func(t *testing.T) {
		s := NewFileStore(t.TempDir())
		var invalid *story.InvalidRecordError
		if _, err := s.ReadArchive(ctx, "../live/current.json"); !errors.As(err, &invalid) {
			t.Errorf("expected InvalidRecordError, got %v", err)
		}
	})
}

func TestFileStore_CorruptRecords(t *testing.T) {
	ctx := context.Background()

	writeLiveRaw := func(t *testing.T, dir, content string) *FileStore {
		t.Helper()
		liveDir := filepath.Join(dir, "live")
		if err := os.MkdirAll(liveDir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(liveDir, "current.json"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return NewFileStore(dir)
	}

	t.Run("truncated JSON", func(t *testing.T) {
		s := writeLiveRaw(t, t.TempDir(), `{"systemPrompt": "x", "history": [`)
		var invalid *story.InvalidRecordError
		if _, err := s.ReadLive(ctx); !errors.As(err, &invalid) {
			t.Errorf("expected InvalidRecordError, got %v", err)
		}
	})

	t.Run("missing history field", func(t *testing.T) {
		s := writeLiveRaw(t, t.TempDir(), `{"systemPrompt": "x", "summary": ""}`)
		var invalid *story.InvalidRecordError
		if _, err := s.ReadLive(ctx); !errors.As(err, &invalid) {
			t.Errorf("expected InvalidRecordError, got %v", err)
		}
	})

	t.Run("unknown role", func(t *testing.T) {
		s := writeLiveRaw(t, t.TempDir(),
			`{"systemPrompt": "x", "history": [{"role": "wizard", "content": "hi"}], "summary": ""}`)
		var invalid *story.InvalidRecordError
		if _, err := s.ReadLive(ctx); !errors.As(err, &invalid) {
			t.Errorf("expected InvalidRecordError, got %v", err)
		}
	})

	t.Run("null system prompt is tolerated", func(t *testing.T) {
		s := writeLiveRaw(t, t.TempDir(),
			`{"systemPrompt": null, "history": [], "summary": "s"}`)
		got, err := s.ReadLive(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.SystemPrompt != "" || got.Summary != "s" {
			t.Errorf("unexpected record %+v", got)
		}
	})
}
