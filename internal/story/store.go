package story

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested live or archive record does not
// exist. A missing live slot is an expected condition on first run, not a
// failure.
var ErrNotFound = errors.New("session record not found")

// InvalidRecordError reports a structurally corrupt persisted record — one
// that parses as JSON but is missing required fields or carries unknown roles.
// Loading such a record aborts without touching in-memory state.
type InvalidRecordError struct {
	// Name is the record's identity (archive name or "live").
	Name string

	// Reason describes what is malformed.
	Reason string
}

// Error implements the error interface.
func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid session record %q: %s", e.Name, e.Reason)
}

// Store persists session records across two durability tiers: a mutable live
// slot and append-only archives.
//
// WriteLive must be atomic from a reader's perspective — a concurrent or
// post-crash ReadLive never observes a half-written record.
type Store interface {
	// WriteLive overwrites the live slot with rec.
	WriteLive(ctx context.Context, rec Record) error

	// ReadLive returns the current live record, or [ErrNotFound] if the live
	// slot has never been written.
	ReadLive(ctx context.Context) (Record, error)

	// Archive writes rec as a new, uniquely named archive record and returns
	// its name. Archive names sort chronologically.
	Archive(ctx context.Context, rec Record) (string, error)

	// ReadArchive returns the archive record with the given name.
	// Returns [ErrNotFound] if no such archive exists, or an
	// [*InvalidRecordError] if the record is corrupt.
	ReadArchive(ctx context.Context, name string) (Record, error)

	// ListArchives returns all archive names sorted ascending (oldest first).
	// A store with no archives returns an empty slice, not an error.
	ListArchives(ctx context.Context) ([]string, error)
}

// ValidateRecord checks the structural invariants every persisted record must
// satisfy. name is used in the error for diagnostics.
func ValidateRecord(name string, rec Record) error {
	if rec.History == nil {
		return &InvalidRecordError{Name: name, Reason: "missing history field"}
	}
	for i, t := range rec.History {
		if !t.Role.IsValid() {
			return &InvalidRecordError{
				Name:   name,
				Reason: fmt.Sprintf("history[%d] has unknown role %q", i, t.Role),
			}
		}
	}
	return nil
}
