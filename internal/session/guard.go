package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/taleforge/taleforge/internal/observe"
	"github.com/taleforge/taleforge/internal/story"
)

// Guard wraps a [story.Store] and makes live-record writes non-fatal. If the
// underlying store fails a WriteLive, the error is logged and swallowed and
// the guard is marked degraded — gameplay must never stall because the disk
// or database hiccupped between turns.
//
// Everything except WriteLive delegates unchanged: explicit saves, loads, and
// archive listings report their real errors so the player knows a requested
// operation did not happen.
//
// Guard implements [story.Store]. All methods are safe for concurrent use.
type Guard struct {
	store    story.Store
	metrics  *observe.Metrics
	degraded atomic.Bool
}

// NewGuard creates a [Guard] wrapping the given store. metrics may be nil.
func NewGuard(store story.Store, metrics *observe.Metrics) *Guard {
	return &Guard{store: store, metrics: metrics}
}

// WriteLive attempts the write and swallows any failure. On failure the guard
// is marked degraded; on success the flag is cleared.
func (g *Guard) WriteLive(ctx context.Context, rec story.Record) error {
	err := g.store.WriteLive(ctx, rec)
	if err != nil {
		g.degraded.Store(true)
		g.metrics.RecordPersistenceError(ctx)
		slog.Warn("session guard: live write failed, swallowing error",
			"turns", len(rec.History),
			"error", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// ReadLive delegates to the underlying store.
func (g *Guard) ReadLive(ctx context.Context) (story.Record, error) {
	return g.store.ReadLive(ctx)
}

// Archive delegates to the underlying store.
func (g *Guard) Archive(ctx context.Context, rec story.Record) (string, error) {
	return g.store.Archive(ctx, rec)
}

// ReadArchive delegates to the underlying store.
func (g *Guard) ReadArchive(ctx context.Context, name string) (story.Record, error) {
	return g.store.ReadArchive(ctx, name)
}

// ListArchives delegates to the underlying store.
func (g *Guard) ListArchives(ctx context.Context) ([]string, error) {
	return g.store.ListArchives(ctx)
}

// IsDegraded reports whether the most recent live write failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

// Compile-time check that Guard satisfies story.Store.
var _ story.Store = (*Guard)(nil)
