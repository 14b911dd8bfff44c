// Package observe provides application-wide observability primitives for
// Taleforge: OpenTelemetry metrics, tracing, and structured-logging helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a custom [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Taleforge metrics.
const meterName = "github.com/taleforge/taleforge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation. A nil *Metrics is valid and records nothing,
// so callers never need to guard instrumentation sites.
type Metrics struct {
	// LLMDuration tracks chat-completion latency for narrative turns.
	LLMDuration metric.Float64Histogram

	// SummariseDuration tracks how long each compaction's summarisation call takes.
	SummariseDuration metric.Float64Histogram

	// TurnsAppended counts turns added to the live buffer. Use with attribute:
	//   attribute.String("role", ...)
	TurnsAppended metric.Int64Counter

	// Compactions counts compaction attempts. Use with attribute:
	//   attribute.String("status", "ok"|"failed"|"skipped")
	Compactions metric.Int64Counter

	// PersistenceErrors counts swallowed live-record write failures.
	PersistenceErrors metric.Int64Counter

	// ActiveSessions tracks the number of live sessions (0 or 1 per process).
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// remote LLM round-trips.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 90,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.LLMDuration, err = m.Float64Histogram("taleforge.llm.duration",
		metric.WithDescription("Latency of narrative-turn chat completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummariseDuration, err = m.Float64Histogram("taleforge.summarise.duration",
		metric.WithDescription("Latency of compaction summarisation calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnsAppended, err = m.Int64Counter("taleforge.session.turns",
		metric.WithDescription("Turns appended to the live buffer."),
	); err != nil {
		return nil, err
	}
	if met.Compactions, err = m.Int64Counter("taleforge.session.compactions",
		metric.WithDescription("Compaction attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.PersistenceErrors, err = m.Int64Counter("taleforge.store.errors",
		metric.WithDescription("Swallowed live-record persistence failures."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("taleforge.session.active",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordTurn increments the turn counter. Safe on a nil receiver.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.TurnsAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordCompaction increments the compaction counter. Safe on a nil receiver.
func (m *Metrics) RecordCompaction(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Compactions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSummariseDuration records one summarisation latency sample.
// Safe on a nil receiver.
func (m *Metrics) RecordSummariseDuration(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.SummariseDuration.Record(ctx, seconds)
}

// RecordLLMDuration records one narrative-turn latency sample.
// Safe on a nil receiver.
func (m *Metrics) RecordLLMDuration(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.LLMDuration.Record(ctx, seconds)
}

// RecordPersistenceError increments the swallowed-write counter.
// Safe on a nil receiver.
func (m *Metrics) RecordPersistenceError(ctx context.Context) {
	if m == nil {
		return
	}
	m.PersistenceErrors.Add(ctx, 1)
}

// SessionStarted marks a session as live. Safe on a nil receiver.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded marks a session as disposed. Safe on a nil receiver.
func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
