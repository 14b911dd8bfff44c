package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestMetrics_RecordHelpers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "user")
	m.RecordTurn(ctx, "assistant")
	m.RecordCompaction(ctx, "ok")
	m.RecordSummariseDuration(ctx, 1.5)
	m.RecordLLMDuration(ctx, 0.25)
	m.RecordPersistenceError(ctx)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx)

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"taleforge.session.turns", 2},
		{"taleforge.session.compactions", 1},
		{"taleforge.store.errors", 1},
		{"taleforge.session.active", 0},
	}
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			md := findMetric(rm, tc.name)
			if md == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q has unexpected data type %T", tc.name, md.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			if total != tc.want {
				t.Errorf("metric %q: expected total %d, got %d", tc.name, tc.want, total)
			}
		})
	}

	for _, name := range []string{"taleforge.llm.duration", "taleforge.summarise.duration"} {
		t.Run(name, func(t *testing.T) {
			md := findMetric(rm, name)
			if md == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := md.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q has unexpected data type %T", name, md.Data)
			}
			var count uint64
			for _, dp := range hist.DataPoints {
				count += dp.Count
			}
			if count != 1 {
				t.Errorf("metric %q: expected 1 observation, got %d", name, count)
			}
		})
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// Must not panic.
	m.RecordTurn(ctx, "user")
	m.RecordCompaction(ctx, "ok")
	m.RecordSummariseDuration(ctx, 1)
	m.RecordLLMDuration(ctx, 1)
	m.RecordPersistenceError(ctx)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx)
}
