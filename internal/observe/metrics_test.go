package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
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

// sumWhere returns the value of the data point of counter name whose
// attribute key equals value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_InstrumentKinds(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// Touch every instrument once so it shows up in the collection.
	m.RecordFrameSent(ctx, "gemini-live")
	m.RecordFrameDropped(ctx, "codec")
	m.RecordScheduled(ctx, 0.12)
	m.RecordInterruption(ctx)
	m.SessionStartDuration.Record(ctx, 0.4)
	m.RecordSessionOutcome(ctx, "opened")
	m.ActiveSessions.Add(ctx, 1)
	m.RecordTransportError(ctx, "gemini-live", "open")
	m.RecordBreakerTransition(ctx, "gemini-live", "open")
	m.HTTPRequestDuration.Record(ctx, 0.003)

	rm := collect(t, reader)
	tests := []struct {
		name string
		kind string
		unit string
	}{
		{"livepanel.frames.sent", "counter", ""},
		{"livepanel.frames.received", "counter", ""},
		{"livepanel.frames.dropped", "counter", ""},
		{"livepanel.playback.interruptions", "counter", ""},
		{"livepanel.playback.lead", "histogram", "s"},
		{"livepanel.session.start.duration", "histogram", "s"},
		{"livepanel.sessions", "counter", ""},
		{"livepanel.active_sessions", "updown", ""},
		{"livepanel.transport.errors", "counter", ""},
		{"livepanel.breaker.transitions", "counter", ""},
		{"livepanel.http.request.duration", "histogram", "s"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatal("not collected")
			}
			if met.Unit != tc.unit {
				t.Errorf("unit = %q, want %q", met.Unit, tc.unit)
			}
			var kind string
			switch d := met.Data.(type) {
			case metricdata.Histogram[float64]:
				kind = "histogram"
			case metricdata.Sum[int64]:
				kind = "updown"
				if d.IsMonotonic {
					kind = "counter"
				}
			}
			if kind != tc.kind {
				t.Errorf("kind = %q, want %q", kind, tc.kind)
			}
		})
	}
}

func TestPlaybackLeadBuckets(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordScheduled(context.Background(), 0.07)

	met := findMetric(collect(t, reader), "livepanel.playback.lead")
	dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
	if len(dp.Bounds) != len(latencyBuckets) {
		t.Fatalf("bounds = %v, want %v", dp.Bounds, latencyBuckets)
	}
	// 0.07 s lands in (0.05, 0.1].
	if dp.BucketCounts[3] != 1 {
		t.Errorf("bucket counts = %v, want the 0.1 bucket hit", dp.BucketCounts)
	}
}

func TestPipelineCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameSent(ctx, "gemini-live")
	m.RecordFrameSent(ctx, "gemini-live")
	m.RecordFrameDropped(ctx, "codec")
	m.RecordScheduled(ctx, 0.2)
	m.RecordScheduled(ctx, 0.3)
	m.RecordScheduled(ctx, 0.4)
	m.RecordInterruption(ctx)

	rm := collect(t, reader)

	if got := sumWhere(t, rm, "livepanel.frames.sent", "transport", "gemini-live"); got != 2 {
		t.Errorf("frames.sent = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "livepanel.frames.dropped", "reason", "codec"); got != 1 {
		t.Errorf("frames.dropped = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "livepanel.frames.received", "", ""); got != 3 {
		t.Errorf("frames.received = %d, want 3", got)
	}
	if got := sumWhere(t, rm, "livepanel.playback.interruptions", "", ""); got != 1 {
		t.Errorf("interruptions = %d, want 1", got)
	}

	lead := findMetric(rm, "livepanel.playback.lead")
	if lead == nil {
		t.Fatal("playback.lead not found")
	}
	if hist := lead.Data.(metricdata.Histogram[float64]); hist.DataPoints[0].Count != 3 {
		t.Errorf("playback.lead count = %d, want 3", hist.DataPoints[0].Count)
	}
}

func TestSessionAndErrorCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionOutcome(ctx, "opened")
	m.RecordSessionOutcome(ctx, "error")
	m.RecordSessionOutcome(ctx, "opened")
	m.RecordTransportError(ctx, "openai-realtime", "dial")
	m.RecordBreakerTransition(ctx, "gemini-live", "open")
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)

	if got := sumWhere(t, rm, "livepanel.sessions", "outcome", "opened"); got != 2 {
		t.Errorf("sessions{opened} = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "livepanel.transport.errors", "op", "dial"); got != 1 {
		t.Errorf("transport.errors = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "livepanel.breaker.transitions", "state", "open"); got != 1 {
		t.Errorf("breaker.transitions = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "livepanel.active_sessions", "", ""); got != 1 {
		t.Errorf("active_sessions = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if a, b := DefaultMetrics(), DefaultMetrics(); a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
