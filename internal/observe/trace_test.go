package observe

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// installTracer makes an in-memory tracer the global provider for the test.
// Tests using it must not run in parallel.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs points the default logger at a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

var hexTraceID = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestStartSpan_SessionSpan(t *testing.T) {
	exp := installTracer(t)

	ctx, span := StartSpan(context.Background(), "live.start", SessionAttrs("3f1c", "openai-realtime"))
	if cid := CorrelationID(ctx); !hexTraceID.MatchString(cid) {
		t.Errorf("CorrelationID = %q, want 32 hex chars", cid)
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "live.start" {
		t.Fatalf("spans = %v, want one live.start", spans)
	}
	attrs := map[string]string{}
	for _, a := range spans[0].Attributes {
		attrs[string(a.Key)] = a.Value.AsString()
	}
	if attrs["livepanel.session.id"] != "3f1c" || attrs["livepanel.transport"] != "openai-realtime" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestStartSpan_ChildSharesTrace(t *testing.T) {
	installTracer(t)

	root, rs := StartSpan(context.Background(), "HTTP POST")
	defer rs.End()
	child, cs := StartSpan(root, "live.start")
	defer cs.End()

	if CorrelationID(root) != CorrelationID(child) {
		t.Errorf("child trace %q differs from root %q", CorrelationID(child), CorrelationID(root))
	}
}

func TestCorrelationID_WithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestLogger(t *testing.T) {
	installTracer(t)

	tests := []struct {
		name     string
		withSpan bool
	}{
		{"inside a span", true},
		{"without a span", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx := context.Background()
			if tc.withSpan {
				var span trace.Span
				ctx, span = StartSpan(ctx, "live.start")
				defer span.End()
			}

			Logger(ctx).Info("session opened")

			out := buf.String()
			hasIDs := strings.Contains(out, "trace_id=") && strings.Contains(out, "span_id=")
			if hasIDs != tc.withSpan {
				t.Errorf("ids present = %t, want %t; log: %s", hasIDs, tc.withSpan, out)
			}
			if tc.withSpan && !strings.Contains(out, "trace_id="+CorrelationID(ctx)) {
				t.Errorf("log trace_id does not match the span: %s", out)
			}
		})
	}
}
