package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const upstreamTrace = "4bf92f3577b34da6a3ce929d0e0e4736"

// surface is an instrumented mux shaped like the control surface.
type surface struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	// seen is the correlation id observed inside the last handled request.
	seen string
}

func newSurface(t *testing.T) *surface {
	t.Helper()
	m, reader := newTestMetrics(t)
	s := &surface{reader: reader, spans: installTracer(t)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /live/start", func(w http.ResponseWriter, r *http.Request) {
		s.seen = CorrelationID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /live/status", func(w http.ResponseWriter, r *http.Request) {
		s.seen = CorrelationID(r.Context())
	})
	mux.HandleFunc("POST /live/stop", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	s.handler = Middleware(m)(mux)
	return s
}

func (s *surface) do(method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

// durations returns request counts keyed by the path attribute.
func (s *surface) durations(t *testing.T) map[string]uint64 {
	t.Helper()
	met := findMetric(collect(t, s.reader), "livepanel.http.request.duration")
	if met == nil {
		t.Fatal("request duration histogram missing")
	}
	out := map[string]uint64{}
	for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
		p, _ := dp.Attributes.Value("path")
		out[p.AsString()] += dp.Count
	}
	return out
}

func TestMiddleware_CorrelationID(t *testing.T) {
	tests := []struct {
		name string
		hdr  map[string]string
		want string // empty means any fresh id
	}{
		{"fresh trace", nil, ""},
		{"continues traceparent", map[string]string{"traceparent": "00-" + upstreamTrace + "-00f067aa0ba902b7-01"}, upstreamTrace},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newSurface(t)
			rec := s.do("GET", "/live/status", tc.hdr)

			if !hexTraceID.MatchString(s.seen) {
				t.Fatalf("handler saw correlation id %q", s.seen)
			}
			if tc.want != "" && s.seen != tc.want {
				t.Errorf("correlation id = %q, want %q", s.seen, tc.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != s.seen {
				t.Errorf("X-Correlation-ID = %q, want %q", got, s.seen)
			}
			if rec.Header().Get("traceparent") == "" {
				t.Error("traceparent not injected into the response")
			}
		})
	}
}

func TestMiddleware_SpanPerRoute(t *testing.T) {
	s := newSurface(t)
	s.do("POST", "/live/start", nil)
	s.do("POST", "/live/stop", nil)
	s.do("GET", "/nowhere", nil)

	spans := s.spans.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	want := []struct {
		name   string
		status int64
	}{
		{"POST /live/start", http.StatusAccepted},
		{"POST /live/stop", http.StatusInternalServerError},
		{"HTTP GET", http.StatusNotFound},
	}
	for i, w := range want {
		if spans[i].Name != w.name {
			t.Errorf("span %d name = %q, want %q", i, spans[i].Name, w.name)
		}
		var status int64
		for _, a := range spans[i].Attributes {
			if a.Key == "http.response.status_code" {
				status = a.Value.AsInt64()
			}
		}
		if status != w.status {
			t.Errorf("span %d status = %d, want %d", i, status, w.status)
		}
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	s := newSurface(t)
	s.do("GET", "/live/status", nil)
	s.do("GET", "/live/status", nil)
	s.do("POST", "/live/start", nil)
	for _, p := range []string{"/a", "/b", "/c"} {
		s.do("GET", p, nil)
	}

	got := s.durations(t)
	want := map[string]uint64{
		"GET /live/status": 2,
		"POST /live/start": 1,
		unmatchedRoute:     3,
	}
	if len(got) != len(want) {
		t.Fatalf("series = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s count = %d, want %d", k, got[k], v)
		}
	}
}
