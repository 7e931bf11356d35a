// Package observe holds the panel's observability plumbing: OpenTelemetry
// metrics and traces, trace-aware slog loggers and the HTTP middleware that
// ties them together.
//
// Instruments are created through the OTel metrics API and scraped through
// the Prometheus bridge set up by [InitProvider]. Components fall back to
// [DefaultMetrics]; tests build their own with [NewMetrics] on a private
// provider.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/livepanel"

// Metrics groups every instrument the panel records. Attribute keys are
// noted per field.
type Metrics struct {
	// ── Audio pipeline ──

	FramesSent     metric.Int64Counter // transport
	FramesReceived metric.Int64Counter
	FramesDropped  metric.Int64Counter // reason
	Interruptions  metric.Int64Counter

	// PlaybackLead is the scheduled start time minus the output clock, i.e.
	// how much audio was queued when a frame arrived.
	PlaybackLead metric.Float64Histogram

	// ── Session lifecycle ──

	// SessionStartDuration spans start() to the transport's acknowledgment.
	SessionStartDuration metric.Float64Histogram
	Sessions             metric.Int64Counter       // outcome: opened, closed, error
	ActiveSessions       metric.Int64UpDownCounter // 0 or 1

	// ── Failures ──

	TransportErrors    metric.Int64Counter // transport, op
	BreakerTransitions metric.Int64Counter // breaker, state

	// ── HTTP ──

	HTTPRequestDuration metric.Float64Histogram // method, path
}

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// builder creates instruments on one meter and collects their errors.
type builder struct {
	m    metric.Meter
	errs []error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *builder) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.m.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{m: mp.Meter(meterName)}
	met := &Metrics{
		FramesSent:     b.counter("livepanel.frames.sent", "Audio frames handed to the transport."),
		FramesReceived: b.counter("livepanel.frames.received", "Inbound audio frames scheduled for playback."),
		FramesDropped:  b.counter("livepanel.frames.dropped", "Audio frames discarded, by reason."),
		Interruptions:  b.counter("livepanel.playback.interruptions", "Server-issued playback interruptions."),
		PlaybackLead: b.seconds("livepanel.playback.lead",
			"Scheduled start time minus output clock at scheduling.", latencyBuckets),

		SessionStartDuration: b.seconds("livepanel.session.start.duration",
			"Latency from session start to transport acknowledgment.", latencyBuckets),
		Sessions:       b.counter("livepanel.sessions", "Session outcomes: opened, closed, error."),
		ActiveSessions: b.upDown("livepanel.active_sessions", "Number of sessions that are not idle."),

		TransportErrors:    b.counter("livepanel.transport.errors", "Transport failures by transport and operation."),
		BreakerTransitions: b.counter("livepanel.breaker.transitions", "Circuit breaker state changes by breaker and new state."),

		HTTPRequestDuration: b.seconds("livepanel.http.request.duration", "HTTP request latency by method and route.", nil),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] on the global meter
// provider, created on first use. It panics if creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// ── Recording helpers ────────────────────────────────────────────────────────

func (m *Metrics) RecordFrameSent(ctx context.Context, transport string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.RecordFramesDropped(ctx, reason, 1)
}

// RecordFramesDropped counts n frames discarded for reason.
func (m *Metrics) RecordFramesDropped(ctx context.Context, reason string, n int64) {
	m.FramesDropped.Add(ctx, n, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordScheduled counts one inbound frame queued lead seconds ahead of the
// output clock.
func (m *Metrics) RecordScheduled(ctx context.Context, lead float64) {
	m.FramesReceived.Add(ctx, 1)
	m.PlaybackLead.Record(ctx, lead)
}

func (m *Metrics) RecordInterruption(ctx context.Context) {
	m.Interruptions.Add(ctx, 1)
}

func (m *Metrics) RecordSessionOutcome(ctx context.Context, outcome string) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordTransportError(ctx context.Context, transport, op string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("op", op),
	))
}

// RecordBreakerTransition counts a breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("state", state),
	))
}
