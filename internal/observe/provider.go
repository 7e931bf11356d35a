package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the process-wide OTel providers.
type ProviderConfig struct {
	// ServiceName defaults to "livepanel".
	ServiceName    string
	ServiceVersion string

	// Registerer receives the Prometheus bridge collector. It must be the
	// registry whose gatherer backs /metrics. Nil means the default registry.
	Registerer prometheus.Registerer

	// ExtraReaders are attached next to the Prometheus bridge, e.g. a
	// ManualReader in tests.
	ExtraReaders []sdkmetric.Reader

	// TraceExporter receives finished spans in batches. Without one, spans
	// are still created so trace ids reach logs and X-Correlation-ID.
	TraceExporter sdktrace.SpanExporter

	// TraceSampleRatio samples root spans; child spans follow their parent.
	// Zero or anything above one samples everything.
	TraceSampleRatio float64
}

// InitProvider installs a MeterProvider exporting through Prometheus and a
// TracerProvider as the global OTel providers. The returned function flushes
// and shuts both down; errors from each are joined.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "livepanel"
	}
	res, err := serviceResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	// ── Metrics ──────────────────────────────────────────────────────────
	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	bridge, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithReader(bridge)}
	for _, r := range cfg.ExtraReaders {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	// ── Traces ───────────────────────────────────────────────────────────
	tp := sdktrace.NewTracerProvider(tracerOptions(cfg, res)...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	slog.DebugContext(ctx, "telemetry initialised",
		"service", cfg.ServiceName,
		"trace_export", cfg.TraceExporter != nil,
		"metric_readers", 1+len(cfg.ExtraReaders),
	)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func serviceResource(cfg ProviderConfig) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

func tracerOptions(cfg ProviderConfig, res *resource.Resource) []sdktrace.TracerProviderOption {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if r := cfg.TraceSampleRatio; r > 0 && r < 1 {
		opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r))))
	}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return opts
}
