// Command livepanel runs the real-time voice backend of the case preparation
// panel: it captures the microphone, streams it to a realtime voice service
// and plays the answer back, controlled over a small HTTP surface.
//
// Usage:
//
//	livepanel -config config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrWong99/livepanel/internal/app"
	"github.com/MrWong99/livepanel/internal/config"
	"github.com/MrWong99/livepanel/internal/observe"
	"github.com/MrWong99/livepanel/pkg/audio"
	"github.com/MrWong99/livepanel/pkg/audio/device"
	"github.com/MrWong99/livepanel/pkg/provider/live"
	"github.com/MrWong99/livepanel/pkg/provider/live/gemini"
	"github.com/MrWong99/livepanel/pkg/provider/live/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch", config.DefaultWatchInterval, "config file polling interval; 0 disables hot reload")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livepanel: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livepanel: %v\n", err)
		}
		return 1
	}
	full := cfg.WithDefaults()

	levelVar := new(slog.LevelVar)
	levelVar.Set(full.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(levelVar))

	slog.Info("livepanel starting",
		"version", version,
		"config", *configPath,
		"listen_addr", full.Server.ListenAddr,
		"log_level", full.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Transports ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTransports(reg)

	transports, err := buildTransports(full.Transport, reg)
	if err != nil {
		slog.Error("failed to build transports", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────
	speaker, err := device.OpenSpeaker(audio.Mono(full.Audio.OutputRate), full.Audio.SpeakerBuffer)
	if err != nil {
		slog.Error("failed to open speaker", "err", err)
		return 1
	}
	mic := device.NewMicrophone(device.WithBlockBuffer(full.Audio.MicBuffer))

	opts := []app.Option{
		app.WithLevelVar(levelVar),
		app.WithGatherer(promReg),
		app.WithCloser(speaker.Close),
	}
	if *watchInterval > 0 {
		opts = append(opts, app.WithConfigWatch(*configPath, *watchInterval))
	}

	application, err := app.New(cfg, transports, app.Devices{Microphone: mic, Sink: speaker}, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = speaker.Close()
		return 1
	}

	printStartupSummary(full)
	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Transport registration ───────────────────────────────────────────────────

func registerBuiltinTransports(reg *config.Registry) {
	reg.RegisterTransport(gemini.Name, func(entry config.TransportEntry) (live.Transport, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if d, ok, err := optDuration(entry.Options, "keepalive"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, gemini.WithKeepalive(d))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTransport(openai.Name, func(entry config.TransportEntry) (live.Transport, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered transport", "name", name)
	}
}

// buildTransports creates the primary transport followed by the fallbacks.
func buildTransports(tc config.TransportConfig, reg *config.Registry) ([]live.Transport, error) {
	var out []live.Transport
	for _, entry := range tc.Entries() {
		t, err := reg.CreateTransport(entry)
		if err != nil {
			return nil, err
		}
		slog.Info("transport created", "name", entry.Name, "model", entry.Model)
		out = append(out, t)
	}
	return out, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        livepanel: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", summarise(cfg.Transport.Name, cfg.Transport.Model))
	for i, fb := range cfg.Transport.Fallbacks {
		printRow(fmt.Sprintf("Fallback %d", i+1), summarise(fb.Name, fb.Model))
	}
	printRow("Voice", orDefault(cfg.Live.Voice))
	printRow("Input", fmt.Sprintf("%d Hz / %d", cfg.Audio.InputRate, cfg.Audio.BlockSize))
	printRow("Output", fmt.Sprintf("%d Hz", cfg.Audio.OutputRate))
	printRow("Reconnect", fmt.Sprintf("%t", cfg.Reconnect.Enabled))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func summarise(name, model string) string {
	if model == "" {
		return name
	}
	return name + " / " + model
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration extracts a duration from a transport Options map. Strings are
// parsed with [time.ParseDuration] and integers are taken as seconds. ok is
// false when the key is absent.
func optDuration(opts map[string]any, key string) (d time.Duration, ok bool, err error) {
	v, present := opts[key]
	if !present {
		return 0, false, nil
	}
	switch x := v.(type) {
	case string:
		d, err = time.ParseDuration(x)
		if err != nil {
			return 0, false, fmt.Errorf("option %q: %w", key, err)
		}
		return d, true, nil
	case int:
		return time.Duration(x) * time.Second, true, nil
	default:
		return 0, false, fmt.Errorf("option %q: unsupported type %T", key, v)
	}
}
