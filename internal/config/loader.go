package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidTransportNames lists the transports shipped with livepanel.
// Used by [Validate] to warn about unrecognised names.
var ValidTransportNames = []string{"gemini-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transport
	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	}
	seen := make(map[string]int, 1+len(cfg.Transport.Fallbacks))
	for i, e := range cfg.Transport.Entries() {
		prefix := "transport"
		if i > 0 {
			prefix = fmt.Sprintf("transport.fallbacks[%d]", i-1)
		}
		if e.Name == "" {
			if i > 0 {
				errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			}
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of entry %d", prefix, e.Name, prev))
		}
		seen[e.Name] = i
		validateTransportName(prefix, e.Name)
		if e.APIKey == "" {
			slog.Warn("transport has no api_key; the service will likely reject the session", "entry", prefix, "name", e.Name)
		}
	}
	b := cfg.Transport.Breaker
	if b.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("transport.breaker.max_failures %d must not be negative", b.MaxFailures))
	}
	if b.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.breaker.reset_timeout %s must not be negative", b.ResetTimeout))
	}
	if b.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("transport.breaker.half_open_max %d must not be negative", b.HalfOpenMax))
	}

	// Audio
	a := cfg.Audio
	if a.InputRate < 0 || (a.InputRate > 0 && a.InputRate < 8000) {
		errs = append(errs, fmt.Errorf("audio.input_rate %d is out of range; want >= 8000", a.InputRate))
	}
	if a.OutputRate < 0 || (a.OutputRate > 0 && a.OutputRate < 8000) {
		errs = append(errs, fmt.Errorf("audio.output_rate %d is out of range; want >= 8000", a.OutputRate))
	}
	if a.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must not be negative", a.BlockSize))
	}
	if a.SpeakerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.speaker_buffer %s must not be negative", a.SpeakerBuffer))
	}
	if a.MicBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.mic_buffer %d must not be negative", a.MicBuffer))
	}

	// Reconnect
	r := cfg.Reconnect
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries %d must not be negative", r.MaxRetries))
	}
	if r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("reconnect backoff durations must not be negative"))
	}
	if r.Backoff > 0 && r.MaxBackoff > 0 && r.MaxBackoff < r.Backoff {
		errs = append(errs, fmt.Errorf("reconnect.max_backoff %s is shorter than reconnect.backoff %s", r.MaxBackoff, r.Backoff))
	}

	return errors.Join(errs...)
}

// validateTransportName logs a warning if name is not one of
// [ValidTransportNames].
func validateTransportName(entry, name string) {
	if slices.Contains(ValidTransportNames, name) {
		return
	}
	slog.Warn("unknown transport name; may be a typo or third-party transport",
		"entry", entry,
		"name", name,
		"known", ValidTransportNames,
	)
}
