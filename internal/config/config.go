// Package config provides the configuration schema, loader, watcher and
// transport registry for the livepanel voice backend.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the livepanel server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown or empty levels map
// to [slog.LevelInfo].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [Config.WithDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultInputRate     = 16000
	DefaultOutputRate    = 24000
	DefaultBlockSize     = 4096
	DefaultSpeakerBuffer = 100 * time.Millisecond
)

// Config is the root configuration structure for livepanel.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Live      LiveConfig      `yaml:"live"`
	Audio     AudioConfig     `yaml:"audio"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ServerConfig holds network and logging settings for the HTTP control
// surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Changes are applied on hot reload.
	LogLevel LogLevel `yaml:"log_level"`
}

// TransportConfig selects the primary realtime voice service and the
// services tried after it when it cannot be opened.
type TransportConfig struct {
	TransportEntry `yaml:",inline"`

	// Fallbacks are tried in order after the primary fails or its breaker
	// is open.
	Fallbacks []TransportEntry `yaml:"fallbacks"`

	// Breaker tunes the circuit breaker placed in front of every entry.
	Breaker BreakerConfig `yaml:"breaker"`
}

// Entries returns the primary followed by every fallback.
func (t TransportConfig) Entries() []TransportEntry {
	out := make([]TransportEntry, 0, 1+len(t.Fallbacks))
	out = append(out, t.TransportEntry)
	return append(out, t.Fallbacks...)
}

// TransportEntry configures one realtime voice service. Name is used to look
// up the constructor in the [Registry].
type TransportEntry struct {
	// Name selects the registered transport (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the service.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service's WebSocket endpoint. Leave empty to use
	// the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the service.
	Model string `yaml:"model"`

	// Options holds transport-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// BreakerConfig mirrors the tunable parts of the resilience circuit breaker.
// Zero values select the breaker's defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// LiveConfig is the per-session configuration sent to the voice service.
// Changes take effect at the next session start.
type LiveConfig struct {
	// Instructions is the system prompt for the voice model.
	Instructions string `yaml:"instructions"`

	// Voice is the service-specific voice name.
	Voice string `yaml:"voice"`

	// Transcription requests input and output transcripts.
	Transcription bool `yaml:"transcription"`

	// Autostart opens a session as soon as the process is up.
	Autostart bool `yaml:"autostart"`
}

// AudioConfig configures the host audio endpoints.
type AudioConfig struct {
	// InputRate is the microphone capture rate in Hz.
	InputRate int `yaml:"input_rate"`

	// BlockSize is the number of samples per captured block.
	BlockSize int `yaml:"block_size"`

	// OutputRate is the speaker rate in Hz. Inbound audio at other rates is
	// resampled by the output timeline.
	OutputRate int `yaml:"output_rate"`

	// SpeakerBuffer is the device buffer size requested from the driver.
	SpeakerBuffer time.Duration `yaml:"speaker_buffer"`

	// MicBuffer is the number of captured blocks held while the pipe is
	// busy. Zero selects the device default.
	MicBuffer int `yaml:"mic_buffer"`
}

// ReconnectConfig configures restarting the session after it ends with an
// error. Zero values select the reconnector's defaults.
type ReconnectConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// WithDefaults returns a copy of c with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Audio.InputRate == 0 {
		c.Audio.InputRate = DefaultInputRate
	}
	if c.Audio.OutputRate == 0 {
		c.Audio.OutputRate = DefaultOutputRate
	}
	if c.Audio.BlockSize == 0 {
		c.Audio.BlockSize = DefaultBlockSize
	}
	if c.Audio.SpeakerBuffer == 0 {
		c.Audio.SpeakerBuffer = DefaultSpeakerBuffer
	}
	return c
}
