package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked. Everything else
// is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LiveChanged is true when instructions, voice or transcription changed.
	// The new values apply to the next session.
	LiveChanged bool
	NewLive     LiveConfig

	// RestartRequired lists the top-level sections that changed in ways
	// the running process cannot apply.
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.LiveChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Live.Instructions != new.Live.Instructions ||
		old.Live.Voice != new.Live.Voice ||
		old.Live.Transcription != new.Live.Transcription {
		d.LiveChanged = true
		d.NewLive = new.Live
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !transportEqual(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Reconnect != new.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}

	return d
}

func transportEqual(a, b TransportConfig) bool {
	if a.Breaker != b.Breaker || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	ae, be := a.Entries(), b.Entries()
	for i := range ae {
		if !entryEqual(ae[i], be[i]) {
			return false
		}
	}
	return true
}

func entryEqual(a, b TransportEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		maps.EqualFunc(a.Options, b.Options, reflect.DeepEqual)
}
