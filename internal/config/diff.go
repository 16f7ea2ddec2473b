package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked. Detection and
// dispatch changes apply to sessions started after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DetectionChanged bool
	DispatchChanged  bool

	// VocabularyChanged covers the correction vocabulary and the blocked
	// word list.
	VocabularyChanged bool

	// RestartRequired lists top-level sections whose changes need a process
	// restart (credentials, providers, stores, listen address).
	RestartRequired []string
}

// Empty reports whether nothing reloadable or restart-worthy changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DetectionChanged && !d.DispatchChanged &&
		!d.VocabularyChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.DetectionChanged = old.Detection != new.Detection
	d.DispatchChanged = old.Dispatch != new.Dispatch
	d.VocabularyChanged = !slices.Equal(old.Transcripts.Vocabulary, new.Transcripts.Vocabulary) ||
		!slices.Equal(old.Transcripts.BlockedWords, new.Transcripts.BlockedWords)

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) ||
		old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if !equalProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Transcripts.PostgresDSN != new.Transcripts.PostgresDSN ||
		old.Transcripts.FilePath != new.Transcripts.FilePath ||
		old.Transcripts.Language != new.Transcripts.Language {
		d.RestartRequired = append(d.RestartRequired, "transcripts")
	}
	if old.Meetings != new.Meetings {
		d.RestartRequired = append(d.RestartRequired, "meetings")
	}
	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalProviders(a, b ProvidersConfig) bool {
	return equalEntry(a.Audio, b.Audio) &&
		equalEntry(a.VAD, b.VAD) &&
		equalEntry(a.STT, b.STT) &&
		equalEntry(a.LLM, b.LLM) &&
		slices.EqualFunc(a.STTFallbacks, b.STTFallbacks, equalEntry)
}

func equalEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && reflect.DeepEqual(a.Options, b.Options)
}
