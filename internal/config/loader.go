package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/earshot/internal/dispatch"
	"github.com/MrWong99/earshot/internal/ingest"
)

// chunkSpeechSamples is the number of 16 kHz mono samples in one 20 ms
// voice chunk once downsampled.
const chunkSpeechSamples = 320

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":   {"deepgram", "whisper", "whisper-native", "openai"},
	"vad":   {"energy", "silero"},
	"audio": {"discord"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.TraceSampleRatio == 0 {
		cfg.Server.TraceSampleRatio = 1
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = "discord"
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}

	def := ingest.DefaultConfig()
	d := &cfg.Detection
	if d.ActivationThreshold == 0 {
		d.ActivationThreshold = def.Detection.Activation
	}
	if d.DeactivationThreshold == 0 {
		d.DeactivationThreshold = def.Detection.Deactivation
	}
	if d.SilenceDuration == 0 {
		d.SilenceDuration = def.Detection.SilenceDuration
	}
	if d.InactivityTimeout == 0 {
		d.InactivityTimeout = def.Detection.InactivityTimeout
	}
	if d.WatchdogInterval == 0 {
		d.WatchdogInterval = def.WatchdogInterval
	}
	if d.MinBufferedChunks == 0 {
		d.MinBufferedChunks = def.Detection.MinBufferedChunks
	}
	if d.ClassifierFrameSamples == 0 {
		d.ClassifierFrameSamples = def.Detection.FrameSamples
	}
	if d.TrailingSilenceClose == 0 {
		d.TrailingSilenceClose = def.TrailingSilence
	}

	if cfg.Dispatch.Timeout == 0 {
		cfg.Dispatch.Timeout = dispatch.DefaultTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range (0, 1]", r))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("audio", cfg.Providers.Audio.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	if cfg.Providers.STT.Name == "" && len(cfg.Providers.STTFallbacks) > 0 {
		errs = append(errs, errors.New("providers.stt_fallbacks requires providers.stt"))
	}

	// Detection
	d := cfg.Detection
	if d.ActivationThreshold < 0 || d.ActivationThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.activation_threshold %.2f is out of range [0, 1]", d.ActivationThreshold))
	}
	if d.DeactivationThreshold < 0 || d.DeactivationThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.deactivation_threshold %.2f is out of range [0, 1]", d.DeactivationThreshold))
	}
	if d.DeactivationThreshold > d.ActivationThreshold {
		errs = append(errs, fmt.Errorf("detection.deactivation_threshold %.2f must not exceed activation_threshold %.2f", d.DeactivationThreshold, d.ActivationThreshold))
	}
	durations := []struct {
		name string
		v    time.Duration
	}{
		{"silence_duration", d.SilenceDuration},
		{"inactivity_timeout", d.InactivityTimeout},
		{"watchdog_interval", d.WatchdogInterval},
		{"trailing_silence_close", d.TrailingSilenceClose},
	}
	for _, dur := range durations {
		if dur.v <= 0 {
			errs = append(errs, fmt.Errorf("detection.%s must be positive, got %s", dur.name, dur.v))
		}
	}
	if d.MinBufferedChunks < 1 {
		errs = append(errs, fmt.Errorf("detection.min_buffered_chunks must be at least 1, got %d", d.MinBufferedChunks))
	}
	if d.ClassifierFrameSamples < 1 {
		errs = append(errs, fmt.Errorf("detection.classifier_frame_samples must be at least 1, got %d", d.ClassifierFrameSamples))
	}
	if d.MinBufferedChunks >= 1 && d.ClassifierFrameSamples > d.MinBufferedChunks*chunkSpeechSamples {
		errs = append(errs, fmt.Errorf("detection.classifier_frame_samples (%d) exceeds the %d samples buffered by min_buffered_chunks=%d",
			d.ClassifierFrameSamples, d.MinBufferedChunks*chunkSpeechSamples, d.MinBufferedChunks))
	}

	if cfg.Dispatch.Timeout < 0 {
		errs = append(errs, errors.New("dispatch.timeout must not be negative"))
	}

	// Availability warnings
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; utterances will be segmented but not transcribed")
	}
	if cfg.Meetings.Summary && cfg.Providers.LLM.Name == "" {
		slog.Warn("meetings.summary is enabled but providers.llm is not configured; summaries are disabled")
	}
	if cfg.Transcripts.PostgresDSN != "" && cfg.Transcripts.FilePath != "" {
		slog.Warn("both transcripts.postgres_dsn and transcripts.file_path are set; using PostgreSQL")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
