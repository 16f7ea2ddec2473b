package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/dispatch"
	"github.com/MrWong99/earshot/internal/ingest"
)

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	if cfg.Providers.Audio.Name != "discord" {
		t.Errorf("audio provider: got %q", cfg.Providers.Audio.Name)
	}
	if cfg.Providers.VAD.Name != "energy" {
		t.Errorf("vad provider: got %q", cfg.Providers.VAD.Name)
	}
	if cfg.Dispatch.Timeout != dispatch.DefaultTimeout {
		t.Errorf("dispatch timeout: got %s", cfg.Dispatch.Timeout)
	}
	if cfg.Server.TraceSampleRatio != 1 {
		t.Errorf("trace sample ratio: got %v", cfg.Server.TraceSampleRatio)
	}

	got := cfg.Detection.IngestConfig()
	want := ingest.DefaultConfig()
	if got != want {
		t.Errorf("IngestConfig after defaults:\n got %+v\nwant %+v", got, want)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("default ingest config invalid: %v", err)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Detection: config.DetectionConfig{
		SilenceDuration:   300 * time.Millisecond,
		MinBufferedChunks: 2,
	}}
	config.ApplyDefaults(cfg)

	ic := cfg.Detection.IngestConfig()
	if ic.Detection.SilenceDuration != 300*time.Millisecond {
		t.Errorf("silence duration: got %s", ic.Detection.SilenceDuration)
	}
	if ic.Detection.MinBufferedChunks != 2 {
		t.Errorf("min buffered chunks: got %d", ic.Detection.MinBufferedChunks)
	}
	if ic.Detection.Activation != 0.5 {
		t.Errorf("activation default: got %v", ic.Detection.Activation)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "invalid log level",
			yaml: "server:\n  log_level: bananas\n",
			want: "server.log_level",
		},
		{
			name: "tls without key",
			yaml: "server:\n  tls:\n    cert_file: cert.pem\n",
			want: "server.tls",
		},
		{
			name: "sample ratio above one",
			yaml: "server:\n  trace_sample_ratio: 2\n",
			want: "server.trace_sample_ratio",
		},
		{
			name: "activation out of range",
			yaml: "detection:\n  activation_threshold: 1.5\n",
			want: "detection.activation_threshold",
		},
		{
			name: "deactivation above activation",
			yaml: "detection:\n  activation_threshold: 0.4\n  deactivation_threshold: 0.6\n",
			want: "must not exceed",
		},
		{
			name: "negative silence duration",
			yaml: "detection:\n  silence_duration: -1s\n",
			want: "detection.silence_duration",
		},
		{
			name: "negative chunk count",
			yaml: "detection:\n  min_buffered_chunks: -3\n",
			want: "detection.min_buffered_chunks",
		},
		{
			name: "classifier frame larger than buffered audio",
			yaml: "detection:\n  min_buffered_chunks: 3\n  classifier_frame_samples: 1024\n",
			want: "exceeds the 960 samples",
		},
		{
			name: "negative dispatch timeout",
			yaml: "dispatch:\n  timeout: -5s\n",
			want: "dispatch.timeout",
		},
		{
			name: "fallback without name",
			yaml: "providers:\n  stt:\n    name: deepgram\n  stt_fallbacks:\n    - model: base\n",
			want: "stt_fallbacks[0].name",
		},
		{
			name: "fallback without primary",
			yaml: "providers:\n  stt_fallbacks:\n    - name: whisper\n",
			want: "requires providers.stt",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_ClassifierFrameFitsBuffer(t *testing.T) {
	t.Parallel()
	// Four 20 ms chunks hold 1280 speech samples, enough for a 1280 frame.
	yaml := "detection:\n  min_buffered_chunks: 4\n  classifier_frame_samples: 1280\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
detection:
  activation_threshold: 2
  classifier_frame_samples: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "activation_threshold", "classifier_frame_samples"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderNameIsWarningOnly(t *testing.T) {
	t.Parallel()
	yaml := "providers:\n  stt:\n    name: my-custom-stt\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider names should only warn, got: %v", err)
	}
}
