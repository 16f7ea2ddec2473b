package anyllm

import (
	"slices"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/earshot/pkg/provider/llm"
)

func TestNames(t *testing.T) {
	if !slices.IsSorted(Names) {
		t.Errorf("Names not sorted: %v", Names)
	}
	for _, want := range []string{"openai", "anthropic", "ollama"} {
		if !slices.Contains(Names, want) {
			t.Errorf("Names missing %q", want)
		}
	}
}

func TestNew(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "openai with key", cfg: Config{Backend: "openai", Model: "gpt-4o-mini", APIKey: "sk-test"}},
		{name: "backend is case insensitive", cfg: Config{Backend: "OpenAI", Model: "gpt-4o-mini", APIKey: "sk-test"}},
		{name: "ollama ignores key", cfg: Config{Backend: "ollama", Model: "llama3", APIKey: "unused"}},
		{name: "unknown backend", cfg: Config{Backend: "fakecloud", Model: "m"}, wantErr: "unsupported backend"},
		{name: "empty backend", cfg: Config{Model: "m"}, wantErr: "unsupported backend"},
		{name: "missing model", cfg: Config{Backend: "openai", APIKey: "sk-test"}, wantErr: "model"},
		{name: "openai without key", cfg: Config{Backend: "openai", Model: "gpt-4o-mini"}, wantErr: "create openai backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.model != tt.cfg.Model || p.name != strings.ToLower(tt.cfg.Backend) {
				t.Errorf("provider = %s/%s", p.name, p.model)
			}
		})
	}
}

func TestParams(t *testing.T) {
	t.Parallel()

	p := &Provider{name: "openai", model: "gpt-4o-mini"}
	params := p.params(llm.CompletionRequest{
		SystemPrompt: "Summarise the meeting as bullet points.",
		Messages: []llm.Message{
			{Role: "user", Content: "[12:00] Ada: we ship on friday", Name: "ada"},
		},
		Temperature: 0.2,
		MaxTokens:   400,
	})

	if params.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %+v", params.Messages)
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if m := params.Messages[1]; m.Role != "user" || m.Name != "ada" || m.ContentString() != "[12:00] Ada: we ship on friday" {
		t.Errorf("user message = %+v", m)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 400 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
}

func TestParams_DefaultsOmitted(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3"}
	params := p.params(llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "x"}}})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("zero temperature and max tokens must be left to the backend")
	}
	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want 1 without a system prompt", len(params.Messages))
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()

	n, err := (&Provider{}).CountTokens([]llm.Message{
		{Role: "user", Content: "abcdefgh"},
		{Role: "assistant"},
	})
	if err != nil || n != 10 {
		t.Errorf("CountTokens = %d, %v, want 10", n, err)
	}
}
