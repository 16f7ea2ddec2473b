// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving earshot's meeting summaries one code path for every hosted or local
// chat model that library speaks to.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/earshot/pkg/provider/llm"
)

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

func wrap[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return fn(opts...) }
}

var backends = map[string]constructor{
	"anthropic": wrap(anthropic.New),
	"deepseek":  wrap(deepseek.New),
	"gemini":    wrap(gemini.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
	"mistral":   wrap(mistral.New),
	"ollama":    wrap(ollama.New),
	"openai":    wrap(anyllmoai.New),
}

// local backends are self-hosted servers that take no API key.
var local = map[string]bool{"ollama": true, "llamacpp": true, "llamafile": true}

// Names lists the backends accepted by [New], sorted.
var Names = slices.Sorted(maps.Keys(backends))

// Config selects and authenticates a backend.
type Config struct {
	// Backend is one of [Names].
	Backend string

	// Model is the backend's model identifier, e.g. "gpt-4o-mini".
	Model string

	// APIKey overrides the backend's API key environment variable. It is
	// ignored for local backends.
	APIKey string

	// BaseURL points the backend at a proxy or self-hosted server.
	BaseURL string
}

var _ llm.Provider = (*Provider)(nil)

// Provider is an [llm.Provider] backed by any-llm-go.
type Provider struct {
	name    string
	model   string
	backend anyllmlib.Provider
}

// New creates a Provider for cfg.Backend.
func New(cfg Config) (*Provider, error) {
	name := strings.ToLower(cfg.Backend)
	newBackend, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s", cfg.Backend, strings.Join(Names, ", "))
	}
	if cfg.Model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" && !local[name] {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	backend, err := newBackend(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{name: name, model: cfg.Model, backend: backend}, nil
}

// Complete sends req and returns the first choice with surrounding
// whitespace trimmed.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm %s: completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm %s: response has no choices", p.name)
	}

	out := &llm.CompletionResponse{Content: strings.TrimSpace(resp.Choices[0].Message.ContentString())}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// CountTokens uses [llm.EstimateTokens]; any-llm-go exposes no tokenizer.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params
}
