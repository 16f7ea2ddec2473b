package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/earshot/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] on top of a [FallbackGroup]. The
// meeting summarizer is its only caller.
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. cfg.Kind defaults to "llm".
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// errEmptyCompletion marks a backend that answered without content. Small
// local models do this on long transcripts; the next backend gets a try.
var errEmptyCompletion = errors.New("resilience: empty completion")

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			return nil, errEmptyCompletion
		}
		return resp, nil
	})
}

// CountTokens asks the first healthy backend to count. Token counting is
// local for most backends, so it runs without a deadline.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return ExecuteWithResult(context.Background(), f.FallbackGroup, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}
