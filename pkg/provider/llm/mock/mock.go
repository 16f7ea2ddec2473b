// Package mock is a scriptable llm.Provider for summary and fallback tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider answers Complete with CompleteFunc when set, otherwise with
// CompleteResponse and CompleteErr. A zero Provider returns a nil response
// and no error.
type Provider struct {
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error
	CompleteFunc     func(req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// TokenCount overrides llm.EstimateTokens when positive.
	TokenCount     int
	CountTokensErr error

	mu            sync.Mutex
	CompleteCalls []CompleteCall
}

// Reply returns a Provider that always completes with content.
func Reply(content string) *Provider {
	return &Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	switch {
	case p.CountTokensErr != nil:
		return 0, p.CountTokensErr
	case p.TokenCount > 0:
		return p.TokenCount, nil
	default:
		return llm.EstimateTokens(messages), nil
	}
}

// Calls returns a snapshot of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.CompleteCalls...)
}
