// Package mock provides test doubles for the stt package interfaces.
//
// Provider returns a scripted sequence of transcripts and records every
// request it received.
//
// Example:
//
//	p := &mock.Provider{Results: []mock.Result{{Transcript: stt.Transcript{Text: "hi"}}}}
//	tr, _ := p.Transcribe(ctx, stt.Request{Audio: wav})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Result is one scripted Transcribe outcome.
type Result struct {
	Transcript stt.Transcript
	Err        error
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results is consumed one entry per call. Once exhausted the last entry
	// repeats; an empty script returns a zero Transcript.
	Results []Result

	// TranscribeFunc, if set, takes precedence over Results.
	TranscribeFunc func(ctx context.Context, req stt.Request) (stt.Transcript, error)

	// Requests records every request in order.
	Requests []stt.Request

	next int
}

// Transcribe records req and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	fn := p.TranscribeFunc
	var res Result
	if fn == nil && len(p.Results) > 0 {
		res = p.Results[min(p.next, len(p.Results)-1)]
		p.next++
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return res.Transcript, res.Err
}

// CallCount returns the number of Transcribe calls so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// Calls returns a copy of the recorded requests. Thread-safe.
func (p *Provider) Calls() []stt.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.Request(nil), p.Requests...)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
