package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] on top of a [FallbackGroup].
//
// [stt.ErrNoSpeech] is an answer: it is returned straight away, does not move
// on to the next backend and does not count against the breaker.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend. cfg.Kind defaults to "stt".
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	cfg.IsAnswer = func(err error) bool { return errors.Is(err, stt.ErrNoSpeech) }
	return &STTFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Transcribe sends req to the first healthy backend.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, req)
	})
}
