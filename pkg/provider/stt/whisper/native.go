// The in-process provider links against the whisper.cpp static library
// (libwhisper.a). Its headers and archive must be reachable through
// C_INCLUDE_PATH and LIBRARY_PATH at build time.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider runs whisper.cpp in-process. The model is loaded once and
// shared; every transcription gets its own inference context.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	inflight *semaphore.Weighted
}

// NativeOption configures a [NativeProvider].
type NativeOption func(*nativeOptions)

type nativeOptions struct {
	language    string
	concurrency int64
}

// WithNativeLanguage sets the fallback language for requests that carry
// none. "auto" lets a multilingual model detect it. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(o *nativeOptions) { o.language = lang }
}

// WithNativeConcurrency bounds concurrent inferences. An inference context
// holds several hundred MB, so the default is 2.
func WithNativeConcurrency(n int) NativeOption {
	return func(o *nativeOptions) {
		if n > 0 {
			o.concurrency = int64(n)
		}
	}
}

// NewNative loads the model at modelPath. Call Close when done.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	o := nativeOptions{language: defaultLanguage, concurrency: 2}
	for _, opt := range opts {
		opt(&o)
	}

	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	if !model.IsMultilingual() && o.language != defaultLanguage {
		slog.Warn("whisper: model is English-only, ignoring configured language",
			"model", modelPath, "language", o.language)
		o.language = defaultLanguage
	}
	return &NativeProvider{
		model:    model,
		language: o.language,
		inflight: semaphore.NewWeighted(o.concurrency),
	}, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// Transcribe waits for a free inference slot, then runs the model over
// req.Audio. Keywords are passed as the initial prompt so names are spelled
// the way the guild spells them.
func (p *NativeProvider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	pcm, format, err := audio.DecodeWAV(req.Audio)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}
	if format != audio.SpeechFormat {
		return stt.Transcript{}, fmt.Errorf("whisper: unsupported audio format %s, want %s", format, audio.SpeechFormat)
	}

	if err := p.inflight.Acquire(ctx, 1); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: wait for inference slot: %w", err)
	}
	defer p.inflight.Release(1)

	job := inference{
		samples:  audio.PCMToFloat32(pcm),
		language: p.resolveLanguage(req.Language),
		prompt:   keywordPrompt(req.Keywords),
	}
	tr, err := job.run(p.model)
	if err != nil {
		return stt.Transcript{}, err
	}
	if stt.IsNoSpeech(tr.Text) {
		return stt.Transcript{}, stt.ErrNoSpeech
	}
	tr.Duration = format.Duration(len(pcm))
	return tr, nil
}

// resolveLanguage prefers the request's language. English-only models
// always get "en".
func (p *NativeProvider) resolveLanguage(tag string) string {
	if tag == "" {
		return p.language
	}
	if !p.model.IsMultilingual() {
		return defaultLanguage
	}
	return primarySubtag(tag)
}

type inference struct {
	samples  []float32
	language string
	prompt   string
}

// run uses a fresh context per call; contexts are not safe for concurrent
// use but the model is.
func (j inference) run(model whisperlib.Model) (stt.Transcript, error) {
	wctx, err := model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(j.language); err != nil {
		slog.Warn("whisper: unsupported language, using model default", "language", j.language, "err", err)
	}
	if j.prompt != "" {
		wctx.SetInitialPrompt(j.prompt)
	}
	if err := wctx.Process(j.samples, nil, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		parts  []string
		spoken time.Duration
	)
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		spoken += seg.End - seg.Start
	}
	slog.Debug("whisper: inference done", "segments", len(parts), "spoken", spoken, "language", j.language)
	return stt.Transcript{Text: strings.Join(parts, " "), Language: j.language}, nil
}
