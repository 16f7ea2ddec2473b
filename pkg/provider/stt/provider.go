// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider turns one finalized utterance, a canonical 16 kHz mono WAV
// container, into text. Utterances are already segmented by the activity
// detector upstream, so every backend is used in batch mode: one request per
// utterance, one [Transcript] per request. Streaming backends (e.g., Deepgram
// live) open a connection per request and close it after the final result.
//
// Implementations must be safe for concurrent use; one request per active
// speaker may be in flight at the same time.
package stt

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoSpeech is returned when the backend found no words in the audio.
var ErrNoSpeech = errors.New("stt: no speech detected")

// Request is a single transcription job.
type Request struct {
	// Audio is a canonical 16-bit PCM WAV container.
	Audio []byte

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider use its default or auto-detect.
	Language string

	// Keywords are vocabulary hints that increase recognition probability for
	// uncommon words such as names. Providers without support ignore them.
	Keywords []KeywordBoost
}

// Transcript is the recognition result for one request.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available (Deepgram).
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// Language is the detected or requested language, when reported.
	Language string

	// Duration is the length of the submitted audio, when reported.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a keyword to boost in STT recognition.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Kubernetes").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe recognises the speech in req.Audio. It returns [ErrNoSpeech]
	// (possibly wrapped) when the audio holds no recognisable words.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}

// noSpeechMarkers are texts some backends return instead of an empty result.
var noSpeechMarkers = []string{
	"no speech detected",
	"[blank_audio]",
}

// IsNoSpeech reports whether text carries no usable speech. Empty text and the
// placeholders some backends emit for silence, such as "No speech detected"
// with or without a trailing period, count as no speech.
func IsNoSpeech(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimSuffix(t, ".")
	if t == "" {
		return true
	}
	for _, m := range noSpeechMarkers {
		if t == m {
			return true
		}
	}
	return false
}
