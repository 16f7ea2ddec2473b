// Package utterance owns the speech segments produced by the activity
// detector. An [Utterance] collects raw audio while a speaker is speaking and
// is finalized exactly once; finalizing packages the audio as a 16 kHz mono
// WAV container and hands it to the dispatch boundary. The [Aggregator]
// keeps at most one open Utterance per speaker.
package utterance

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/activity"
	"github.com/MrWong99/earshot/internal/dispatch"
	"github.com/MrWong99/earshot/pkg/audio"
)

// Dispatcher is the part of [dispatch.Dispatcher] an utterance needs.
type Dispatcher interface {
	Started(ctx context.Context, u dispatch.Utterance)
	Go(ctx context.Context, p dispatch.Payload)
}

var _ Dispatcher = (*dispatch.Dispatcher)(nil)

// Utterance is one contiguous speech segment. It moves from collecting to
// finalized exactly once.
//
// Utterance is safe for concurrent use.
type Utterance struct {
	info dispatch.Utterance
	disp Dispatcher
	now  func() time.Time

	mu        sync.Mutex
	chunks    [][]byte
	finalized bool
}

// New returns a collecting Utterance that will be delivered through disp.
func New(info dispatch.Utterance, disp Dispatcher) *Utterance {
	return &Utterance{info: info, disp: disp, now: time.Now}
}

// Info returns the identity of the utterance.
func (u *Utterance) Info() dispatch.Utterance { return u.info }

// AddAudioData appends a raw 48 kHz stereo chunk. Chunks arriving after
// finalize are ignored and AddAudioData reports false.
func (u *Utterance) AddAudioData(chunk []byte) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.finalized {
		return false
	}
	u.chunks = append(u.chunks, chunk)
	return true
}

// Len returns the number of collected chunks.
func (u *Utterance) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.chunks)
}

// Finalized reports whether Finalize has run.
func (u *Utterance) Finalized() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.finalized
}

// Finalize seals the utterance and dispatches it. Only the first call has an
// effect and reports true. An utterance without chunks is dispatched as an
// explicit empty payload without resampling.
func (u *Utterance) Finalize(ctx context.Context, reason activity.Reason) bool {
	u.mu.Lock()
	if u.finalized {
		u.mu.Unlock()
		return false
	}
	u.finalized = true
	chunks := u.chunks
	u.chunks = nil
	u.mu.Unlock()

	p := dispatch.Payload{
		Utterance:   u.info,
		FinalizedAt: u.now(),
		Reason:      reason.String(),
	}
	if len(chunks) > 0 {
		p.WAV = Package(audio.Concat(chunks))
	}
	u.disp.Go(ctx, p)
	return true
}

// Package converts raw 48 kHz stereo PCM into a 16 kHz mono WAV container.
func Package(pcm []byte) []byte {
	mono := audio.Downsample48kStereoTo16kMono(pcm)
	return audio.EncodeWAV(mono, audio.SpeechFormat.SampleRate, audio.SpeechFormat.Channels)
}
