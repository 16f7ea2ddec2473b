// Package vad defines the Engine interface for frame classifiers.
//
// A VAD engine maps a fixed-size window of mono floating-point samples to a
// speech confidence in [0, 1]. It is surfaced as a per-stream session so that
// backends with internal state (recurrent models, smoothing history) can keep
// it isolated per speaker, while stateless backends simply hand out cheap
// sessions.
//
// Decisions about when speech starts and ends are not made here: the
// hysteresis policy lives in the consumer (internal/activity).
//
// Engines must be safe for concurrent use across different sessions. A single
// SessionHandle is only ever used by one goroutine at a time.
package vad

import (
	"context"
	"errors"
	"fmt"
)

// ErrFrameSize is returned by [SessionHandle.Confidence] when the frame does
// not contain exactly Config.FrameSamples samples.
var ErrFrameSize = errors.New("vad: unexpected frame size")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the sample rate in Hz of the frames passed to Confidence.
	// Typical: 16000.
	SampleRate int

	// FrameSamples is the fixed number of mono samples per frame. Typical: 1024.
	FrameSamples int
}

// Validate reports whether cfg is usable.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", cfg.SampleRate))
	}
	if cfg.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame samples must be positive, got %d", cfg.FrameSamples))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active classifier session for one audio stream.
type SessionHandle interface {
	// Confidence returns the speech confidence for frame, in [0, 1]. Samples are
	// normalised to [-1, 1). The frame must hold exactly FrameSamples samples.
	Confidence(ctx context.Context, frame []float32) (float64, error)

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a classifier session. An error here means detection
	// cannot run for the stream that asked for it.
	NewSession(cfg Config) (SessionHandle, error)
}

// CheckFrame returns an [ErrFrameSize] error when frame does not hold want
// samples.
func CheckFrame(frame []float32, want int) error {
	if len(frame) != want {
		return fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(frame), want)
	}
	return nil
}
