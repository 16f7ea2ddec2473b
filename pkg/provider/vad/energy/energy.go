// Package energy provides an in-process VAD engine that scores frames by
// their RMS energy. It needs no model and no network, which makes it the
// default classifier and the fallback for the Silero engine.
package energy

import (
	"context"
	"math"

	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// DefaultReference is the RMS level (normalised amplitude) at which a frame
// scores full confidence. 0.05 is roughly -26 dBFS, a quiet speaking voice.
const DefaultReference = 0.05

var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithReference sets the RMS level that maps to confidence 1.0. Non-positive
// values are ignored.
func WithReference(ref float64) Option {
	return func(e *Engine) {
		if ref > 0 {
			e.reference = ref
		}
	}
}

// WithNoiseFloor sets the RMS level that maps to confidence 0.0. Frames at or
// below the floor never score. Defaults to 0.
func WithNoiseFloor(floor float64) Option {
	return func(e *Engine) {
		if floor >= 0 {
			e.floor = floor
		}
	}
}

// Engine is a stateless energy classifier.
type Engine struct {
	reference float64
	floor     float64
}

// New returns an Engine with the given options applied.
func New(opts ...Option) *Engine {
	e := &Engine{reference: DefaultReference}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{engine: e, frameSamples: cfg.FrameSamples}, nil
}

// Score maps the RMS of frame linearly from [floor, reference] onto [0, 1].
func (e *Engine) Score(frame []float32) float64 {
	r := RMS(frame)
	if r <= e.floor {
		return 0
	}
	span := e.reference - e.floor
	if span <= 0 {
		return 1
	}
	return math.Min(1, (r-e.floor)/span)
}

// RMS returns the root-mean-square amplitude of frame.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

type session struct {
	engine       *Engine
	frameSamples int
}

func (s *session) Confidence(ctx context.Context, frame []float32) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := vad.CheckFrame(frame, s.frameSamples); err != nil {
		return 0, err
	}
	return s.engine.Score(frame), nil
}

func (s *session) Close() error { return nil }
