// Package mock holds scriptable vad.Engine and vad.SessionHandle doubles.
//
//	sess := &mock.Session{Confidences: []float64{0.6, 0.6, 0.2}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine hands out Session, or a fresh zero Session when that is nil.
type Engine struct {
	Session       vad.SessionHandle
	NewSessionErr error

	mu              sync.Mutex
	NewSessionCalls []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	switch {
	case e.NewSessionErr != nil:
		return nil, e.NewSessionErr
	case e.Session != nil:
		return e.Session, nil
	default:
		return &Session{}, nil
	}
}

// Calls returns the configs NewSession was called with.
func (e *Engine) Calls() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.NewSessionCalls...)
}

// Session replays Confidences one per frame and then holds the last value.
// An empty script classifies everything as silence.
type Session struct {
	Confidences   []float64
	ConfidenceErr error
	CloseErr      error

	mu     sync.Mutex
	Frames [][]float32
	closes int
}

func (s *Session) Confidence(_ context.Context, frame []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.Frames)
	s.Frames = append(s.Frames, append([]float32(nil), frame...))
	if s.ConfidenceErr != nil {
		return 0, s.ConfidenceErr
	}
	if len(s.Confidences) == 0 {
		return 0, nil
	}
	return s.Confidences[min(n, len(s.Confidences)-1)], nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.CloseErr
}

// CallCount is the number of frames classified so far.
func (s *Session) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// Closed reports whether Close ran.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}
