// Package mock provides a recording test double for [dispatch.Sink].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/internal/dispatch"
)

// Sink is a mock implementation of [dispatch.Sink] and
// [dispatch.StartObserver]. It is safe for concurrent use.
type Sink struct {
	mu sync.Mutex

	// Err is returned by every OnUtteranceFinalized call.
	Err error

	// Hook, if set, runs inside OnUtteranceFinalized before the call is
	// recorded. Use it to block or panic.
	Hook func(ctx context.Context, p dispatch.Payload)

	// Started records every OnUtteranceStarted call in order.
	Started []dispatch.Utterance

	// Finalized records every OnUtteranceFinalized call in order.
	Finalized []dispatch.Payload

	notify chan struct{}
}

// OnUtteranceStarted records u.
func (s *Sink) OnUtteranceStarted(_ context.Context, u dispatch.Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Started = append(s.Started, u)
}

// OnUtteranceFinalized records p and returns Err.
func (s *Sink) OnUtteranceFinalized(ctx context.Context, p dispatch.Payload) error {
	if s.Hook != nil {
		s.Hook(ctx, p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Finalized = append(s.Finalized, p)
	if s.notify != nil {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return s.Err
}

// Notify returns a channel that receives a value after each finalize call.
func (s *Sink) Notify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify == nil {
		s.notify = make(chan struct{}, 64)
	}
	return s.notify
}

// Payloads returns a copy of the recorded finalize calls.
func (s *Sink) Payloads() []dispatch.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispatch.Payload(nil), s.Finalized...)
}

// Starts returns a copy of the recorded start calls.
func (s *Sink) Starts() []dispatch.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispatch.Utterance(nil), s.Started...)
}

var (
	_ dispatch.Sink          = (*Sink)(nil)
	_ dispatch.StartObserver = (*Sink)(nil)
)
