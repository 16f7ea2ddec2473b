package discord

import (
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

var _ audio.Subscription = (*subscription)(nil)

// subscription is a per-user frame stream. It ends itself once no frame has
// been pushed for the trailing-silence window.
type subscription struct {
	frames chan audio.AudioFrame

	mu      sync.Mutex
	ended   bool
	err     error
	timer   *time.Timer
	silence time.Duration

	// onEnd runs once after the frame channel has been closed.
	onEnd func(*subscription)
}

func newSubscription(trailingSilence time.Duration, onEnd func(*subscription)) *subscription {
	s := &subscription{
		frames:  make(chan audio.AudioFrame, subscriptionBuffer),
		silence: trailingSilence,
		onEnd:   onEnd,
	}
	if trailingSilence > 0 {
		s.timer = time.AfterFunc(trailingSilence, func() { s.end(nil) })
	}
	return s
}

func (s *subscription) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.end(nil)
	return nil
}

// push delivers f without blocking. Frames are dropped when the consumer has
// fallen a full buffer behind.
func (s *subscription) push(f audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.timer != nil {
		s.timer.Reset(s.silence)
	}
	select {
	case s.frames <- f:
	default:
	}
}

func (s *subscription) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.frames)
	s.mu.Unlock()

	if s.onEnd != nil {
		s.onEnd(s)
	}
}
