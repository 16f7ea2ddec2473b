package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FanOut delivers to every sink concurrently. A failing or panicking sink
// does not stop the others; their errors are joined.
type FanOut []Sink

var (
	_ Sink          = FanOut(nil)
	_ StartObserver = FanOut(nil)
)

// OnUtteranceFinalized implements [Sink].
func (f FanOut) OnUtteranceFinalized(ctx context.Context, p Payload) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for i, s := range f {
		g.Go(func() error {
			if err := guard(func() error { return s.OnUtteranceFinalized(ctx, p) }); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// OnUtteranceStarted implements [StartObserver] for the sinks that support it.
func (f FanOut) OnUtteranceStarted(ctx context.Context, u Utterance) {
	var g errgroup.Group
	for _, s := range f {
		obs, ok := s.(StartObserver)
		if !ok {
			continue
		}
		g.Go(func() error {
			return guard(func() error {
				obs.OnUtteranceStarted(ctx, u)
				return nil
			})
		})
	}
	_ = g.Wait()
}

// guard runs fn on the calling goroutine and turns a panic into ErrPanic.
// Sink goroutines spawned here are outside the dispatcher's own recover.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}
