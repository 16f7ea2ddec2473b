package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/earshot/internal/observe"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed or
// was skipped by its breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each backend's breaker. Name is
	// replaced with the backend name and IsFailure with the group's rule.
	CircuitBreaker CircuitBreakerConfig

	// Kind labels metrics and logs, e.g. "stt" or "llm".
	Kind string

	// Metrics records one provider request per attempt and every breaker
	// transition. Nil disables it.
	Metrics *observe.Metrics

	// IsAnswer marks errors that are a valid reply from a backend. They end
	// the attempt loop, are returned as-is and never trip a breaker.
	IsAnswer func(error) bool
}

type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// BackendStatus is a snapshot of one backend's breaker.
type BackendStatus struct {
	Name  string
	State State
}

// FallbackGroup tries a primary and then each fallback, in registration
// order, until one succeeds. It is safe for concurrent use.
type FallbackGroup[T any] struct {
	cfg FallbackConfig

	mu       sync.RWMutex
	backends []backend[T]
}

// NewFallbackGroup creates a group with primary as its first backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend after the ones already registered.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	bc.IsFailure = fg.isFailure
	if m := fg.cfg.Metrics; m != nil {
		next := bc.OnStateChange
		bc.OnStateChange = func(name string, from, to State) {
			m.RecordBreakerTransition(context.Background(), name, fg.cfg.Kind, to.String())
			if next != nil {
				next(name, from, to)
			}
		}
	}

	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.backends = append(fg.backends, backend[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

func (fg *FallbackGroup[T]) isAnswer(err error) bool {
	return fg.cfg.IsAnswer != nil && fg.cfg.IsAnswer(err)
}

// isFailure keeps answers and caller cancellation from tripping breakers.
func (fg *FallbackGroup[T]) isFailure(err error) bool {
	return !fg.isAnswer(err) && !errors.Is(err, context.Canceled)
}

func (fg *FallbackGroup[T]) snapshot() []backend[T] {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return fg.backends
}

// Status reports every backend's breaker state in order.
func (fg *FallbackGroup[T]) Status() []BackendStatus {
	backends := fg.snapshot()
	out := make([]BackendStatus, len(backends))
	for i, b := range backends {
		out[i] = BackendStatus{Name: b.name, State: b.breaker.State()}
	}
	return out
}

// Healthy reports whether at least one backend would accept a call.
func (fg *FallbackGroup[T]) Healthy() bool {
	for _, s := range fg.Status() {
		if s.State != StateOpen {
			return true
		}
	}
	return false
}

func (fg *FallbackGroup[T]) record(ctx context.Context, name, status string) {
	if fg.cfg.Metrics == nil {
		return
	}
	fg.cfg.Metrics.RecordProviderRequest(ctx, name, fg.cfg.Kind, status)
	if status == "error" {
		fg.cfg.Metrics.RecordProviderError(ctx, name, fg.cfg.Kind)
	}
}

// Execute runs fn against each backend until one succeeds or returns an
// answer. It stops early when ctx is done.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. When every backend fails the error wraps both [ErrAllFailed] and the
// last backend error.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, b := range fg.snapshot() {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var result R
		err := b.breaker.Execute(func() error {
			var err error
			result, err = fn(b.value)
			return err
		})
		switch {
		case err == nil:
			fg.record(ctx, b.name, "ok")
			return result, nil
		case fg.isAnswer(err):
			fg.record(ctx, b.name, "ok")
			return result, err
		case errors.Is(err, ErrCircuitOpen):
			fg.record(ctx, b.name, "skipped")
			slog.Debug("resilience: skipping backend with open breaker", "kind", fg.cfg.Kind, "provider", b.name)
		default:
			fg.record(ctx, b.name, "error")
			slog.Warn("resilience: backend failed, trying next", "kind", fg.cfg.Kind, "provider", b.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
