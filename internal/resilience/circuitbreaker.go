// Package resilience keeps earshot transcribing when a speech-to-text or LLM
// backend misbehaves.
//
// Every backend gets a [CircuitBreaker]. A [FallbackGroup] tries backends in
// registration order, skipping those whose breaker is open, and records one
// provider request metric per attempt. [STTFallback] and [LLMFallback] adapt
// groups to the provider interfaces.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call without running it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since it opened.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax trial calls through at a time.
	// HalfOpenMax successful trials close the breaker; one failed trial
	// re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax caps concurrent trials and is the number of successful
	// trials needed to close again. Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Errors
	// it rejects behave like successes. Nil counts every non-nil error.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker is a three-state breaker. It is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	trials    int
	successes int
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero-value config
// fields are replaced with their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker rejects the call, and returns fn's error
// unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn()
	cb.release(trial, err)
	return err
}

// acquire admits one call. trial reports whether it runs as a half-open trial.
func (cb *CircuitBreaker) acquire() (trial bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.state = StateHalfOpen
		cb.trials = 0
		cb.successes = 0
	}
	switch {
	case cb.state == StateOpen:
		err = ErrCircuitOpen
	case cb.state == StateHalfOpen && cb.trials >= cb.cfg.HalfOpenMax:
		err = ErrCircuitOpen
	case cb.state == StateHalfOpen:
		cb.trials++
		trial = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.changed(from, to)
	return trial, err
}

func (cb *CircuitBreaker) release(trial bool, err error) {
	failed := err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err))

	cb.mu.Lock()
	from := cb.state
	switch {
	case trial && cb.state == StateHalfOpen:
		cb.trials--
		if failed {
			cb.open()
			break
		}
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
		}
	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.open()
		}
	case cb.state == StateClosed:
		cb.failures = 0
	}
	to := cb.state
	failures := cb.failures
	cb.mu.Unlock()

	if from != to && to == StateOpen {
		slog.Warn("resilience: breaker opened", "name", cb.cfg.Name, "consecutive_failures", failures, "err", err)
	}
	cb.changed(from, to)
}

// open must be called with cb.mu held.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.trials = 0
	cb.successes = 0
}

func (cb *CircuitBreaker) changed(from, to State) {
	if from == to {
		return
	}
	slog.Info("resilience: breaker state changed", "name", cb.cfg.Name, "from", from, "to", to)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.trials = 0
	cb.successes = 0
	cb.mu.Unlock()
	cb.changed(from, StateClosed)
}
