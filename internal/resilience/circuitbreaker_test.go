package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("backend down")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fail() error { return errTest }
func ok() error   { return nil }

// trip drives a closed breaker open.
func trip(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for range n {
		_ = cb.Execute(fail)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state after %d failures = %v, want open", n, cb.State())
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "whisper"})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 1 {
		t.Errorf("defaults = %+v", cb.cfg)
	}
	if cb.Name() != "whisper" || cb.State() != StateClosed {
		t.Errorf("name=%q state=%v", cb.Name(), cb.State())
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var changes []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "deepgram",
		MaxFailures:  3,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  2,
		Now:          clock.Now,
		OnStateChange: func(name string, from, to State) {
			changes = append(changes, name+":"+from.String()+">"+to.String())
		},
	})

	// Two failures then a success keep it closed.
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(ok)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}

	trip(t, cb, 3)

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker: err=%v called=%v", err, called)
	}

	clock.Advance(10 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after reset timeout = %v, want half-open", cb.State())
	}

	// First trial call succeeds; one more is needed to close.
	if err := cb.Execute(ok); err != nil {
		t.Fatalf("trial 1: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after 1 trial = %v, want half-open", cb.State())
	}
	if err := cb.Execute(ok); err != nil {
		t.Fatalf("trial 2: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after 2 trials = %v, want closed", cb.State())
	}

	want := []string{
		"deepgram:closed>open",
		"deepgram:open>half-open",
		"deepgram:half-open>closed",
	}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %q, want %q", i, changes[i], want[i])
		}
	}
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, Now: clock.Now})
	trip(t, cb, 1)

	clock.Advance(time.Second)
	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("trial err = %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	// The reset timeout restarts from the failed trial.
	clock.Advance(500 * time.Millisecond)
	if err := cb.Execute(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_HalfOpenLimitsConcurrentTrials(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, Now: clock.Now})
	trip(t, cb, 1)
	clock.Advance(time.Second)

	inTrial := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(inTrial)
			<-release
			return nil
		})
	}()
	<-inTrial

	if err := cb.Execute(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second trial err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_IsFailure(t *testing.T) {
	t.Parallel()

	benign := errors.New("no speech")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 2,
		IsFailure:   func(err error) bool { return !errors.Is(err, benign) },
	})
	for range 10 {
		if err := cb.Execute(func() error { return benign }); !errors.Is(err, benign) {
			t.Fatalf("err = %v, want the callback's error", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}

	// A benign error also clears the failure streak.
	_ = cb.Execute(fail)
	_ = cb.Execute(func() error { return benign })
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	trip(t, cb, 1)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(ok); err != nil {
		t.Errorf("after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
