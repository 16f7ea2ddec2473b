// Package dispatch is the boundary between the segmentation pipeline and the
// consumers of finalized utterances.
//
// A consumer implements [Sink]. The [Dispatcher] invokes it at most once per
// utterance and converts everything that can go wrong on the consumer side
// (returned errors, panics, deadlines) into a terminal [Outcome] that is
// logged and counted but never propagated back into ingestion.
//
// Consumers that also want to know when an utterance opens implement
// [StartObserver]. For a given utterance the start notification always
// completes (or times out) before the finalize call is made.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a single consumer call.
const DefaultTimeout = 60 * time.Second

// ErrPanic wraps a value recovered from a panicking consumer.
var ErrPanic = errors.New("dispatch: consumer panicked")

// Utterance identifies one speech segment and who produced it.
type Utterance struct {
	// ID is unique per utterance.
	ID string

	SpeakerID   string
	DisplayName string

	// SessionID is the voice session (guild) the speaker is in.
	SessionID string

	// ChannelID is the voice channel of the session.
	ChannelID string

	StartedAt time.Time
}

// Payload is the finalize-time hand-off to a consumer.
type Payload struct {
	Utterance

	FinalizedAt time.Time

	// Reason is the path that finalized the utterance: "hysteresis",
	// "watchdog" or "teardown".
	Reason string

	// WAV is a canonical 16 kHz mono WAV container, or nil for an empty
	// utterance.
	WAV []byte
}

// Empty reports whether no audio was collected for the utterance.
func (p Payload) Empty() bool { return len(p.WAV) == 0 }

// Sink consumes finalized utterances.
type Sink interface {
	// OnUtteranceFinalized is called at most once per utterance. An empty
	// payload is an explicit signal, not an error.
	OnUtteranceFinalized(ctx context.Context, p Payload) error
}

// StartObserver is implemented by sinks that track open utterances.
type StartObserver interface {
	OnUtteranceStarted(ctx context.Context, u Utterance)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, p Payload) error

// OnUtteranceFinalized calls f.
func (f SinkFunc) OnUtteranceFinalized(ctx context.Context, p Payload) error { return f(ctx, p) }

// Outcome is the terminal result of delivering one utterance.
type Outcome int

const (
	// OutcomeDelivered means the consumer accepted a non-empty utterance.
	OutcomeDelivered Outcome = iota

	// OutcomeEmpty means the consumer acknowledged an empty utterance.
	OutcomeEmpty

	// OutcomeFailed means the consumer returned an error or panicked.
	OutcomeFailed

	// OutcomeTimedOut means the consumer did not finish within the timeout.
	OutcomeTimedOut
)

// String returns the outcome as used in logs and metric attributes.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timeout"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Option is a functional option for configuring a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds each consumer call. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithMetrics records outcomes and durations into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher isolates a [Sink] from the ingestion pipeline.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	metrics *observe.Metrics

	wg      sync.WaitGroup
	mu      sync.Mutex
	started map[string]chan struct{}
}

// New returns a Dispatcher delivering to sink.
func New(sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		timeout: DefaultTimeout,
		started: make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Started notifies the sink, if it is a [StartObserver], that u opened. The
// call runs in the background and does not inherit ctx cancellation.
func (d *Dispatcher) Started(ctx context.Context, u Utterance) {
	obs, ok := d.sink.(StartObserver)
	if !ok {
		return
	}
	done := make(chan struct{})
	d.mu.Lock()
	d.started[u.ID] = done
	d.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	d.wg.Go(func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		_ = d.call(ctx, func(ctx context.Context) error {
			obs.OnUtteranceStarted(ctx, u)
			return nil
		})
	})
}

// Go delivers p in the background. Delivery does not inherit ctx
// cancellation so that utterances finalized during teardown still reach the
// consumer. Use [Dispatcher.Wait] to drain.
func (d *Dispatcher) Go(ctx context.Context, p Payload) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Go(func() {
		d.Deliver(ctx, p)
	})
}

// Deliver invokes the sink for p and returns the terminal outcome. It never
// panics and never returns an error: failures are logged and counted.
func (d *Dispatcher) Deliver(ctx context.Context, p Payload) Outcome {
	start := time.Now()

	ctx, span := observe.StartSpan(ctx, "dispatch.utterance",
		trace.WithAttributes(
			attribute.String("utterance.id", p.ID),
			attribute.String("speaker.id", p.SpeakerID),
			attribute.String("session.id", p.SessionID),
			attribute.Bool("utterance.empty", p.Empty()),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	d.awaitStarted(ctx, p.ID)

	err := d.call(ctx, func(ctx context.Context) error {
		return d.sink.OnUtteranceFinalized(ctx, p)
	})

	outcome := classify(err, p)
	log := observe.Logger(ctx).With(
		"utterance_id", p.ID,
		"speaker_id", p.SpeakerID,
		"session_id", p.SessionID,
		"outcome", outcome.String(),
	)
	switch outcome {
	case OutcomeFailed, OutcomeTimedOut:
		observe.FailSpan(span, err)
		log.Warn("dispatch: consumer failed", "err", err)
	default:
		log.Debug("dispatch: delivered", "duration", time.Since(start))
	}
	if d.metrics != nil {
		d.metrics.RecordDispatch(ctx, outcome.String(), time.Since(start).Seconds())
	}
	return outcome
}

// Wait blocks until all background notifications and deliveries finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// awaitStarted waits for the start notification of id, if one is pending.
func (d *Dispatcher) awaitStarted(ctx context.Context, id string) {
	d.mu.Lock()
	done, ok := d.started[id]
	delete(d.started, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// call runs fn on its own goroutine so that a consumer ignoring ctx cannot
// hold the caller past the deadline. Panics are converted to [ErrPanic].
func (d *Dispatcher) call(ctx context.Context, fn func(context.Context) error) error {
	res := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				res <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		res <- fn(ctx)
	}()
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classify(err error, p Payload) Outcome {
	switch {
	case err == nil && p.Empty():
		return OutcomeEmpty
	case err == nil:
		return OutcomeDelivered
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimedOut
	default:
		return OutcomeFailed
	}
}
