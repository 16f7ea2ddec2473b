// Package activity implements the per-speaker activity detector: a buffered
// frame classifier front end and a dual-threshold hysteresis state machine
// that decides when a speaker starts and stops speaking.
//
// The state machine is expressed as a tagged [State] value with pure
// transition methods ([State.Observe], [State.Stall]) that take the current
// time explicitly, so every transition can be tested without timers.
// [Detector] wires the state machine to a classifier session and a
// [Segmenter] that owns the utterance being collected.
package activity

import (
	"errors"
	"fmt"
	"time"
)

// Phase is the tag of an activity [State].
type Phase int

const (
	// NotSpeaking is the idle phase. It is the zero value.
	NotSpeaking Phase = iota

	// Speaking means an utterance is open for the speaker.
	Speaking
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case NotSpeaking:
		return "NOT_SPEAKING"
	case Speaking:
		return "SPEAKING"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Transition is the edge taken by a state update.
type Transition int

const (
	// Stay means the phase did not change.
	Stay Transition = iota

	// Start is NotSpeaking → Speaking.
	Start

	// End is Speaking → NotSpeaking.
	End
)

// String returns the transition name.
func (t Transition) String() string {
	switch t {
	case Stay:
		return "stay"
	case Start:
		return "start"
	case End:
		return "end"
	default:
		return fmt.Sprintf("Transition(%d)", int(t))
	}
}

// Reason records which path finalized an utterance.
type Reason int

const (
	// ReasonHysteresis is a confidence-and-silence driven end.
	ReasonHysteresis Reason = iota

	// ReasonWatchdog is a forced end after the frame source stalled.
	ReasonWatchdog

	// ReasonTeardown is an end caused by the stream or session going away.
	ReasonTeardown
)

// String returns the reason as used in logs and metric attributes.
func (r Reason) String() string {
	switch r {
	case ReasonHysteresis:
		return "hysteresis"
	case ReasonWatchdog:
		return "watchdog"
	case ReasonTeardown:
		return "teardown"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Thresholds is the hysteresis policy.
type Thresholds struct {
	// Activation is the minimum confidence that enters Speaking.
	Activation float64

	// Deactivation is the minimum confidence that keeps Speaking alive and
	// refreshes the last-speech timestamp.
	Deactivation float64

	// SilenceDuration is how long confidence must stay below Deactivation
	// before Speaking ends.
	SilenceDuration time.Duration

	// InactivityTimeout is how long after the last qualifying frame the
	// watchdog forces Speaking to end.
	InactivityTimeout time.Duration
}

// Validate reports whether t is a usable policy.
func (t Thresholds) Validate() error {
	var errs []error
	if t.Activation < 0 || t.Activation > 1 {
		errs = append(errs, fmt.Errorf("activity: activation threshold %v outside [0,1]", t.Activation))
	}
	if t.Deactivation < 0 || t.Deactivation > 1 {
		errs = append(errs, fmt.Errorf("activity: deactivation threshold %v outside [0,1]", t.Deactivation))
	}
	if t.Deactivation > t.Activation {
		errs = append(errs, fmt.Errorf("activity: deactivation threshold %v exceeds activation threshold %v", t.Deactivation, t.Activation))
	}
	if t.SilenceDuration <= 0 {
		errs = append(errs, fmt.Errorf("activity: silence duration must be positive, got %v", t.SilenceDuration))
	}
	if t.InactivityTimeout <= 0 {
		errs = append(errs, fmt.Errorf("activity: inactivity timeout must be positive, got %v", t.InactivityTimeout))
	}
	return errors.Join(errs...)
}

// State is the per-speaker hysteresis state. Only the current phase and the
// time of the last qualifying frame are kept; there is no history.
type State struct {
	Phase Phase

	// LastSpeech is the time of the most recent frame that entered or kept
	// Speaking. It is meaningful only while Phase is Speaking.
	LastSpeech time.Time
}

// Speaking reports whether the state is in the Speaking phase.
func (s State) Speaking() bool { return s.Phase == Speaking }

// Observe applies one classifier confidence at time now.
//
//   - NotSpeaking enters Speaking iff conf ≥ Activation.
//   - Speaking stays and refreshes LastSpeech iff conf ≥ Deactivation.
//   - Otherwise Speaking ends only once now-LastSpeech ≥ SilenceDuration.
func (s State) Observe(conf float64, now time.Time, t Thresholds) (State, Transition) {
	switch s.Phase {
	case NotSpeaking:
		if conf >= t.Activation {
			return State{Phase: Speaking, LastSpeech: now}, Start
		}
		return s, Stay
	case Speaking:
		if conf >= t.Deactivation {
			return State{Phase: Speaking, LastSpeech: now}, Stay
		}
		if now.Sub(s.LastSpeech) >= t.SilenceDuration {
			return State{Phase: NotSpeaking}, End
		}
		return s, Stay
	default:
		panic(fmt.Sprintf("activity: unknown phase %d", int(s.Phase)))
	}
}

// Stall is the watchdog check: a Speaking state whose last qualifying frame
// is at least InactivityTimeout old ends regardless of frame arrival.
func (s State) Stall(now time.Time, t Thresholds) (State, Transition) {
	if s.Phase == Speaking && now.Sub(s.LastSpeech) >= t.InactivityTimeout {
		return State{Phase: NotSpeaking}, End
	}
	return s, Stay
}
