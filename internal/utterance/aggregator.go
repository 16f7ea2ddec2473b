package utterance

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/internal/activity"
	"github.com/MrWong99/earshot/internal/dispatch"
	"github.com/google/uuid"
)

var _ activity.Segmenter = (*Aggregator)(nil)

// Speaker identifies whose utterances an Aggregator collects.
type Speaker struct {
	ID          string
	DisplayName string
	SessionID   string
	ChannelID   string
}

// AggregatorOption is a functional option for configuring an Aggregator.
type AggregatorOption func(*Aggregator)

// WithIDFunc overrides utterance ID generation. Defaults to random UUIDs.
func WithIDFunc(fn func() string) AggregatorOption {
	return func(a *Aggregator) { a.newID = fn }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) { a.log = l }
}

// Aggregator holds the open utterance of one speaker and implements
// [activity.Segmenter]. Utterance N is always finalized before utterance N+1
// is created.
//
// Aggregator is driven by the speaker's pipeline goroutine and is not safe
// for concurrent use.
type Aggregator struct {
	speaker Speaker
	disp    Dispatcher
	newID   func() string
	log     *slog.Logger

	current *Utterance
}

// NewAggregator returns an Aggregator delivering through disp.
func NewAggregator(speaker Speaker, disp Dispatcher, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		speaker: speaker,
		disp:    disp,
		newID:   uuid.NewString,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Current returns the open utterance, or nil.
func (a *Aggregator) Current() *Utterance { return a.current }

// Open starts a new utterance. A still-open predecessor is finalized first.
func (a *Aggregator) Open(ctx context.Context, now time.Time) {
	if a.current != nil {
		a.log.Warn("utterance: opening while previous still open", "utterance_id", a.current.info.ID)
		a.Close(ctx, activity.ReasonTeardown)
	}
	info := dispatch.Utterance{
		ID:          a.newID(),
		SpeakerID:   a.speaker.ID,
		DisplayName: a.speaker.DisplayName,
		SessionID:   a.speaker.SessionID,
		ChannelID:   a.speaker.ChannelID,
		StartedAt:   now,
	}
	a.current = New(info, a.disp)
	a.disp.Started(ctx, info)
}

// Append adds chunk to the open utterance. Without one it is dropped.
func (a *Aggregator) Append(chunk []byte) {
	if a.current != nil {
		a.current.AddAudioData(chunk)
	}
}

// Close finalizes the open utterance, if any, and forgets it.
func (a *Aggregator) Close(ctx context.Context, reason activity.Reason) {
	u := a.current
	a.current = nil
	if u == nil {
		return
	}
	if u.Finalize(ctx, reason) {
		a.log.Debug("utterance: finalized", "utterance_id", u.info.ID, "reason", reason.String())
	}
}
