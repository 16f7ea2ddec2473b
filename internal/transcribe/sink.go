// Package transcribe is the consumer that turns finalized utterances into
// transcript entries.
//
// A [Sink] is created per transcription session. It mirrors every utterance
// as a live chat message: a "Listening..." placeholder when the speaker
// starts, "Transcribing..." once the audio is handed to speech-to-text, and
// finally the corrected text. Utterances without speech remove their
// placeholder. Recognised text is stored in the transcript repository under
// the session's meeting.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/earshot/internal/dispatch"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/transcript"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Placeholder texts shown while an utterance is in flight.
const (
	ListeningText    = "*Listening...*"
	TranscribingText = "*Transcribing...*"
	ErrorText        = "*Error transcribing audio*"
)

// Notifier posts and maintains the live chat message of an utterance.
//
// Implementations must be safe for concurrent use.
type Notifier interface {
	// Post sends content to channelID and returns the new message ID.
	Post(ctx context.Context, channelID, content string) (string, error)
	Edit(ctx context.Context, channelID, messageID, content string) error
	Delete(ctx context.Context, channelID, messageID string) error
}

// Config scopes a Sink to one session.
type Config struct {
	// TextChannelID receives the live utterance messages. Empty disables
	// chat output.
	TextChannelID string

	// MeetingID is stamped on every stored entry.
	MeetingID string

	// Language is the BCP-47 hint passed to speech-to-text.
	Language string

	// Keywords boost recognition of vocabulary terms.
	Keywords []stt.KeywordBoost
}

// Option is a functional option for configuring a Sink.
type Option func(*Sink)

// WithNotifier enables live chat messages.
func WithNotifier(n Notifier) Option {
	return func(s *Sink) { s.notifier = n }
}

// WithCorrector applies vocabulary correction before storing.
func WithCorrector(c *transcript.Corrector) Option {
	return func(s *Sink) { s.corrector = c }
}

// WithMetrics records speech-to-text latency and request counts into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithOnEntry registers a callback invoked after an entry is stored.
func WithOnEntry(fn func(transcript.Entry)) Option {
	return func(s *Sink) { s.onEntry = fn }
}

// Sink implements [dispatch.Sink] and [dispatch.StartObserver].
//
// Sink is safe for concurrent use.
type Sink struct {
	cfg       Config
	stt       stt.Provider
	store     transcript.Store
	notifier  Notifier
	corrector *transcript.Corrector
	metrics   *observe.Metrics
	now       func() time.Time
	onEntry   func(transcript.Entry)

	mu           sync.Mutex
	placeholders map[string]string
}

var (
	_ dispatch.Sink          = (*Sink)(nil)
	_ dispatch.StartObserver = (*Sink)(nil)
)

// New returns a Sink transcribing with provider and storing into store.
func New(provider stt.Provider, store transcript.Store, cfg Config, opts ...Option) *Sink {
	s := &Sink{
		cfg:          cfg,
		stt:          provider,
		store:        store,
		now:          time.Now,
		placeholders: make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnUtteranceStarted posts the "Listening..." placeholder.
func (s *Sink) OnUtteranceStarted(ctx context.Context, u dispatch.Utterance) {
	if !s.chatEnabled() {
		return
	}
	id, err := s.notifier.Post(ctx, s.cfg.TextChannelID, mention(u.SpeakerID, ListeningText))
	if err != nil {
		observe.Logger(ctx).Warn("transcribe: post placeholder", "speaker_id", u.SpeakerID, "err", err)
		return
	}
	s.mu.Lock()
	s.placeholders[u.ID] = id
	s.mu.Unlock()
}

// OnUtteranceFinalized transcribes p and stores the result. Empty utterances
// and utterances without recognised speech remove their placeholder and
// succeed. A speech-to-text failure is reported as an error after the
// placeholder has been turned into an error notice.
func (s *Sink) OnUtteranceFinalized(ctx context.Context, p dispatch.Payload) error {
	msgID := s.takePlaceholder(p.ID)
	log := observe.Logger(ctx).With("utterance_id", p.ID, "speaker_id", p.SpeakerID)

	if p.Empty() {
		s.remove(ctx, msgID)
		return nil
	}

	s.edit(ctx, msgID, mention(p.SpeakerID, TranscribingText))

	tr, err := s.transcribe(ctx, p)
	switch {
	case errors.Is(err, stt.ErrNoSpeech):
		log.Debug("transcribe: no speech")
		s.remove(ctx, msgID)
		return nil
	case err != nil:
		s.edit(ctx, msgID, mention(p.SpeakerID, ErrorText))
		return fmt.Errorf("transcribe: %w", err)
	}

	raw := strings.TrimSpace(tr.Text)
	text, foul := raw, false
	if s.corrector != nil {
		c := s.corrector.Correct(raw)
		text, foul = c.Text, c.Foul
		if len(c.Corrections) > 0 {
			log.Debug("transcribe: vocabulary corrections", "count", len(c.Corrections))
		}
	}

	entry := transcript.Entry{
		ID:        uuid.NewString(),
		UserID:    p.SpeakerID,
		Username:  p.DisplayName,
		Text:      text,
		Timestamp: s.now(),
		GuildID:   p.SessionID,
		ChannelID: p.ChannelID,
		MeetingID: s.cfg.MeetingID,
		Foul:      foul,
	}
	if text != raw {
		entry.RawText = raw
	}
	if entry.Username == "" {
		entry.Username = p.SpeakerID
	}

	s.edit(ctx, msgID, mention(p.SpeakerID, text))

	if err := s.store.Add(ctx, entry); err != nil {
		return fmt.Errorf("transcribe: store entry: %w", err)
	}
	if s.onEntry != nil {
		s.onEntry(entry)
	}
	log.Info("transcribe: utterance transcribed", "chars", len(text), "reason", p.Reason)
	return nil
}

func (s *Sink) transcribe(ctx context.Context, p dispatch.Payload) (stt.Transcript, error) {
	ctx, span := observe.StartSpan(ctx, "stt.transcribe",
		trace.WithAttributes(
			attribute.String("utterance.id", p.ID),
			attribute.Int("audio.bytes", len(p.WAV)),
		),
	)
	defer span.End()

	start := time.Now()
	tr, err := s.stt.Transcribe(ctx, stt.Request{
		Audio:    p.WAV,
		Language: s.cfg.Language,
		Keywords: s.cfg.Keywords,
	})
	if s.metrics != nil {
		s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err == nil && stt.IsNoSpeech(tr.Text) {
		err = stt.ErrNoSpeech
	}
	if err != nil && !errors.Is(err, stt.ErrNoSpeech) {
		observe.FailSpan(span, err)
	}
	return tr, err
}

func (s *Sink) chatEnabled() bool {
	return s.notifier != nil && s.cfg.TextChannelID != ""
}

func (s *Sink) takePlaceholder(utteranceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.placeholders[utteranceID]
	delete(s.placeholders, utteranceID)
	return id
}

func (s *Sink) edit(ctx context.Context, msgID, content string) {
	if msgID == "" || !s.chatEnabled() {
		return
	}
	if err := s.notifier.Edit(ctx, s.cfg.TextChannelID, msgID, content); err != nil {
		observe.Logger(ctx).Warn("transcribe: edit message", "message_id", msgID, "err", err)
	}
}

func (s *Sink) remove(ctx context.Context, msgID string) {
	if msgID == "" || !s.chatEnabled() {
		return
	}
	if err := s.notifier.Delete(ctx, s.cfg.TextChannelID, msgID); err != nil {
		observe.Logger(ctx).Warn("transcribe: delete message", "message_id", msgID, "err", err)
	}
}

func mention(userID, text string) string {
	return fmt.Sprintf("<@%s>: %s", userID, text)
}
