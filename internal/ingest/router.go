// Package ingest turns per-speaker audio subscriptions into utterances.
//
// The [Router] owns one pipeline per speaking participant across all live
// voice sessions. A pipeline is a single goroutine that reads the speaker's
// frames in arrival order, feeds them to an [activity.Detector] and runs the
// inactivity watchdog on the same goroutine, so the detector never needs
// locking. Every exit path (stream end, transport error, session teardown,
// router shutdown) finalizes the open utterance before the subscription and
// classifier are released.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/activity"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/utterance"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// ErrRouterClosed is returned by [Router.StartSpeaker] after [Router.Close].
var ErrRouterClosed = errors.New("ingest: router closed")

// Config holds the per-pipeline settings.
type Config struct {
	Detection activity.Config

	// TrailingSilence is passed to the transport so that a subscription
	// closes itself once the speaker has been quiet this long.
	TrailingSilence time.Duration

	// WatchdogInterval is the tick of the inactivity watchdog.
	WatchdogInterval time.Duration
}

// DefaultConfig returns the stock pipeline settings.
func DefaultConfig() Config {
	return Config{
		Detection:        activity.DefaultConfig(),
		TrailingSilence:  2000 * time.Millisecond,
		WatchdogInterval: 500 * time.Millisecond,
	}
}

// Validate reports whether cfg is usable.
func (cfg Config) Validate() error {
	errs := []error{cfg.Detection.Validate()}
	if cfg.TrailingSilence < 0 {
		errs = append(errs, fmt.Errorf("ingest: trailing silence must not be negative, got %s", cfg.TrailingSilence))
	}
	if cfg.WatchdogInterval <= 0 {
		errs = append(errs, fmt.Errorf("ingest: watchdog interval must be positive, got %s", cfg.WatchdogInterval))
	}
	return errors.Join(errs...)
}

// Session is a live voice session the router demultiplexes.
type Session struct {
	// ID identifies the session, typically the guild.
	ID string

	// Conn is the voice connection speakers are subscribed on.
	Conn audio.Connection

	// Dispatcher receives the session's utterances.
	Dispatcher utterance.Dispatcher
}

// Option is a functional option for configuring a Router.
type Option func(*Router)

// WithMetrics records pipeline and utterance metrics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the base logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithClock overrides the time source handed to detectors.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithIDFunc overrides utterance ID generation.
func WithIDFunc(fn func() string) Option {
	return func(r *Router) { r.newID = fn }
}

type streamKey struct {
	session string
	speaker string
}

// stream is one live per-speaker pipeline.
type stream struct {
	key    streamKey
	cancel context.CancelFunc
	done   chan struct{}
}

// Router creates and destroys per-speaker pipelines.
//
// All exported methods are safe for concurrent use.
type Router struct {
	engine  vad.Engine
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time
	newID   func() string

	mu      sync.Mutex
	cfg     Config
	streams map[streamKey]*stream
	closed  bool
}

// New returns a Router creating one classifier session per pipeline from
// engine.
func New(engine vad.Engine, cfg Config, opts ...Option) *Router {
	r := &Router{
		engine:  engine,
		cfg:     cfg,
		log:     slog.Default(),
		now:     time.Now,
		streams: make(map[streamKey]*stream),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetConfig replaces the configuration used for pipelines created from now
// on. Running pipelines keep theirs.
func (r *Router) SetConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Config returns the configuration new pipelines are created with.
func (r *Router) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// StartSpeaker creates the pipeline for speaker in s. A speaker that already
// has a live pipeline in s is ignored, so duplicate speaking signals never
// open a second subscription.
//
// If the subscription or the classifier session cannot be created no
// pipeline exists afterwards and the error is returned. The router does not
// retry.
func (r *Router) StartSpeaker(ctx context.Context, s Session, speaker utterance.Speaker) error {
	key := streamKey{session: s.ID, speaker: speaker.ID}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		return nil
	}
	cfg := r.cfg
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &stream{key: key, cancel: cancel, done: make(chan struct{})}
	// Reserve the key so a concurrent duplicate signal is ignored while the
	// subscription is being set up.
	r.streams[key] = st
	r.mu.Unlock()

	sub, err := s.Conn.Subscribe(speaker.ID, audio.SubscribeOptions{TrailingSilence: cfg.TrailingSilence})
	if err != nil {
		r.release(st)
		return fmt.Errorf("ingest: subscribe %s: %w", speaker.ID, err)
	}
	classifier, err := r.engine.NewSession(vad.Config{
		SampleRate:   audio.SpeechFormat.SampleRate,
		FrameSamples: cfg.Detection.FrameSamples,
	})
	if err != nil {
		_ = sub.Close()
		r.release(st)
		return fmt.Errorf("ingest: classifier for %s: %w", speaker.ID, err)
	}

	speaker.SessionID = s.ID
	if speaker.ChannelID == "" {
		speaker.ChannelID = s.Conn.ChannelID()
	}
	log := r.log.With("guild_id", s.ID, "channel_id", speaker.ChannelID, "speaker_id", speaker.ID)

	aggOpts := []utterance.AggregatorOption{utterance.WithLogger(log)}
	if r.newID != nil {
		aggOpts = append(aggOpts, utterance.WithIDFunc(r.newID))
	}
	detOpts := []activity.Option{activity.WithLogger(log)}
	if r.metrics != nil {
		detOpts = append(detOpts, activity.WithMetrics(r.metrics))
	}
	t := &task{
		stream:     st,
		sub:        sub,
		classifier: classifier,
		detector: activity.NewDetector(cfg.Detection, classifier,
			utterance.NewAggregator(speaker, s.Dispatcher, aggOpts...), detOpts...),
		interval: cfg.WatchdogInterval,
		now:      r.now,
		log:      log,
	}

	if r.metrics != nil {
		r.metrics.ActiveSpeakers.Add(ctx, 1)
	}
	log.Debug("ingest: pipeline started")
	go func() {
		defer r.release(st)
		defer func() {
			if r.metrics != nil {
				r.metrics.ActiveSpeakers.Add(context.WithoutCancel(taskCtx), -1)
			}
		}()
		t.run(taskCtx)
	}()
	return nil
}

// Active reports whether speakerID has a live pipeline in sessionID.
func (r *Router) Active(sessionID, speakerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[streamKey{session: sessionID, speaker: speakerID}]
	return ok
}

// Len returns the number of live pipelines.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// EndSession stops every pipeline of sessionID and waits until each has
// finalized its open utterance and released its resources.
func (r *Router) EndSession(sessionID string) {
	r.mu.Lock()
	var victims []*stream
	for k, st := range r.streams {
		if k.session == sessionID {
			victims = append(victims, st)
		}
	}
	r.mu.Unlock()
	stopAll(victims)
}

// Close stops every pipeline, waits for them and rejects further
// StartSpeaker calls with [ErrRouterClosed].
func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	victims := make([]*stream, 0, len(r.streams))
	for _, st := range r.streams {
		victims = append(victims, st)
	}
	r.mu.Unlock()
	stopAll(victims)
	return nil
}

// release removes st from the active set and marks it done. A stream that
// never started its task (setup failure) is released here too.
func (r *Router) release(st *stream) {
	r.mu.Lock()
	if r.streams[st.key] == st {
		delete(r.streams, st.key)
	}
	r.mu.Unlock()
	st.cancel()
	close(st.done)
}

func stopAll(streams []*stream) {
	for _, st := range streams {
		st.cancel()
	}
	for _, st := range streams {
		<-st.done
	}
}
