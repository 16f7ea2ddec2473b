package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/dispatch"
	"github.com/MrWong99/earshot/internal/ingest"
	"github.com/MrWong99/earshot/internal/meeting"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/transcribe"
	"github.com/MrWong99/earshot/internal/transcript"
	"github.com/MrWong99/earshot/internal/utterance"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

var (
	// ErrSessionActive is returned by [SessionManager.Start] when the guild
	// already has a running session.
	ErrSessionActive = errors.New("app: session already active")

	// ErrNoSession is returned by [SessionManager.Stop] when the guild has no
	// running session.
	ErrNoSession = errors.New("app: no active session")

	// ErrClosed is returned by [SessionManager.Start] after Close.
	ErrClosed = errors.New("app: session manager closed")
)

// SessionInfo holds metadata about a transcription session.
type SessionInfo struct {
	// SessionID is a random identifier for this run.
	SessionID string

	GuildID        string
	VoiceChannelID string

	// TextChannelID receives live utterance messages and the summary.
	TextChannelID string

	Meeting   meeting.Meeting
	StartedAt time.Time
}

// StopResult describes a finished session.
type StopResult struct {
	Info SessionInfo

	// Entries is the number of transcript entries recorded for the meeting.
	Entries int

	// Summary is the meeting summary, empty when summaries are disabled or
	// nothing was said.
	Summary string

	Duration time.Duration
}

// TranscriptionSettings configures the consumer built for each new session.
type TranscriptionSettings struct {
	Language     string
	Vocabulary   []string
	BlockedWords []string

	// DispatchTimeout bounds transcription of one utterance.
	DispatchTimeout time.Duration

	// Summary enables meeting summaries on Stop.
	Summary bool
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Platform audio.Platform
	VAD      vad.Engine

	// STT may be nil; utterances are then segmented and logged but not
	// transcribed.
	STT stt.Provider

	Store    transcript.Store
	Meetings *meeting.Registry

	// Summarizer is optional.
	Summarizer *meeting.Summarizer

	// Notifier is optional; without it no chat messages are posted.
	Notifier transcribe.Notifier

	// Observers receive every utterance beside the transcription sink, e.g.
	// an archive of raw audio.
	Observers []dispatch.Sink

	Ingest        ingest.Config
	Transcription TranscriptionSettings
	Metrics       *observe.Metrics
}

// activeSession is the per-guild runtime state. A reserved entry has a nil
// conn until Start publishes it under the manager lock.
type activeSession struct {
	info  SessionInfo
	conn  audio.Connection
	disp  *dispatch.Dispatcher
	stopC chan struct{}

	// gate orders speaker starts against teardown: starts hold the read
	// lock, end sets ending under the write lock before the router ends the
	// session.
	gate   sync.RWMutex
	ending bool

	// log holds the entries transcribed for this session's meeting.
	logMu sync.Mutex
	log   []transcript.Entry

	once   sync.Once
	result StopResult
}

// startSpeaker starts a pipeline for spk unless the session is ending.
func (as *activeSession) startSpeaker(ctx context.Context, r *ingest.Router, sess ingest.Session, spk utterance.Speaker) error {
	as.gate.RLock()
	defer as.gate.RUnlock()
	if as.ending {
		return nil
	}
	return r.StartSpeaker(ctx, sess, spk)
}

// closeGate waits for in-flight speaker starts and rejects later ones.
func (as *activeSession) closeGate() {
	as.gate.Lock()
	defer as.gate.Unlock()
	as.ending = true
}

func (as *activeSession) record(e transcript.Entry) {
	as.logMu.Lock()
	defer as.logMu.Unlock()
	as.log = append(as.log, e)
}

// entries returns the meeting log in timestamp order.
func (as *activeSession) entries() []transcript.Entry {
	as.logMu.Lock()
	defer as.logMu.Unlock()
	out := slices.Clone(as.log)
	slices.SortStableFunc(out, func(a, b transcript.Entry) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

// SessionManager manages the lifecycle of per-guild transcription sessions.
// At most one session runs per guild. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	platform   audio.Platform
	stt        stt.Provider
	store      transcript.Store
	meetings   *meeting.Registry
	summarizer *meeting.Summarizer
	notifier   transcribe.Notifier
	observers  []dispatch.Sink
	metrics    *observe.Metrics
	router     *ingest.Router

	mu        sync.Mutex
	settings  TranscriptionSettings
	corrector *transcript.Corrector
	sessions  map[string]*activeSession
	closed    bool
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	var ropts []ingest.Option
	if cfg.Metrics != nil {
		ropts = append(ropts, ingest.WithMetrics(cfg.Metrics))
	}
	meetings := cfg.Meetings
	if meetings == nil {
		meetings = meeting.NewRegistry()
	}
	sm := &SessionManager{
		platform:   cfg.Platform,
		stt:        cfg.STT,
		store:      cfg.Store,
		meetings:   meetings,
		summarizer: cfg.Summarizer,
		notifier:   cfg.Notifier,
		observers:  cfg.Observers,
		metrics:    cfg.Metrics,
		router:     ingest.New(cfg.VAD, cfg.Ingest, ropts...),
		sessions:   make(map[string]*activeSession),
	}
	sm.setTranscription(cfg.Transcription)
	return sm
}

// SetIngestConfig changes the detection policy for sessions started from
// now on.
func (sm *SessionManager) SetIngestConfig(cfg ingest.Config) {
	sm.router.SetConfig(cfg)
}

// SetTranscription changes the consumer settings for sessions started from
// now on.
func (sm *SessionManager) SetTranscription(s TranscriptionSettings) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.setTranscription(s)
}

func (sm *SessionManager) setTranscription(s TranscriptionSettings) {
	sm.settings = s
	sm.corrector = transcript.NewCorrector(s.Vocabulary, transcript.WithBlockedWords(s.BlockedWords))
}

// Start joins voiceChannelID and begins transcribing every speaker in it.
// Live messages go to textChannelID. An empty meetingName gets a
// date-stamped default.
func (sm *SessionManager) Start(ctx context.Context, guildID, voiceChannelID, textChannelID, meetingName string) (SessionInfo, error) {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return SessionInfo{}, ErrClosed
	}
	if as, ok := sm.sessions[guildID]; ok {
		sm.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w (meeting %s)", ErrSessionActive, as.info.Meeting.ID)
	}
	// Reserve the guild while connecting.
	as := &activeSession{stopC: make(chan struct{})}
	sm.sessions[guildID] = as
	settings, corrector := sm.settings, sm.corrector
	sm.mu.Unlock()

	fail := func(err error) (SessionInfo, error) {
		sm.mu.Lock()
		delete(sm.sessions, guildID)
		sm.mu.Unlock()
		return SessionInfo{}, err
	}

	now := time.Now().UTC()
	if meetingName == "" {
		meetingName = "Meeting " + now.Format("2006-01-02 15:04")
	}

	conn, err := sm.platform.Connect(ctx, voiceChannelID)
	if err != nil {
		return fail(fmt.Errorf("app: connect to voice channel: %w", err))
	}
	m, err := sm.meetings.Create(ctx, meetingName, "", guildID)
	if err != nil {
		_ = conn.Disconnect()
		return fail(fmt.Errorf("app: create meeting: %w", err))
	}

	info := SessionInfo{
		SessionID:      uuid.NewString(),
		GuildID:        guildID,
		VoiceChannelID: voiceChannelID,
		TextChannelID:  textChannelID,
		Meeting:        m,
		StartedAt:      now,
	}
	sink := sm.buildSink(as, info, settings, corrector)
	dopts := []dispatch.Option{dispatch.WithTimeout(settings.DispatchTimeout)}
	if sm.metrics != nil {
		dopts = append(dopts, dispatch.WithMetrics(sm.metrics))
	}
	disp := dispatch.New(sink, dopts...)

	sm.mu.Lock()
	as.info, as.conn, as.disp = info, conn, disp
	sm.mu.Unlock()

	log := slog.With("guild_id", guildID, "channel_id", voiceChannelID, "meeting_id", m.ID)
	sess := ingest.Session{ID: guildID, Conn: conn, Dispatcher: disp}
	sessCtx := context.WithoutCancel(ctx)
	conn.OnEvent(func(ev audio.Event) {
		if ev.Type != audio.EventSpeakingStart {
			return
		}
		err := as.startSpeaker(sessCtx, sm.router, sess, utterance.Speaker{ID: ev.UserID, DisplayName: ev.Username})
		if err != nil && !errors.Is(err, ingest.ErrRouterClosed) {
			log.Warn("app: start speaker pipeline", "speaker_id", ev.UserID, "err", err)
		}
	})

	// A remote disconnect ends the session the same way Stop does.
	go func() {
		select {
		case <-conn.Done():
			log.Info("app: voice connection closed remotely")
			sm.end(context.Background(), as)
		case <-as.stopC:
		}
	}()

	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, 1)
	}
	log.Info("app: session started", "session_id", info.SessionID, "text_channel_id", textChannelID)
	return info, nil
}

// Stop ends the guild's session: open utterances are finalized and
// delivered, the voice connection is dropped, the meeting transcripts are
// uploaded, and a summary is produced when enabled.
func (sm *SessionManager) Stop(ctx context.Context, guildID string) (StopResult, error) {
	sm.mu.Lock()
	as, ok := sm.sessions[guildID]
	sm.mu.Unlock()
	if !ok || as.conn == nil {
		return StopResult{}, ErrNoSession
	}
	return sm.end(ctx, as), nil
}

// end tears down as exactly once and returns the result of the first call.
func (sm *SessionManager) end(ctx context.Context, as *activeSession) StopResult {
	as.once.Do(func() {
		close(as.stopC)
		info := as.info
		log := slog.With("guild_id", info.GuildID, "meeting_id", info.Meeting.ID)

		as.closeGate()
		sm.router.EndSession(info.GuildID)
		if err := as.conn.Disconnect(); err != nil {
			log.Warn("app: voice disconnect error", "err", err)
		}
		as.disp.Wait()

		sm.mu.Lock()
		if sm.sessions[info.GuildID] == as {
			delete(sm.sessions, info.GuildID)
		}
		settings := sm.settings
		sm.mu.Unlock()
		if sm.metrics != nil {
			sm.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
		}

		res := StopResult{Info: info, Duration: time.Since(info.StartedAt).Truncate(time.Second)}
		entries := as.entries()
		res.Entries = len(entries)

		if err := sm.meetings.SendTranscripts(ctx, info.Meeting.ID, entries); err != nil {
			log.Warn("app: upload meeting transcripts", "err", err)
		}

		if settings.Summary && sm.summarizer != nil && len(entries) > 0 {
			summary, err := sm.summarizer.Summarize(ctx, info.Meeting, entries)
			if err != nil {
				log.Warn("app: summarize meeting", "err", err)
			} else {
				res.Summary = summary
				sm.postSummary(ctx, info, summary)
			}
		}

		log.Info("app: session stopped", "entries", res.Entries, "duration", res.Duration)
		as.result = res
	})
	return as.result
}

// Info returns the guild's running session.
func (sm *SessionManager) Info(guildID string) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	as, ok := sm.sessions[guildID]
	if !ok || as.conn == nil {
		return SessionInfo{}, false
	}
	return as.info, true
}

// Sessions returns all running sessions.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, as := range sm.sessions {
		if as.conn != nil {
			out = append(out, as.info)
		}
	}
	return out
}

// Meetings returns the meeting registry sessions register with.
func (sm *SessionManager) Meetings() *meeting.Registry { return sm.meetings }

// Close ends every session and rejects further Start calls.
func (sm *SessionManager) Close(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	var running []*activeSession
	for _, as := range sm.sessions {
		if as.conn != nil {
			running = append(running, as)
		}
	}
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for _, as := range running {
		wg.Go(func() { sm.end(ctx, as) })
	}
	wg.Wait()
	return sm.router.Close()
}

// buildSink assembles the session's consumer: the capture log and the
// configured observers, plus the transcription sink when STT is configured.
func (sm *SessionManager) buildSink(as *activeSession, info SessionInfo, s TranscriptionSettings, c *transcript.Corrector) dispatch.Sink {
	level := slog.LevelInfo
	if sm.stt != nil {
		level = slog.LevelDebug
	}
	captured := dispatch.SinkFunc(func(ctx context.Context, p dispatch.Payload) error {
		observe.Logger(ctx).Log(ctx, level, "app: utterance captured",
			"speaker_id", p.SpeakerID,
			"bytes", len(p.WAV),
			"reason", p.Reason,
		)
		return nil
	})
	sinks := append(dispatch.FanOut{captured}, sm.observers...)
	if sm.stt == nil {
		return sinks
	}

	keywords := make([]stt.KeywordBoost, 0, len(s.Vocabulary))
	for _, term := range s.Vocabulary {
		keywords = append(keywords, stt.KeywordBoost{Keyword: term, Boost: 2})
	}
	opts := []transcribe.Option{
		transcribe.WithCorrector(c),
		transcribe.WithOnEntry(as.record),
	}
	if sm.notifier != nil {
		opts = append(opts, transcribe.WithNotifier(sm.notifier))
	}
	if sm.metrics != nil {
		opts = append(opts, transcribe.WithMetrics(sm.metrics))
	}
	transcriber := transcribe.New(sm.stt, sm.store, transcribe.Config{
		TextChannelID: info.TextChannelID,
		MeetingID:     info.Meeting.ID,
		Language:      s.Language,
		Keywords:      keywords,
	}, opts...)
	return append(dispatch.FanOut{transcriber}, sinks...)
}

func (sm *SessionManager) postSummary(ctx context.Context, info SessionInfo, summary string) {
	if sm.notifier == nil || info.TextChannelID == "" {
		return
	}
	text := fmt.Sprintf("**Summary of %s**\n%s", info.Meeting.Name, summary)
	for _, chunk := range transcript.ChunkMessage(text, transcript.MaxMessageLen) {
		if _, err := sm.notifier.Post(ctx, info.TextChannelID, chunk); err != nil {
			slog.Warn("app: post summary", "guild_id", info.GuildID, "err", err)
			return
		}
	}
}
