// Package app wires all earshot subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithNotifier, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/meeting"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/transcribe"
	"github.com/MrWong99/earshot/internal/transcript"
	"github.com/MrWong99/earshot/internal/transcript/postgres"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/llm"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Audio audio.Platform
	VAD   vad.Engine
	STT   stt.Provider
	LLM   llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store      transcript.Store
	meetings   *meeting.Registry
	summarizer *meeting.Summarizer
	notifier   transcribe.Notifier
	metrics    *observe.Metrics
	checkers   []health.Checker
	sessions   *SessionManager

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a transcript store instead of opening one from config.
// The caller keeps ownership; Shutdown does not close it.
func WithStore(s transcript.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMeetings injects a meeting registry instead of creating one from config.
func WithMeetings(r *meeting.Registry) Option {
	return func(a *App) { a.meetings = r }
}

// WithNotifier sets the chat notifier live utterance messages go through.
func WithNotifier(n transcribe.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics sets the metric instruments. Without it the global meter
// provider is used.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCheckers adds readiness checks beyond the transcript store ping.
func WithCheckers(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Audio == nil {
		return nil, errors.New("app: an audio platform is required")
	}
	if providers.VAD == nil {
		return nil, errors.New("app: a VAD engine is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcript store: %w", err)
	}

	if a.meetings == nil {
		a.meetings = meeting.NewRegistry(meeting.WithServerURL(cfg.Meetings.ServerURL))
	}
	if providers.LLM != nil {
		a.summarizer = meeting.NewSummarizer(providers.LLM)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Platform:      providers.Audio,
		VAD:           providers.VAD,
		STT:           providers.STT,
		Store:         a.store,
		Meetings:      a.meetings,
		Summarizer:    a.summarizer,
		Notifier:      a.notifier,
		Ingest:        cfg.Detection.IngestConfig(),
		Transcription: transcriptionSettings(cfg),
		Metrics:       a.metrics,
	})

	return a, nil
}

// initStore picks the transcript backend: PostgreSQL when a DSN is set, a
// JSON lines file when a path is set, memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	tc := a.cfg.Transcripts
	switch {
	case tc.PostgresDSN != "":
		s, err := postgres.NewStore(ctx, tc.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = s
		slog.Info("transcript store: postgres")
	case tc.FilePath != "":
		s, err := transcript.OpenFileStore(tc.FilePath)
		if err != nil {
			return err
		}
		a.store = s
		slog.Info("transcript store: file", "path", tc.FilePath)
	default:
		a.store = transcript.NewMemStore()
		slog.Warn("transcript store: memory, transcripts are lost on restart")
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func transcriptionSettings(cfg *config.Config) TranscriptionSettings {
	return TranscriptionSettings{
		Language:        cfg.Transcripts.Language,
		Vocabulary:      cfg.Transcripts.Vocabulary,
		BlockedWords:    cfg.Transcripts.BlockedWords,
		DispatchTimeout: cfg.Dispatch.Timeout,
		Summary:         cfg.Meetings.Summary,
	}
}

// Sessions returns the transcription session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Store returns the transcript store.
func (a *App) Store() transcript.Store { return a.store }

// Summarizer returns the meeting summarizer, or nil without an LLM.
func (a *App) Summarizer() *meeting.Summarizer { return a.summarizer }

// ApplyConfig applies a reloaded config. Only detection, dispatch and
// vocabulary changes take effect at runtime, and only for sessions started
// afterwards. It matches the config reloader callback signature.
func (a *App) ApplyConfig(_, newCfg *config.Config, d config.ConfigDiff) {
	if d.DetectionChanged {
		a.sessions.SetIngestConfig(newCfg.Detection.IngestConfig())
		slog.Info("app: detection settings updated for new sessions")
	}
	if d.DispatchChanged || d.VocabularyChanged {
		a.sessions.SetTranscription(transcriptionSettings(newCfg))
		slog.Info("app: transcription settings updated for new sessions")
	}
}

// Handler returns the HTTP surface: the transcript API, health checks and
// the Prometheus scrape endpoint, all behind the observe middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerAPI(mux)

	checkers := append([]health.Checker{health.Ping("transcripts", a.store)}, a.checkers...)
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", observe.MetricsHandler())
	return observe.Middleware(a.metrics)(mux)
}

// Run serves HTTP on cfg.Server.ListenAddr and blocks until ctx is cancelled
// or the server fails. An empty listen address disables the HTTP surface.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		slog.Info("app running without HTTP surface")
		<-ctx.Done()
		return ctx.Err()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Shutdown ends every transcription session, then runs the closers in
// order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", len(a.sessions.Sessions()), "closers", len(a.closers))

		if err := a.sessions.Close(ctx); err != nil {
			slog.Warn("session manager close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
