// Command earshot joins Discord voice channels and transcribes every speaker
// separately, posting live captions and storing the transcripts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	discordbot "github.com/MrWong99/earshot/internal/discord"
	"github.com/MrWong99/earshot/internal/discord/commands"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/llm"
	"github.com/MrWong99/earshot/pkg/provider/llm/anyllm"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/earshot/pkg/provider/stt/openai"
	"github.com/MrWong99/earshot/pkg/provider/stt/whisper"
	"github.com/MrWong99/earshot/pkg/provider/vad"
	"github.com/MrWong99/earshot/pkg/provider/vad/energy"
	"github.com/MrWong99/earshot/pkg/provider/vad/silero"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Discord bot (optional) ────────────────────────────────────────────────
	var bot *discordbot.Bot
	if cfg.Discord.Token != "" {
		bot, err = discordbot.New(ctx, discordbot.Config{
			Token:          cfg.Discord.Token,
			GuildID:        cfg.Discord.GuildID,
			OperatorRoleID: cfg.Discord.OperatorRoleID,
		})
		if err != nil {
			slog.Error("failed to create Discord bot", "err", err)
			return 1
		}
		slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, bot)

	providers, checkers, err := buildProviders(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		closeBot(bot)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	if bot != nil {
		checkers = append(checkers, health.Flag("discord", bot.Ready, "gateway not connected"))
	}
	opts := []app.Option{app.WithCheckers(checkers...)}
	if bot != nil {
		opts = append(opts, app.WithNotifier(bot.Notifier()))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		closeBot(bot)
		return 1
	}

	if bot != nil {
		commands.NewTranscriptionCommands(bot, application.Sessions())
		commands.NewTranscriptCommands(bot, application.Store(), application.Sessions().Meetings(), application.Summarizer())

		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("discord bot error", "err", err)
			}
		}()
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	reloader, err := config.NewReloader(*configPath, func(old, newCfg *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart", "sections", d.RestartRequired)
		}
		application.ApplyConfig(old, newCfg, d)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go reloader.Run(ctx)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	// Stop sessions while the gateway is still up so final captions and
	// summaries can be posted.
	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	closeBot(bot)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if code == 0 {
		slog.Info("goodbye")
	}
	return code
}

func closeBot(bot *discordbot.Bot) {
	if bot == nil {
		return
	}
	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// The discord audio platform is only available when bot is non-nil.
func registerBuiltinProviders(reg *config.Registry, bot *discordbot.Bot) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, backend := range anyllm.Names {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			return anyllm.New(anyllm.Config{
				Backend: backend,
				Model:   entry.Model,
				APIKey:  entry.APIKey,
				BaseURL: entry.BaseURL,
			})
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := int(optFloat(entry.Options, "concurrency")); n > 0 {
			opts = append(opts, whisper.WithNativeConcurrency(n))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		return oaistt.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		return newEnergy(entry), nil
	})

	// silero falls back to the energy classifier when the service is down.
	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
		opts := []silero.Option{silero.WithFallback(newEnergy(entry))}
		if t := optFloat(entry.Options, "threshold"); t > 0 {
			opts = append(opts, silero.WithThreshold(t))
		}
		return silero.New(entry.BaseURL, opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("discord", func(config.ProviderEntry) (audio.Platform, error) {
		if bot == nil {
			return nil, errors.New("discord audio needs discord.token to be set")
		}
		return bot.Platform(), nil
	})

	for _, kind := range []string{"llm", "stt", "vad", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

func newEnergy(entry config.ProviderEntry) *energy.Engine {
	var opts []energy.Option
	if ref := optFloat(entry.Options, "reference"); ref > 0 {
		opts = append(opts, energy.WithReference(ref))
	}
	if floor := optFloat(entry.Options, "noise_floor"); floor > 0 {
		opts = append(opts, energy.WithNoiseFloor(floor))
	}
	return energy.New(opts...)
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// STT and LLM providers are wrapped in circuit-breaking fallback groups whose
// health is reported through the returned readiness checks.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, []health.Checker, error) {
	ps := &app.Providers{}
	var checkers []health.Checker
	breakers := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		},
		Metrics: metrics,
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return nil, nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		fb := resilience.NewSTTFallback(p, name, breakers)
		for i, entry := range cfg.Providers.STTFallbacks {
			alt, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, nil, fmt.Errorf("create stt fallback %d %q: %w", i, entry.Name, err)
			}
			fb.AddFallback(entry.Name, alt)
			slog.Info("provider created", "kind", "stt-fallback", "name", entry.Name)
		}
		ps.STT = fb
		checkers = append(checkers, health.Flag("stt", fb.Healthy, "every stt backend has an open circuit breaker"))
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		lfb := resilience.NewLLMFallback(p, name, breakers)
		ps.LLM = lfb
		checkers = append(checkers, health.Optional(health.Flag("llm", lfb.Healthy, "every llm backend has an open circuit breaker")))
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	if name := cfg.Providers.Audio.Name; name != "" {
		p, err := reg.CreateAudio(cfg.Providers.Audio)
		if err != nil {
			return nil, nil, fmt.Errorf("create audio provider %q: %w", name, err)
		}
		ps.Audio = p
		slog.Info("provider created", "kind", "audio", "name", name)
	}

	return ps, checkers, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         earshot · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printRow("STT fallbacks", fmt.Sprint(len(cfg.Providers.STTFallbacks)))
	if cfg.Discord.Token != "" {
		printRow("Discord", "connected")
	} else {
		printRow("Discord", "(disabled)")
	}
	switch {
	case cfg.Transcripts.PostgresDSN != "":
		printRow("Transcripts", "postgres")
	case cfg.Transcripts.FilePath != "":
		printRow("Transcripts", "file")
	default:
		printRow("Transcripts", "memory")
	}
	printRow("Vocabulary", fmt.Sprint(len(cfg.Transcripts.Vocabulary)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from a provider Options map. YAML decodes
// numbers as int or float64; anything else yields 0.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
