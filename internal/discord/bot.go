// Package discord is earshot's Discord front end: the gateway session, slash
// command routing, operator permission checks and the live caption messages
// posted while people talk.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/earshot/pkg/audio"
	discordaudio "github.com/MrWong99/earshot/pkg/audio/discord"
)

// intents are the gateway events earshot consumes: interactions and guild
// state, voice state for join and leave detection, and members for display
// names in transcripts.
const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsGuildMembers

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID pins the bot to one guild. Commands are registered there and
	// interactions from other guilds are refused. Empty serves every guild
	// with global commands.
	GuildID string

	// OperatorRoleID is the role allowed to start, stop and clear
	// transcription. Empty allows every guild member.
	OperatorRoleID string
}

// Bot owns the gateway session.
type Bot struct {
	session  *discordgo.Session
	platform *discordaudio.Platform
	notifier *Notifier
	router   *CommandRouter
	perms    *PermissionChecker
	guildID  string
	ready    atomic.Bool

	mu         sync.Mutex
	registered []*discordgo.ApplicationCommand
	closed     bool
}

// New opens a gateway session. Commands are published later by [Bot.Run], so
// handlers can be registered on [Bot.Router] in between.
func New(_ context.Context, cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = intents

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session, cfg.GuildID),
		notifier: NewNotifier(session),
		router:   NewCommandRouter(),
		perms:    NewPermissionChecker(cfg.OperatorRoleID),
		guildID:  cfg.GuildID,
	}
	session.AddHandler(b.onInteraction)
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.ready.Store(true)
		slog.Info("discord: gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	session.AddHandler(func(*discordgo.Session, *discordgo.Resumed) {
		b.ready.Store(true)
		slog.Info("discord: gateway resumed")
	})
	session.AddHandler(func(*discordgo.Session, *discordgo.Disconnect) {
		b.ready.Store(false)
		slog.Warn("discord: gateway disconnected")
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !b.servesGuild(i.GuildID) {
		slog.Debug("discord: interaction from foreign guild", "guild_id", i.GuildID)
		RespondEphemeral(s, i, "earshot is not set up for this server.")
		return
	}
	b.router.Handle(s, i)
}

// servesGuild reports whether interactions from guildID are handled. DMs carry
// no guild and are always refused.
func (b *Bot) servesGuild(guildID string) bool {
	return guildID != "" && (b.guildID == "" || guildID == b.guildID)
}

// Platform returns the voice platform.
func (b *Bot) Platform() audio.Platform { return b.platform }

// Notifier returns the live caption poster.
func (b *Bot) Notifier() *Notifier { return b.notifier }

// Router returns the command router.
func (b *Bot) Router() *CommandRouter { return b.router }

// Permissions returns the operator permission checker.
func (b *Bot) Permissions() *PermissionChecker { return b.perms }

// Ready reports whether the gateway is connected. It backs the discord
// readiness check.
func (b *Bot) Ready() bool { return b.ready.Load() }

// VoiceChannel returns the voice channel userID is in, from the state cache.
func (b *Bot) VoiceChannel(guildID, userID string) (string, error) {
	vs, err := b.session.State.VoiceState(guildID, userID)
	if err != nil {
		return "", err
	}
	return vs.ChannelID, nil
}

// Run publishes the router's commands and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if cmds := b.router.ApplicationCommands(); len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.registered = registered
		b.mu.Unlock()
		slog.Info("discord: commands registered", "count", len(registered), "guild_id", b.guildID)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close closes the gateway. Guild commands are removed so a stopped earshot
// does not leave dead commands in the guild; global commands stay, since
// Discord takes up to an hour to propagate them again.
func (b *Bot) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.ready.Store(false)

	var errs []error
	if b.guildID != "" {
		appID := b.session.State.User.ID
		for _, cmd := range b.registered {
			if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
				errs = append(errs, fmt.Errorf("delete command %s: %w", cmd.Name, err))
			}
		}
	}
	if err := b.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	slog.Info("discord: bot closed")
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}
