// Package discord implements [audio.Platform] on Discord voice channels.
//
// The gateway session belongs to the bot layer; this package only joins
// voice, decodes each speaker's Opus stream to PCM and hands the frames to
// earshot as per-participant subscriptions. earshot joins muted and never
// sends audio.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/earshot/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// Platform joins voice channels through a shared gateway session. It is safe
// for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
}

// New returns a Platform on session. A non-empty guildID restricts it to
// that guild; otherwise the guild is looked up from the state cache.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{session: session, guildID: guildID}
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Connect joins channelID. ctx bounds the voice handshake only. When ctx
// ends first, the late connection is torn down in the background.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	guildID, err := p.resolveGuild(channelID)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	joined := make(chan joinResult, 1)
	go func() {
		vc, err := p.session.ChannelVoiceJoin(guildID, channelID, true, false)
		joined <- joinResult{vc, err}
	}()

	select {
	case res := <-joined:
		if res.err != nil {
			return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, res.err)
		}
		return newConnection(res.vc, p.session, guildID, channelID), nil
	case <-ctx.Done():
		go func() {
			if res := <-joined; res.err == nil {
				if err := res.vc.Disconnect(); err != nil {
					slog.Warn("discord: leave abandoned voice join", "guild_id", guildID, "err", err)
				}
			}
		}()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, ctx.Err())
	}
}

// resolveGuild finds the guild owning channelID. Channels the state cache
// knows must be voice or stage channels in the bound guild; unknown channels
// are trusted when the platform is bound.
func (p *Platform) resolveGuild(channelID string) (string, error) {
	var ch *discordgo.Channel
	if p.session.State != nil {
		ch, _ = p.session.State.Channel(channelID)
	}

	switch {
	case ch == nil && p.guildID != "":
		return p.guildID, nil
	case ch == nil && p.session.State == nil:
		return "", errors.New("no guild configured and state cache disabled")
	case ch == nil:
		return "", errors.New("channel not in state cache")
	case ch.Type != discordgo.ChannelTypeGuildVoice && ch.Type != discordgo.ChannelTypeGuildStageVoice:
		return "", errors.New("not a voice channel")
	case ch.GuildID == "":
		return "", errors.New("channel does not belong to a guild")
	case p.guildID != "" && ch.GuildID != p.guildID:
		return "", fmt.Errorf("channel belongs to guild %s", ch.GuildID)
	}
	return ch.GuildID, nil
}
