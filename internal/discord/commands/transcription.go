// Package commands implements Discord slash command handlers for earshot.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/discord"
)

// commandTimeout bounds a single command, including joining or leaving voice.
const commandTimeout = 30 * time.Second

// VoiceLookup returns the voice channel a user is connected to in a guild.
type VoiceLookup func(guildID, userID string) (string, error)

// TranscriptionCommands holds the dependencies for /transcribe and /stop.
type TranscriptionCommands struct {
	sessions     *app.SessionManager
	perms        *discord.PermissionChecker
	voiceChannel VoiceLookup
}

// NewTranscriptionCommands creates a TranscriptionCommands and registers its
// handlers with the bot's router.
func NewTranscriptionCommands(bot *discord.Bot, sessions *app.SessionManager) *TranscriptionCommands {
	tc := &TranscriptionCommands{
		sessions:     sessions,
		perms:        bot.Permissions(),
		voiceChannel: bot.VoiceChannel,
	}
	tc.Register(bot.Router())
	return tc
}

// Register registers /transcribe and /stop with the router.
func (tc *TranscriptionCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("transcribe", &discordgo.ApplicationCommand{
		Name:        "transcribe",
		Description: "Join your voice channel and transcribe everyone in it",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "meeting",
			Description: "Meeting name (defaults to the current date and time)",
			MaxLength:   100,
		}},
	}, tc.handleTranscribe)
	router.RegisterCommand("stop", &discordgo.ApplicationCommand{
		Name:        "stop",
		Description: "Stop transcribing and leave the voice channel",
	}, tc.handleStop)
}

func (tc *TranscriptionCommands) handleTranscribe(r discord.Responder, i *discordgo.InteractionCreate) {
	if !tc.perms.IsOperator(i) {
		discord.RespondEphemeral(r, i, "You need the operator role to start transcription.")
		return
	}

	userID := discord.InteractionUserID(i)
	voiceID, err := tc.voiceChannel(i.GuildID, userID)
	if err != nil || voiceID == "" {
		discord.RespondEphemeral(r, i, "You must be in a voice channel to start transcription.")
		return
	}

	if info, ok := tc.sessions.Info(i.GuildID); ok {
		discord.RespondEphemeral(r, i, fmt.Sprintf("Already transcribing <#%s> (meeting **%s**).", info.VoiceChannelID, info.Meeting.Name))
		return
	}

	// Joining voice may take a moment.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	name := strings.TrimSpace(optionString(i.ApplicationCommandData().Options, "meeting"))
	info, err := tc.sessions.Start(ctx, i.GuildID, voiceID, i.ChannelID, name)
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to start transcription: %v", err))
		return
	}

	discord.FollowUp(r, i, fmt.Sprintf(
		"Transcribing <#%s> into <#%s>.\n**Meeting:** %s (`%s`)",
		info.VoiceChannelID,
		info.TextChannelID,
		info.Meeting.Name,
		info.Meeting.ID,
	))
}

func (tc *TranscriptionCommands) handleStop(r discord.Responder, i *discordgo.InteractionCreate) {
	if !tc.perms.IsOperator(i) {
		discord.RespondEphemeral(r, i, "You need the operator role to stop transcription.")
		return
	}
	if _, ok := tc.sessions.Info(i.GuildID); !ok {
		discord.RespondEphemeral(r, i, "Nothing is being transcribed.")
		return
	}

	// Stop waits for in-flight transcriptions and the summary.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := tc.sessions.Stop(ctx, i.GuildID)
	if errors.Is(err, app.ErrNoSession) {
		discord.FollowUp(r, i, "Nothing is being transcribed.")
		return
	}
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to stop transcription: %v", err))
		return
	}

	msg := fmt.Sprintf("Stopped transcribing **%s**.\n**Duration:** %s\n**Utterances:** %d",
		res.Info.Meeting.Name, res.Duration, res.Entries)
	if res.Summary != "" {
		msg += "\nA summary was posted in the channel."
	}
	discord.FollowUp(r, i, msg)
}

// optionString returns the value of the named string option, or "".
func optionString(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, o := range opts {
		if o.Name == name && o.Type == discordgo.ApplicationCommandOptionString {
			return o.StringValue()
		}
	}
	return ""
}

// optionUserID returns the ID of the named user option, or "".
func optionUserID(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, o := range opts {
		if o.Name == name && o.Type == discordgo.ApplicationCommandOptionUser {
			return o.UserValue(nil).ID
		}
	}
	return ""
}

// focusedOption returns the option the user is typing into during
// autocomplete.
func focusedOption(opts []*discordgo.ApplicationCommandInteractionDataOption) *discordgo.ApplicationCommandInteractionDataOption {
	for _, o := range opts {
		if o.Focused {
			return o
		}
	}
	return nil
}
