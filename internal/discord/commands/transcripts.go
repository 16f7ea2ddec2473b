package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/earshot/internal/discord"
	"github.com/MrWong99/earshot/internal/meeting"
	"github.com/MrWong99/earshot/internal/transcript"
)

const (
	clearConfirmPrefix = "clear_confirm:"
	clearCancelPrefix  = "clear_cancel:"

	// maxChoices is Discord's autocomplete limit.
	maxChoices = 25
)

// TranscriptCommands holds the dependencies for the commands that read or
// erase stored transcripts: /transcript, /export, /summary and /clear.
type TranscriptCommands struct {
	store      transcript.Store
	meetings   *meeting.Registry
	summarizer *meeting.Summarizer
	perms      *discord.PermissionChecker
}

// NewTranscriptCommands creates a TranscriptCommands and registers its
// handlers with the bot's router. summarizer may be nil.
func NewTranscriptCommands(bot *discord.Bot, store transcript.Store, meetings *meeting.Registry, summarizer *meeting.Summarizer) *TranscriptCommands {
	tc := &TranscriptCommands{
		store:      store,
		meetings:   meetings,
		summarizer: summarizer,
		perms:      bot.Permissions(),
	}
	tc.Register(bot.Router())
	return tc
}

func meetingOption(desc string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionString,
		Name:         "meeting",
		Description:  desc,
		Autocomplete: true,
	}
}

// Register registers the commands with the router.
func (tc *TranscriptCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("transcript", &discordgo.ApplicationCommand{
		Name:        "transcript",
		Description: "Show stored transcripts for this server",
		Options: []*discordgo.ApplicationCommandOption{
			meetingOption("Only show this meeting"),
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        "user",
				Description: "Only show what this user said",
			},
		},
	}, tc.handleTranscript)
	router.RegisterCommand("export", &discordgo.ApplicationCommand{
		Name:        "export",
		Description: "Download stored transcripts as JSON",
		Options:     []*discordgo.ApplicationCommandOption{meetingOption("Only export this meeting")},
	}, tc.handleExport)
	router.RegisterCommand("summary", &discordgo.ApplicationCommand{
		Name:        "summary",
		Description: "Summarize a meeting (defaults to the latest one)",
		Options:     []*discordgo.ApplicationCommandOption{meetingOption("Meeting to summarize")},
	}, tc.handleSummary)
	router.RegisterCommand("clear", &discordgo.ApplicationCommand{
		Name:        "clear",
		Description: "Delete all stored transcripts and meetings for this server",
	}, tc.handleClear)

	for _, name := range []string{"transcript", "export", "summary"} {
		router.RegisterAutocomplete(name, tc.autocompleteMeeting)
	}
	router.RegisterComponentPrefix(clearConfirmPrefix, tc.handleClearConfirm)
	router.RegisterComponentPrefix(clearCancelPrefix, tc.handleClearCancel)
}

// selection loads the guild's entries, narrowed by the optional meeting and
// user options.
func (tc *TranscriptCommands) selection(ctx context.Context, i *discordgo.InteractionCreate) ([]transcript.Entry, error) {
	opts := i.ApplicationCommandData().Options
	meetingID := optionString(opts, "meeting")
	userID := optionUserID(opts, "user")

	var (
		entries []transcript.Entry
		err     error
	)
	if userID != "" {
		entries, err = tc.store.ByUser(ctx, i.GuildID, userID)
	} else {
		entries, err = tc.store.ByGuild(ctx, i.GuildID)
	}
	if err != nil || meetingID == "" {
		return entries, err
	}

	out := make([]transcript.Entry, 0, len(entries))
	for _, e := range entries {
		if e.MeetingID == meetingID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (tc *TranscriptCommands) handleTranscript(r discord.Responder, i *discordgo.InteractionCreate) {
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	entries, err := tc.selection(ctx, i)
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to load transcripts: %v", err))
		return
	}
	if len(entries) == 0 {
		discord.FollowUp(r, i, "No transcripts found.")
		return
	}
	discord.FollowUpChunks(r, i, transcript.ChunkMessage(transcript.Format(entries), transcript.MaxMessageLen))
}

func (tc *TranscriptCommands) handleExport(r discord.Responder, i *discordgo.InteractionCreate) {
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	entries, err := tc.selection(ctx, i)
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to load transcripts: %v", err))
		return
	}
	data, err := transcript.ExportJSON(entries)
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to export transcripts: %v", err))
		return
	}
	name := fmt.Sprintf("transcripts-%s.json", time.Now().UTC().Format("20060102-150405"))
	discord.FollowUpFile(r, i, fmt.Sprintf("%d entries.", len(entries)), name, "application/json", data)
}

func (tc *TranscriptCommands) handleSummary(r discord.Responder, i *discordgo.InteractionCreate) {
	if tc.summarizer == nil {
		discord.RespondEphemeral(r, i, "Summaries need an LLM provider to be configured.")
		return
	}

	var (
		m   meeting.Meeting
		err error
	)
	if id := optionString(i.ApplicationCommandData().Options, "meeting"); id != "" {
		m, err = tc.meetings.Get(id)
		if err == nil && m.GuildID != i.GuildID {
			err = meeting.ErrNotFound
		}
	} else {
		m, err = tc.meetings.Latest(i.GuildID)
	}
	if errors.Is(err, meeting.ErrNotFound) {
		discord.RespondEphemeral(r, i, "No such meeting.")
		return
	}
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}

	// The LLM call may take a while.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), 2*commandTimeout)
	defer cancel()

	entries, err := tc.store.ByGuild(ctx, i.GuildID)
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to load transcripts: %v", err))
		return
	}
	own := make([]transcript.Entry, 0, len(entries))
	for _, e := range entries {
		if e.MeetingID == m.ID {
			own = append(own, e)
		}
	}
	if len(own) == 0 {
		discord.FollowUp(r, i, fmt.Sprintf("Meeting **%s** has no transcripts.", m.Name))
		return
	}

	summary, err := tc.summarizer.Summarize(ctx, m, own)
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to summarize: %v", err))
		return
	}
	text := fmt.Sprintf("**Summary of %s**\n%s", m.Name, summary)
	discord.FollowUpChunks(r, i, transcript.ChunkMessage(text, transcript.MaxMessageLen))
}

func (tc *TranscriptCommands) handleClear(r discord.Responder, i *discordgo.InteractionCreate) {
	if !tc.perms.IsOperator(i) {
		discord.RespondEphemeral(r, i, "You need the operator role to clear transcripts.")
		return
	}
	discord.RespondComponents(r, i,
		"Delete **all** stored transcripts and meetings for this server? This cannot be undone.",
		[]discordgo.MessageComponent{discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "Delete everything", Style: discordgo.DangerButton, CustomID: clearConfirmPrefix + i.GuildID},
			discordgo.Button{Label: "Cancel", Style: discordgo.SecondaryButton, CustomID: clearCancelPrefix + i.GuildID},
		}}},
	)
}

func (tc *TranscriptCommands) handleClearConfirm(r discord.Responder, i *discordgo.InteractionCreate) {
	if !tc.perms.IsOperator(i) {
		discord.RespondEphemeral(r, i, "You need the operator role to clear transcripts.")
		return
	}
	guildID := strings.TrimPrefix(i.MessageComponentData().CustomID, clearConfirmPrefix)
	if guildID != i.GuildID {
		discord.RespondEphemeral(r, i, "This button belongs to another server.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	n, err := tc.store.ClearGuild(ctx, guildID)
	if err != nil {
		discord.UpdateMessage(r, i, fmt.Sprintf("Error: %v", err))
		return
	}
	m := tc.meetings.ClearGuild(guildID)
	discord.UpdateMessage(r, i, fmt.Sprintf("Deleted %d transcript entries and %d meetings.", n, m))
}

func (tc *TranscriptCommands) handleClearCancel(r discord.Responder, i *discordgo.InteractionCreate) {
	discord.UpdateMessage(r, i, "Nothing was deleted.")
}

// autocompleteMeeting suggests the guild's meetings, newest first, matching
// what the user typed against name or ID.
func (tc *TranscriptCommands) autocompleteMeeting(r discord.Responder, i *discordgo.InteractionCreate) {
	var typed string
	if o := focusedOption(i.ApplicationCommandData().Options); o != nil && o.Type == discordgo.ApplicationCommandOptionString {
		typed = strings.ToLower(o.StringValue())
	}

	meetings := tc.meetings.ByGuild(i.GuildID)
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, maxChoices)
	for k := len(meetings) - 1; k >= 0 && len(choices) < maxChoices; k-- {
		m := meetings[k]
		if typed != "" && !strings.Contains(strings.ToLower(m.Name), typed) && !strings.Contains(strings.ToLower(m.ID), typed) {
			continue
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{
			Name:  fmt.Sprintf("%s (%s)", m.Name, m.CreatedAt.UTC().Format("2006-01-02 15:04")),
			Value: m.ID,
		})
	}
	discord.RespondChoices(r, i, choices)
}
