package discord

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// maxContent is Discord's message length limit in characters.
const maxContent = 2000

// Responder is the subset of *discordgo.Session used to answer interactions.
type Responder interface {
	InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(i *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Responder = (*discordgo.Session)(nil)

// respond sends one interaction response. Failures are logged; the user sees
// "interaction failed" from Discord either way.
func respond(r Responder, i *discordgo.InteractionCreate, typ discordgo.InteractionResponseType, data *discordgo.InteractionResponseData) {
	if data != nil {
		data.Content = clip(data.Content)
	}
	if err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: typ, Data: data}); err != nil {
		slog.Warn("discord: interaction response failed", "type", typ, "guild_id", i.GuildID, "err", err)
	}
}

func followUp(r Responder, i *discordgo.InteractionCreate, params *discordgo.WebhookParams) {
	params.Content = clip(params.Content)
	params.Flags |= discordgo.MessageFlagsEphemeral
	if _, err := r.FollowupMessageCreate(i.Interaction, true, params); err != nil {
		slog.Warn("discord: follow-up failed", "guild_id", i.GuildID, "files", len(params.Files), "err", err)
	}
}

// clip cuts s to maxContent characters, marking the cut with an ellipsis.
func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxContent {
		return s
	}
	return string(r[:maxContent-1]) + "…"
}

// RespondEphemeral replies with text only the invoking user sees.
func RespondEphemeral(r Responder, i *discordgo.InteractionCreate, content string) {
	respond(r, i, discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
}

// RespondError replies ephemerally with err.
func RespondError(r Responder, i *discordgo.InteractionCreate, err error) {
	RespondEphemeral(r, i, fmt.Sprintf("Error: %v", err))
}

// RespondComponents replies ephemerally with content and buttons.
func RespondComponents(r Responder, i *discordgo.InteractionCreate, content string, components []discordgo.MessageComponent) {
	respond(r, i, discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{
		Content:    content,
		Components: components,
		Flags:      discordgo.MessageFlagsEphemeral,
	})
}

// UpdateMessage replaces the message a component interaction came from and
// drops its buttons.
func UpdateMessage(r Responder, i *discordgo.InteractionCreate, content string) {
	respond(r, i, discordgo.InteractionResponseUpdateMessage, &discordgo.InteractionResponseData{
		Content:    content,
		Components: []discordgo.MessageComponent{},
	})
}

// RespondChoices answers an autocomplete interaction.
func RespondChoices(r Responder, i *discordgo.InteractionCreate, choices []*discordgo.ApplicationCommandOptionChoice) {
	respond(r, i, discordgo.InteractionApplicationCommandAutocompleteResult, &discordgo.InteractionResponseData{Choices: choices})
}

// DeferReply acknowledges a slow command; answer later with the FollowUp
// helpers.
func DeferReply(r Responder, i *discordgo.InteractionCreate) {
	respond(r, i, discordgo.InteractionResponseDeferredChannelMessageWithSource, &discordgo.InteractionResponseData{
		Flags: discordgo.MessageFlagsEphemeral,
	})
}

// FollowUp sends an ephemeral message after [DeferReply].
func FollowUp(r Responder, i *discordgo.InteractionCreate, content string) {
	followUp(r, i, &discordgo.WebhookParams{Content: content})
}

// FollowUpChunks sends each chunk as its own follow-up.
func FollowUpChunks(r Responder, i *discordgo.InteractionCreate, chunks []string) {
	for _, c := range chunks {
		FollowUp(r, i, c)
	}
}

// FollowUpFile attaches data as a file named name.
func FollowUpFile(r Responder, i *discordgo.InteractionCreate, content, name, contentType string, data []byte) {
	followUp(r, i, &discordgo.WebhookParams{
		Content: content,
		Files:   []*discordgo.File{{Name: name, ContentType: contentType, Reader: bytes.NewReader(data)}},
	})
}
