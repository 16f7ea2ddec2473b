package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/earshot/internal/transcribe"
)

// MessageAPI is the subset of *discordgo.Session used to post live
// utterance messages.
type MessageAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

var _ MessageAPI = (*discordgo.Session)(nil)

// Notifier posts, edits and deletes chat messages in text channels. Mentions
// are rendered but never ping anyone.
type Notifier struct {
	api MessageAPI
}

var _ transcribe.Notifier = (*Notifier)(nil)

// NewNotifier returns a Notifier sending through api.
func NewNotifier(api MessageAPI) *Notifier {
	return &Notifier{api: api}
}

// noPings suppresses notifications for the user mentions in live messages.
var noPings = &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}

// Post sends content to channelID and returns the new message ID.
func (n *Notifier) Post(ctx context.Context, channelID, content string) (string, error) {
	m, err := n.api.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: noPings,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: post message: %w", err)
	}
	return m.ID, nil
}

// Edit replaces the content of a message.
func (n *Notifier) Edit(ctx context.Context, channelID, messageID, content string) error {
	_, err := n.api.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:              messageID,
		Channel:         channelID,
		Content:         &content,
		AllowedMentions: noPings,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

// Delete removes a message.
func (n *Notifier) Delete(ctx context.Context, channelID, messageID string) error {
	if err := n.api.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: delete message: %w", err)
	}
	return nil
}
