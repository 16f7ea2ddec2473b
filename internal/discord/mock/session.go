// Package mock provides test doubles for Discord interaction testing.
package mock

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder records interaction responses for test assertions.
type InteractionResponder struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Err is returned by InteractionRespond and FollowupMessageCreate
	// when non-nil, allowing error injection.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *InteractionResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *InteractionResponder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *InteractionResponder) LastFollowUp() *discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// FollowUpContents returns the text of every follow-up in order.
func (m *InteractionResponder) FollowUpContents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.FollowUps))
	for i, f := range m.FollowUps {
		out[i] = f.Content
	}
	return out
}

// Reset clears all recorded interactions and errors.
func (m *InteractionResponder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = nil
	m.FollowUps = nil
	m.Err = nil
}

// Message is one message held by [MessageAPI].
type Message struct {
	ChannelID string
	Content   string
	Deleted   bool

	// Mentions records the allowed-mentions policy the message was sent with.
	Mentions *discordgo.MessageAllowedMentions
}

// MessageAPI records channel message calls and keeps the resulting
// messages by ID.
type MessageAPI struct {
	mu sync.Mutex

	// Err is returned by every method when non-nil.
	Err error

	next     int
	order    []string
	messages map[string]*Message
}

// ChannelMessageSendComplex stores a new message with ID "m<n>".
func (m *MessageAPI) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.messages == nil {
		m.messages = make(map[string]*Message)
	}
	m.next++
	id := fmt.Sprintf("m%d", m.next)
	m.messages[id] = &Message{ChannelID: channelID, Content: data.Content, Mentions: data.AllowedMentions}
	m.order = append(m.order, id)
	return &discordgo.Message{ID: id, ChannelID: channelID, Content: data.Content}, nil
}

// ChannelMessageEditComplex replaces the content of a stored message.
func (m *MessageAPI) ChannelMessageEditComplex(e *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	msg, ok := m.messages[e.ID]
	if !ok || msg.ChannelID != e.Channel {
		return nil, fmt.Errorf("mock: unknown message %s in %s", e.ID, e.Channel)
	}
	if e.Content != nil {
		msg.Content = *e.Content
	}
	return &discordgo.Message{ID: e.ID, ChannelID: e.Channel, Content: msg.Content}, nil
}

// ChannelMessageDelete marks a stored message deleted.
func (m *MessageAPI) ChannelMessageDelete(channelID, messageID string, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	msg, ok := m.messages[messageID]
	if !ok || msg.ChannelID != channelID {
		return fmt.Errorf("mock: unknown message %s in %s", messageID, channelID)
	}
	msg.Deleted = true
	return nil
}

// Get returns a copy of the message with the given ID.
func (m *MessageAPI) Get(id string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Visible returns the contents of undeleted messages in send order.
func (m *MessageAPI) Visible() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range m.order {
		if msg := m.messages[id]; !msg.Deleted {
			out = append(out, msg.Content)
		}
	}
	return out
}
