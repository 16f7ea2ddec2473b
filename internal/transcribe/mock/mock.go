// Package mock provides a recording test double for transcribe.Notifier.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/earshot/internal/transcribe"
)

// Op is one recorded Notifier call.
type Op struct {
	Kind      string // "post", "edit" or "delete"
	ChannelID string
	MessageID string
	Content   string
}

// Notifier records calls and hands out sequential message IDs.
type Notifier struct {
	mu sync.Mutex

	// PostErr, EditErr and DeleteErr are returned by the matching method.
	PostErr   error
	EditErr   error
	DeleteErr error

	ops  []Op
	next int
}

var _ transcribe.Notifier = (*Notifier)(nil)

// Post records the call and returns "msg-<n>".
func (n *Notifier) Post(_ context.Context, channelID, content string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.PostErr != nil {
		return "", n.PostErr
	}
	n.next++
	id := fmt.Sprintf("msg-%d", n.next)
	n.ops = append(n.ops, Op{Kind: "post", ChannelID: channelID, MessageID: id, Content: content})
	return id, nil
}

// Edit records the call.
func (n *Notifier) Edit(_ context.Context, channelID, messageID, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ops = append(n.ops, Op{Kind: "edit", ChannelID: channelID, MessageID: messageID, Content: content})
	return n.EditErr
}

// Delete records the call.
func (n *Notifier) Delete(_ context.Context, channelID, messageID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ops = append(n.ops, Op{Kind: "delete", ChannelID: channelID, MessageID: messageID})
	return n.DeleteErr
}

// Ops returns a copy of the recorded calls.
func (n *Notifier) Ops() []Op {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Op(nil), n.ops...)
}
