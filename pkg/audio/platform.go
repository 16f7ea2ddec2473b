// Package audio defines the contracts and pure transforms for voice-session
// audio within earshot.
//
// The abstractions are:
//
//   - [Platform] connects to a voice channel and returns a [Connection].
//   - [Connection] reports participant activity and opens per-speaker
//     [Subscription] values, each a finite, non-restartable sequence of
//     decoded PCM frames in [VoiceFormat].
//
// The package also holds the two pure transforms the pipeline relies on:
// [Downsample48kStereoTo16kMono] and [EncodeWAV].
//
// Implementations of the interfaces live in platform adapter packages
// (e.g., audio/discord). This package is under pkg/ because third-party
// adapters are expected to implement [Platform] and [Connection].
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrConnectionClosed is returned by [Connection.Subscribe] after the
// connection has been torn down.
var ErrConnectionClosed = errors.New("audio: connection closed")

// EventType classifies participant events emitted by a [Connection].
type EventType int

const (
	// EventSpeakingStart is emitted when a participant begins producing audio.
	// Transports may emit it repeatedly for the same participant.
	EventSpeakingStart EventType = iota

	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventSpeakingStart:
		return "SPEAKING_START"
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant change on a voice channel.
type Event struct {
	// Type is the kind of change.
	Type EventType

	// UserID is the platform-specific unique identifier for the participant.
	UserID string

	// Username is the display name, or empty when the transport cannot
	// resolve it.
	Username string
}

// SubscribeOptions configures a per-speaker [Subscription].
type SubscribeOptions struct {
	// TrailingSilence closes the subscription once no frame has arrived for
	// this long. Zero disables the self-close.
	TrailingSilence time.Duration
}

// Subscription is a finite stream of decoded frames for a single speaker.
// It ends when the trailing-silence window elapses, when the speaker leaves,
// when the connection closes, or when Close is called.
type Subscription interface {
	// Frames returns the frame channel. It is closed when the subscription ends.
	Frames() <-chan AudioFrame

	// Err reports the transport error that ended the subscription, if any.
	// It is only meaningful after Frames has been closed.
	Err() error

	// Close releases the subscription. It is safe to call more than once.
	Close() error
}

// Connection represents an active session on a voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// ChannelID returns the voice channel this connection is joined to.
	ChannelID() string

	// OnEvent registers cb for participant events. Only one callback may be
	// registered; later calls replace it. The callback runs on an internal
	// goroutine and must not block.
	OnEvent(cb func(Event))

	// Subscribe opens a frame stream for userID. At most one subscription per
	// user is open at a time; subscribing again replaces the previous one,
	// which is closed.
	Subscribe(userID string, opts SubscribeOptions) (Subscription, error)

	// Done is closed once the connection has been torn down, locally or by
	// the remote side.
	Done() <-chan struct{}

	// Disconnect tears down the connection and closes all subscriptions.
	// Subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID. ctx governs the
	// connection attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
