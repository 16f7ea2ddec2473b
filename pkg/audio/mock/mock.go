// Package mock provides in-memory mock implementations of the [audio.Platform],
// [audio.Connection], and [audio.Subscription] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection("channel-42")
//	platform := &mock.Platform{ConnectResult: conn}
//	got, _ := platform.Connect(ctx, "channel-42")
//	got.OnEvent(handler)
//	conn.EmitEvent(audio.Event{Type: audio.EventSpeakingStart, UserID: "u1"})
//	sub := conn.Subscription("u1")
//	sub.Push(audio.AudioFrame{Data: pcm})
//	sub.End(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// frameBuffer is the capacity of mock subscription frame channels.
const frameBuffer = 256

// ─── Subscription ─────────────────────────────────────────────────────────────

// Subscription is a mock implementation of [audio.Subscription]. Tests feed it
// with [Subscription.Push] and end it with [Subscription.End].
type Subscription struct {
	mu sync.Mutex

	// UserID is the speaker this subscription was opened for.
	UserID string

	// Options are the options passed to Subscribe.
	Options audio.SubscribeOptions

	// CloseError is returned by [Subscription.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	frames chan audio.AudioFrame
	err    error
	ended  bool
}

// NewSubscription returns an open subscription for userID.
func NewSubscription(userID string, opts audio.SubscribeOptions) *Subscription {
	return &Subscription{
		UserID:  userID,
		Options: opts,
		frames:  make(chan audio.AudioFrame, frameBuffer),
	}
}

// Frames implements [audio.Subscription].
func (s *Subscription) Frames() <-chan audio.AudioFrame { return s.frames }

// Err implements [audio.Subscription].
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.Subscription]. It ends the stream without error.
func (s *Subscription) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	closeErr := s.CloseError
	s.mu.Unlock()
	s.End(nil)
	return closeErr
}

// Push delivers a frame to the consumer. Frames pushed after the stream ended
// are dropped. Push never blocks past the channel capacity; excess frames are
// dropped as a real transport would.
func (s *Subscription) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// End closes the frame channel, recording err as the terminal transport
// error. Subsequent calls are no-ops.
func (s *Subscription) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.frames)
}

// Ended reports whether the stream has been closed.
func (s *Subscription) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Closed reports whether Close was called at least once.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// ─── Connection ───────────────────────────────────────────────────────────────

// SubscribeCall records the arguments of a single [Connection.Subscribe] invocation.
type SubscribeCall struct {
	UserID  string
	Options audio.SubscribeOptions
}

// Connection is a mock implementation of [audio.Connection].
// Set the exported fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// ID is returned by [Connection.ChannelID].
	ID string

	// SubscribeErrors maps a user ID to the error Subscribe returns for it.
	SubscribeErrors map[string]error

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// SubscribeCalls records all Subscribe invocations.
	SubscribeCalls []SubscribeCall

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// CallCountOnEvent records how many times OnEvent was called.
	CallCountOnEvent int

	cb   func(audio.Event)
	subs map[string]*Subscription
	done chan struct{}
	once sync.Once
}

// NewConnection returns a live mock connection joined to channelID.
func NewConnection(channelID string) *Connection {
	return &Connection{
		ID:   channelID,
		subs: make(map[string]*Subscription),
		done: make(chan struct{}),
	}
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ID
}

// OnEvent implements [audio.Connection].
// To simulate events in tests, call [Connection.EmitEvent].
func (c *Connection) OnEvent(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOnEvent++
	c.cb = cb
}

// Subscribe implements [audio.Connection]. A fresh [Subscription] is created
// for every call unless SubscribeErrors holds an error for userID. A previous
// subscription for the same user is closed.
func (c *Connection) Subscribe(userID string, opts audio.SubscribeOptions) (audio.Subscription, error) {
	c.mu.Lock()
	c.SubscribeCalls = append(c.SubscribeCalls, SubscribeCall{UserID: userID, Options: opts})
	if err := c.SubscribeErrors[userID]; err != nil {
		c.mu.Unlock()
		return nil, err
	}
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, audio.ErrConnectionClosed
	default:
	}
	if c.subs == nil {
		c.subs = make(map[string]*Subscription)
	}
	prev := c.subs[userID]
	sub := NewSubscription(userID, opts)
	c.subs[userID] = sub
	c.mu.Unlock()

	if prev != nil {
		prev.End(nil)
	}
	return sub, nil
}

// Subscription returns the most recent subscription opened for userID, or nil.
func (c *Connection) Subscription(userID string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[userID]
}

// Done implements [audio.Connection].
func (c *Connection) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

// Disconnect implements [audio.Connection]. The first call ends every open
// subscription and closes Done.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.CallCountDisconnect++
	err := c.DisconnectError
	if c.done == nil {
		c.done = make(chan struct{})
	}
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.once.Do(func() {
		close(c.done)
		for _, s := range subs {
			s.End(nil)
		}
	})
	return err
}

// EmitEvent invokes the registered event callback, if any, with ev.
// Use this in tests to simulate participants speaking, joining, or leaving.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform]. Records the call and returns ConnectResult / ConnectError.
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	return p.ConnectResult, p.ConnectError
}

// Compile-time interface assertions.
var (
	_ audio.Subscription = (*Subscription)(nil)
	_ audio.Connection   = (*Connection)(nil)
	_ audio.Platform     = (*Platform)(nil)
)
