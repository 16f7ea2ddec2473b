package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const (
	// subscriptionBuffer holds about five seconds of 20 ms frames.
	subscriptionBuffer = 256

	// speakingDebounce limits how often packet arrival re-announces a speaker
	// that has no open subscription.
	speakingDebounce = 250 * time.Millisecond
)

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. Incoming Opus packets are demuxed by SSRC,
// decoded to PCM and delivered to the subscription of the user that owns the
// SSRC. The SSRC to user mapping is learned from speaking updates.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	session   *discordgo.Session
	guildID   string
	channelID string

	mu        sync.Mutex
	ssrcUser  map[uint32]string
	subs      map[string]*subscription
	announced map[string]time.Time

	cbMu sync.Mutex
	cb   func(audio.Event)

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the receive loop.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID, channelID string) *Connection {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		channelID:    channelID,
		ssrcUser:     make(map[uint32]string),
		subs:         make(map[string]*subscription),
		announced:    make(map[string]time.Time),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}

	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()
	return c
}

// ChannelID returns the voice channel this connection is joined to.
func (c *Connection) ChannelID() string { return c.channelID }

// OnEvent registers cb as the callback for participant events.
// Only one callback may be registered; subsequent calls replace the previous one.
func (c *Connection) OnEvent(cb func(audio.Event)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb = cb
}

// Subscribe opens a frame stream for userID. A previous subscription for the
// same user is ended first.
func (c *Connection) Subscribe(userID string, opts audio.SubscribeOptions) (audio.Subscription, error) {
	select {
	case <-c.done:
		return nil, audio.ErrConnectionClosed
	default:
	}

	sub := newSubscription(opts.TrailingSilence, func(s *subscription) { c.forget(userID, s) })
	c.mu.Lock()
	prev := c.subs[userID]
	c.subs[userID] = sub
	c.mu.Unlock()

	if prev != nil {
		prev.end(nil)
	}
	return sub, nil
}

// Done is closed once Disconnect has been called.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Disconnect cleanly tears down the voice connection and ends every open
// subscription. It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		c.mu.Lock()
		subs := make([]*subscription, 0, len(c.subs))
		for _, s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			s.end(nil)
		}
	})
	return err
}

// forget drops sub from the subscription table if it is still the current
// one for userID.
func (c *Connection) forget(userID string, sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[userID] == sub {
		delete(c.subs, userID)
	}
}

// recvLoop reads Opus packets from the Discord voice connection, demuxes them
// by SSRC, decodes Opus to PCM, and delivers frames to the owning user's
// subscription. Packets from unmapped SSRCs are dropped.
func (c *Connection) recvLoop() {
	decoders := make(streamDecoders)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				// Remote side tore down the voice connection.
				_ = c.Disconnect()
				return
			}
			if pkt == nil {
				continue
			}
			c.handlePacket(pkt, decoders)
		}
	}
}

func (c *Connection) handlePacket(pkt *discordgo.Packet, decoders streamDecoders) {
	c.mu.Lock()
	userID, known := c.ssrcUser[pkt.SSRC]
	sub := c.subs[userID]
	announce := false
	if known && sub == nil {
		now := time.Now()
		if now.Sub(c.announced[userID]) >= speakingDebounce {
			c.announced[userID] = now
			announce = true
		}
	}
	c.mu.Unlock()

	if !known {
		return
	}
	if announce {
		c.emitEvent(audio.Event{Type: audio.EventSpeakingStart, UserID: userID, Username: c.displayName(userID)})
	}
	if sub == nil {
		return
	}

	frames, err := decoders.decode(pkt.SSRC, pkt.Sequence, pkt.Timestamp, pkt.Opus)
	if err != nil {
		slog.Warn("discord: opus decode error", "user_id", userID, "ssrc", pkt.SSRC, "error", err)
	}
	for _, f := range frames {
		sub.push(audio.AudioFrame{
			Data:       f.pcm,
			SampleRate: opusSampleRate,
			Channels:   opusChannels,
			Timestamp:  rtpOffset(f.rtp),
		})
	}
}

// handleSpeakingUpdate learns the SSRC of a user and announces the speaker.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.mu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.announced[vs.UserID] = time.Now()
	c.mu.Unlock()

	if vs.Speaking {
		c.emitEvent(audio.Event{Type: audio.EventSpeakingStart, UserID: vs.UserID, Username: c.displayName(vs.UserID)})
	}
}

// handleVoiceStateUpdate processes Discord VoiceStateUpdate events to detect
// participant joins and leaves for the voice channel this connection is on.
// A leaving participant's subscription ends immediately.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}

	username := ""
	if vsu.Member != nil {
		username = memberName(vsu.Member)
	}

	// Participant left our channel.
	if vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == c.channelID && vsu.ChannelID != c.channelID {
		c.mu.Lock()
		sub := c.subs[vsu.UserID]
		c.mu.Unlock()
		if sub != nil {
			sub.end(nil)
		}
		c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
		return
	}

	// Participant joined our channel.
	if vsu.ChannelID == c.channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != c.channelID) {
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	}
}

// displayName resolves the guild display name for userID from the session
// state cache. It returns "" when the member is not cached.
func (c *Connection) displayName(userID string) string {
	if c.session == nil || c.session.State == nil {
		return ""
	}
	m, err := c.session.State.Member(c.guildID, userID)
	if err != nil || m == nil {
		return ""
	}
	return memberName(m)
}

// memberName prefers the guild nickname, then the global display name, then
// the account username.
func memberName(m *discordgo.Member) string {
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

// emitEvent invokes the registered callback on its own goroutine so the
// receive loop never blocks on consumers.
func (c *Connection) emitEvent(ev audio.Event) {
	c.cbMu.Lock()
	cb := c.cb
	c.cbMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
