package discord

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// silenceOpus is an Opus silence frame.
var silenceOpus = []byte{0xF8, 0xFF, 0xFE}

// newTestConnection creates a Connection suitable for unit testing without
// a real Discord voice connection. It wires up a fake OpusRecv channel.
func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		OpusRecv: make(chan *discordgo.Packet, 16),
	}
	c := &Connection{
		vc:           vc,
		session:      &discordgo.Session{},
		guildID:      "guild-test",
		channelID:    "voice-1",
		ssrcUser:     make(map[uint32]string),
		subs:         make(map[string]*subscription),
		announced:    make(map[string]time.Time),
		done:         make(chan struct{}),
		disconnectVC: func() error { return nil }, // no-op for tests
	}
	go c.recvLoop()
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func recvEvent(t *testing.T, ch <-chan audio.Event) audio.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return audio.Event{}
	}
}

// ─── Platform tests ──────────────────────────────────────────────────────────

func TestNewPlatform(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{}
	p := New(s, "guild-123")
	if p.session != s {
		t.Error("session not stored correctly")
	}
	if p.guildID != "guild-123" {
		t.Errorf("guildID = %q, want %q", p.guildID, "guild-123")
	}
}

func TestPlatform_ResolveGuild(t *testing.T) {
	t.Parallel()

	state := discordgo.NewState()
	if err := state.GuildAdd(&discordgo.Guild{
		ID: "guild-9",
		Channels: []*discordgo.Channel{
			{ID: "voice-9", GuildID: "guild-9", Type: discordgo.ChannelTypeGuildVoice},
			{ID: "stage-9", GuildID: "guild-9", Type: discordgo.ChannelTypeGuildStageVoice},
			{ID: "text-9", GuildID: "guild-9", Type: discordgo.ChannelTypeGuildText},
		},
	}); err != nil {
		t.Fatalf("GuildAdd: %v", err)
	}
	s := &discordgo.Session{State: state}

	tests := []struct {
		name    string
		bound   string
		channel string
		want    string
		wantErr bool
	}{
		{name: "unbound voice", channel: "voice-9", want: "guild-9"},
		{name: "unbound stage", channel: "stage-9", want: "guild-9"},
		{name: "unbound unknown", channel: "unknown", wantErr: true},
		{name: "text channel", channel: "text-9", wantErr: true},
		{name: "bound same guild", bound: "guild-9", channel: "voice-9", want: "guild-9"},
		{name: "bound other guild", bound: "guild-123", channel: "voice-9", wantErr: true},
		{name: "bound unknown trusted", bound: "guild-123", channel: "unknown", want: "guild-123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(s, tt.bound).resolveGuild(tt.channel)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("resolveGuild(%q) = %q, %v", tt.channel, got, err)
			}
		})
	}

	if _, err := New(&discordgo.Session{}, "").resolveGuild("voice-9"); err == nil {
		t.Error("resolveGuild without state or guild: want error")
	}
}

// ─── Connection tests ─────────────────────────────────────────────────────────

func TestConnection_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	for i := range 3 {
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect[%d]: unexpected error: %v", i, err)
		}
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed after Disconnect")
	}
}

func TestConnection_SubscribeAfterDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	_ = c.Disconnect()
	if _, err := c.Subscribe("u1", audio.SubscribeOptions{}); !errors.Is(err, audio.ErrConnectionClosed) {
		t.Errorf("Subscribe after Disconnect: err = %v, want ErrConnectionClosed", err)
	}
}

func TestConnection_DisconnectEndsSubscriptions(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	sub, err := c.Subscribe("u1", audio.SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_ = c.Disconnect()

	select {
	case _, ok := <-sub.Frames():
		if ok {
			t.Error("expected closed frame channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not ended by Disconnect")
	}
}

func TestConnection_OnEventReplacesCallback(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)

	first := make(chan audio.Event, 4)
	c.OnEvent(func(ev audio.Event) { first <- ev })
	c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: "test-user", Username: "Alice"})

	ev := recvEvent(t, first)
	if ev.Type != audio.EventJoin || ev.UserID != "test-user" || ev.Username != "Alice" {
		t.Errorf("event = %+v", ev)
	}

	second := make(chan audio.Event, 4)
	c.OnEvent(func(ev audio.Event) { second <- ev })
	c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: "test-user"})

	if ev := recvEvent(t, second); ev.Type != audio.EventLeave {
		t.Errorf("replaced callback: event type = %v, want EventLeave", ev.Type)
	}
	select {
	case ev := <-first:
		t.Errorf("original callback should not receive events after replacement, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnection_SpeakingUpdateMapsSSRC(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	events := make(chan audio.Event, 4)
	c.OnEvent(func(ev audio.Event) { events <- ev })

	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 100, Speaking: true})

	ev := recvEvent(t, events)
	if ev.Type != audio.EventSpeakingStart || ev.UserID != "u1" {
		t.Errorf("event = %+v, want SPEAKING_START for u1", ev)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if got := c.ssrcUser[100]; got != "u1" {
		t.Errorf("ssrc 100 mapped to %q, want u1", got)
	}
}

func TestConnection_RecvDemux(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 100})
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u2", SSRC: 200})

	sub1, _ := c.Subscribe("u1", audio.SubscribeOptions{})
	sub2, _ := c.Subscribe("u2", audio.SubscribeOptions{})

	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 200, Opus: silenceOpus}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 300, Opus: silenceOpus} // unmapped

	for name, sub := range map[string]audio.Subscription{"u1": sub1, "u2": sub2} {
		select {
		case frame := <-sub.Frames():
			if frame.SampleRate != opusSampleRate || frame.Channels != opusChannels {
				t.Errorf("%s: format = %d/%d", name, frame.SampleRate, frame.Channels)
			}
			if len(frame.Data) != opusFrameSize*opusChannels*2 {
				t.Errorf("%s: len(Data) = %d", name, len(frame.Data))
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out waiting for frame", name)
		}
	}
}

func TestConnection_PacketAnnouncesUnsubscribedSpeaker(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 100})
	events := make(chan audio.Event, 4)
	c.OnEvent(func(ev audio.Event) { events <- ev })

	// Clear the debounce stamp left by the speaking update.
	c.mu.Lock()
	delete(c.announced, "u1")
	c.mu.Unlock()

	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}
	if ev := recvEvent(t, events); ev.Type != audio.EventSpeakingStart || ev.UserID != "u1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestConnection_LeaveEndsSubscription(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	events := make(chan audio.Event, 4)
	c.OnEvent(func(ev audio.Event) { events <- ev })
	sub, _ := c.Subscribe("u1", audio.SubscribeOptions{})

	vsu := &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "guild-test", UserID: "u1", ChannelID: ""},
		BeforeUpdate: &discordgo.VoiceState{ChannelID: "voice-1"},
	}
	c.handleVoiceStateUpdate(nil, vsu)

	if ev := recvEvent(t, events); ev.Type != audio.EventLeave {
		t.Errorf("event type = %v, want LEAVE", ev.Type)
	}
	if _, ok := <-sub.Frames(); ok {
		t.Error("expected subscription to end on leave")
	}
}

func TestConnection_ConcurrentDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = c.Disconnect()
		})
	}
	wg.Wait()
}

// ─── subscription tests ───────────────────────────────────────────────────────

func TestSubscription_TrailingSilenceCloses(t *testing.T) {
	t.Parallel()

	ended := make(chan struct{})
	s := newSubscription(30*time.Millisecond, func(*subscription) { close(ended) })
	s.push(audio.AudioFrame{Data: []byte{1, 2}})

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("subscription did not close after trailing silence")
	}
	if f, ok := <-s.Frames(); !ok || len(f.Data) != 2 {
		t.Errorf("buffered frame lost: %v %v", f, ok)
	}
	if _, ok := <-s.Frames(); ok {
		t.Error("expected closed channel after buffered frames")
	}
}

func TestSubscription_PushAfterEndIsDropped(t *testing.T) {
	t.Parallel()

	s := newSubscription(0, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.push(audio.AudioFrame{Data: []byte{1}}) // must not panic
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v, want nil", s.Err())
	}
}
