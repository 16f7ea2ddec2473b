package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/earshot/internal/discord/mock"
)

func componentInteraction(customID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:    discordgo.InteractionMessageComponent,
		GuildID: "guild-1",
		Data:    discordgo.MessageComponentInteractionData{CustomID: customID},
	}}
}

func TestCommandRouter_LongestComponentPrefixWins(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	var got string
	r.RegisterComponentPrefix("clear", func(Responder, *discordgo.InteractionCreate) { got = "clear" })
	r.RegisterComponentPrefix("clear_confirm:", func(Responder, *discordgo.InteractionCreate) { got = "confirm" })

	r.Handle(&mock.InteractionResponder{}, componentInteraction("clear_confirm:guild-1"))
	if got != "confirm" {
		t.Errorf("handled by %q, want the longer prefix", got)
	}

	// Re-registering a prefix replaces its handler.
	r.RegisterComponentPrefix("clear_confirm:", func(Responder, *discordgo.InteractionCreate) { got = "replaced" })
	r.Handle(&mock.InteractionResponder{}, componentInteraction("clear_confirm:guild-1"))
	if got != "replaced" {
		t.Errorf("handled by %q, want replaced", got)
	}
}

func TestCommandRouter_RecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	r.RegisterCommand("export", &discordgo.ApplicationCommand{Name: "export"}, func(Responder, *discordgo.InteractionCreate) {
		panic("store exploded")
	})

	resp := &mock.InteractionResponder{}
	r.Handle(resp, commandInteraction("export"))

	last := resp.LastResponse()
	if last == nil || last.Data.Flags != discordgo.MessageFlagsEphemeral {
		t.Fatalf("response after panic = %+v, want an ephemeral error", last)
	}
}

func TestCommandRouter_ApplicationCommandsSorted(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	for _, name := range []string{"transcribe", "clear", "summary"} {
		r.RegisterCommand(name, &discordgo.ApplicationCommand{Name: name}, func(Responder, *discordgo.InteractionCreate) {})
	}
	cmds := r.ApplicationCommands()
	want := []string{"clear", "summary", "transcribe"}
	if len(cmds) != len(want) {
		t.Fatalf("got %d commands", len(cmds))
	}
	for i, c := range cmds {
		if c.Name != want[i] {
			t.Errorf("cmds[%d] = %q, want %q", i, c.Name, want[i])
		}
	}
}

func TestBot_ServesGuild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pinned, from string
		want         bool
	}{
		{pinned: "", from: "g1", want: true},
		{pinned: "g1", from: "g1", want: true},
		{pinned: "g1", from: "g2", want: false},
		{pinned: "", from: "", want: false},
		{pinned: "g1", from: "", want: false},
	}
	for _, tt := range tests {
		b := &Bot{guildID: tt.pinned}
		if got := b.servesGuild(tt.from); got != tt.want {
			t.Errorf("pinned %q, from %q: servesGuild = %v, want %v", tt.pinned, tt.from, got, tt.want)
		}
	}
}
