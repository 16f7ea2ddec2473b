package discord

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/earshot/internal/discord/mock"
)

func TestClip(t *testing.T) {
	t.Parallel()

	if got := clip("short"); got != "short" {
		t.Errorf("clip(short) = %q", got)
	}
	long := strings.Repeat("ä", maxContent+10)
	got := clip(long)
	if n := utf8.RuneCountInString(got); n != maxContent {
		t.Errorf("clipped length = %d runes, want %d", n, maxContent)
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("clipped text lacks ellipsis")
	}
}

func TestRespondEphemeral_ClipsLongContent(t *testing.T) {
	t.Parallel()

	resp := &mock.InteractionResponder{}
	RespondEphemeral(resp, commandInteraction("transcripts"), strings.Repeat("x", 3000))

	last := resp.LastResponse()
	if last == nil || utf8.RuneCountInString(last.Data.Content) != maxContent {
		t.Fatalf("response = %+v", last)
	}
	if last.Data.Flags != discordgo.MessageFlagsEphemeral {
		t.Errorf("flags = %v, want ephemeral", last.Data.Flags)
	}
}

func TestFollowUp_Ephemeral(t *testing.T) {
	t.Parallel()

	resp := &mock.InteractionResponder{}
	FollowUpChunks(resp, commandInteraction("transcripts"), []string{"one", "two"})

	f := resp.LastFollowUp()
	if f == nil || f.Content != "two" || f.Flags&discordgo.MessageFlagsEphemeral == 0 {
		t.Fatalf("last follow-up = %+v", f)
	}
}
