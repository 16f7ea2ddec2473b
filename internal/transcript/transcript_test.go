package transcript_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/transcript"
)

var base = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func seed(t *testing.T, s transcript.Store) {
	t.Helper()
	entries := []transcript.Entry{
		{ID: "1", UserID: "alice", Username: "Alice", Text: "hello", GuildID: "g1", Timestamp: base},
		{ID: "2", UserID: "bob", Username: "Bob", Text: "hi there", GuildID: "g1", Timestamp: base.Add(time.Minute)},
		{ID: "3", UserID: "alice", Username: "Alice", Text: "other guild", GuildID: "g2", Timestamp: base.Add(2 * time.Minute)},
		{ID: "4", UserID: "alice", Username: "Alice", Text: "bye", GuildID: "g1", Timestamp: base.Add(3 * time.Minute)},
	}
	for _, e := range entries {
		if err := s.Add(context.Background(), e); err != nil {
			t.Fatalf("Add(%s): %v", e.ID, err)
		}
	}
}

func ids(entries []transcript.Entry) string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return strings.Join(out, ",")
}

// exerciseStore runs the behaviour every Store backend shares.
func exerciseStore(t *testing.T, s transcript.Store) {
	t.Helper()
	ctx := context.Background()
	seed(t, s)

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if got := ids(all); got != "1,2,3,4" {
		t.Errorf("All = %s, want 1,2,3,4", got)
	}

	g1, _ := s.ByGuild(ctx, "g1")
	if got := ids(g1); got != "1,2,4" {
		t.Errorf("ByGuild(g1) = %s, want 1,2,4", got)
	}

	alice, _ := s.ByUser(ctx, "g1", "alice")
	if got := ids(alice); got != "1,4" {
		t.Errorf("ByUser(g1, alice) = %s, want 1,4", got)
	}

	ranged, _ := s.ByTimeRange(ctx, "g1", base.Add(time.Minute), base.Add(3*time.Minute))
	if got := ids(ranged); got != "2,4" {
		t.Errorf("ByTimeRange inclusive = %s, want 2,4", got)
	}
	open, _ := s.ByTimeRange(ctx, "g1", time.Time{}, base)
	if got := ids(open); got != "1" {
		t.Errorf("ByTimeRange open start = %s, want 1", got)
	}

	none, _ := s.ByGuild(ctx, "nope")
	if none == nil || len(none) != 0 {
		t.Errorf("ByGuild(unknown) = %#v, want empty non-nil slice", none)
	}

	n, err := s.ClearGuild(ctx, "g1")
	if err != nil {
		t.Fatalf("ClearGuild: %v", err)
	}
	if n != 3 {
		t.Errorf("ClearGuild removed %d, want 3", n)
	}
	if c, _ := s.Count(ctx); c != 1 {
		t.Errorf("Count after ClearGuild = %d, want 1", c)
	}

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if c, _ := s.Count(ctx); c != 0 {
		t.Errorf("Count after ClearAll = %d, want 0", c)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestMemStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, transcript.NewMemStore())
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	s, err := transcript.OpenFileStore(filepath.Join(t.TempDir(), "transcripts.jsonl"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestFileStore_Replay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "transcripts.jsonl")

	s, err := transcript.OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	seed(t, s)
	if _, err := s.ClearGuild(ctx, "g2"); err != nil {
		t.Fatalf("ClearGuild: %v", err)
	}
	if err := s.Add(ctx, transcript.Entry{ID: "5", GuildID: "g1", Timestamp: base.Add(time.Hour)}); err != nil {
		t.Fatalf("Add after rewrite: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Add(ctx, transcript.Entry{ID: "6"}); err == nil {
		t.Error("Add after Close: want error")
	}
	if err := s.Ping(ctx); err == nil {
		t.Error("Ping after Close: want error")
	}

	reopened, err := transcript.OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	all, _ := reopened.All(ctx)
	if got := ids(all); got != "1,2,4,5" {
		t.Errorf("replayed = %s, want 1,2,4,5", got)
	}
	if !all[0].Timestamp.Equal(base) || all[0].Username != "Alice" {
		t.Errorf("replayed entry = %+v", all[0])
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	got := transcript.Format([]transcript.Entry{
		{Username: "Alice", Text: "hello", Timestamp: base},
		{Username: "Bob", Text: "hi", Timestamp: base.Add(time.Second)},
	})
	want := "[2026-03-01T18:00:00Z] Alice: hello\n[2026-03-01T18:00:01Z] Bob: hi"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
	if transcript.Format(nil) != "" {
		t.Error("Format(nil) should be empty")
	}
}

func TestExportJSON(t *testing.T) {
	t.Parallel()

	data, err := transcript.ExportJSON(nil)
	if err != nil {
		t.Fatalf("ExportJSON(nil): %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("ExportJSON(nil) = %s, want []", data)
	}

	data, err = transcript.ExportJSON([]transcript.Entry{{ID: "1", UserID: "u", Text: "hey", Foul: true}})
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 1 || decoded[0]["user_id"] != "u" || decoded[0]["foul"] != true {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestChunkMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "empty", text: "", limit: 10, want: nil},
		{name: "fits", text: "abc\ndef", limit: 10, want: []string{"abc\ndef"}},
		{name: "line boundary", text: "aaaa\nbbbb\ncccc", limit: 9, want: []string{"aaaa\nbbbb", "cccc"}},
		{name: "hard split", text: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := transcript.ChunkMessage(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("ChunkMessage = %q, want %q", got, tt.want)
			}
			for _, c := range got {
				if len(c) > tt.limit {
					t.Errorf("chunk %q exceeds limit %d", c, tt.limit)
				}
			}
		})
	}
}
