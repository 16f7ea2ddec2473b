// Package transcript is the repository of transcribed utterances.
//
// A [Store] keeps [Entry] values in the order they were added. Three
// backends exist: [MemStore] for tests and ephemeral deployments, [FileStore]
// for a single-node JSON lines log, and the PostgreSQL store in the postgres
// sub-package. Stores are constructed once at startup and passed by reference
// to the components that need them.
//
// The package also holds the vocabulary [Corrector] that fixes misheard
// proper nouns before an entry is stored, and the helpers that render
// entries for chat and export.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a lookup matches no entry.
var ErrNotFound = errors.New("transcript: not found")

// Entry is one transcribed utterance.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	RawText   string    `json:"raw_text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	MeetingID string    `json:"meeting_id,omitempty"`

	// Foul marks entries containing a blocked word.
	Foul bool `json:"foul,omitempty"`
}

// Store persists transcript entries.
//
// Implementations must be safe for concurrent use. Read methods return
// entries ordered by timestamp, oldest first, and never return a nil slice.
type Store interface {
	Add(ctx context.Context, e Entry) error
	All(ctx context.Context) ([]Entry, error)
	ByGuild(ctx context.Context, guildID string) ([]Entry, error)
	ByUser(ctx context.Context, guildID, userID string) ([]Entry, error)

	// ByTimeRange returns the guild's entries with from <= Timestamp <= to.
	// A zero bound is open.
	ByTimeRange(ctx context.Context, guildID string, from, to time.Time) ([]Entry, error)

	// ClearGuild deletes the guild's entries and reports how many there were.
	ClearGuild(ctx context.Context, guildID string) (int, error)
	ClearAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// MaxMessageLen keeps chunked output under Discord's 2000 character limit.
const MaxMessageLen = 1900

// Format renders entries one per line as "[RFC3339] username: text".
func Format(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s: %s", e.Timestamp.UTC().Format(time.RFC3339), e.Username, e.Text)
	}
	return b.String()
}

// ExportJSON returns entries as an indented JSON array. An empty input
// yields "[]".
func ExportJSON(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("transcript: export: %w", err)
	}
	return data, nil
}

// ChunkMessage splits text into pieces of at most limit bytes, breaking at
// line boundaries where possible. Lines longer than limit are hard-split.
func ChunkMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLen
	}
	if text == "" {
		return nil
	}
	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}
	for line := range strings.SplitSeq(text, "\n") {
		for len(line) > limit {
			flush()
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		need := len(line)
		if cur.Len() > 0 {
			need++
		}
		if cur.Len()+need > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush()
	return chunks
}

// filter returns the entries for which keep reports true. The result is never
// nil.
func filter(entries []Entry, keep func(Entry) bool) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// InRange reports whether t lies in [from, to], treating zero bounds as open.
func InRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
