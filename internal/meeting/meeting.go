// Package meeting tracks the meetings transcription sessions belong to.
//
// The [Registry] keeps meetings in memory and mirrors them to an optional
// meeting server: [Registry.Create] asks the server for an ID and
// [Registry.SendTranscripts] uploads the transcript when a session ends.
// When the server is not configured or unreachable, meetings get a local
// "TEMP_" ID and uploads for them are skipped.
//
// A Registry is constructed once at startup and passed to the components that
// need it. All methods are safe for concurrent use.
package meeting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/transcript"
)

// TempPrefix marks IDs that were not issued by the meeting server.
const TempPrefix = "TEMP_"

// ErrNotFound is returned when no meeting matches.
var ErrNotFound = errors.New("meeting: not found")

// Meeting is one transcription session as seen by the meeting server.
type Meeting struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	GuildID     string    `json:"guild_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Temporary reports whether the meeting has a locally generated ID.
func (m Meeting) Temporary() bool { return strings.HasPrefix(m.ID, TempPrefix) }

// Option is a functional option for configuring a Registry.
type Option func(*Registry)

// WithServerURL sets the meeting server base URL. Empty disables the server.
func WithServerURL(u string) Option {
	return func(r *Registry) { r.serverURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client used for the meeting server.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) {
		if c != nil {
			r.client = c
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry holds meetings in creation order.
type Registry struct {
	serverURL string
	client    *http.Client
	now       func() time.Time

	mu       sync.RWMutex
	meetings []Meeting
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		client: &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a meeting. The ID comes from the meeting server when one
// is configured and answers; otherwise it is TEMP_<unix millis>. Create only
// fails when ctx is done.
func (r *Registry) Create(ctx context.Context, name, description, guildID string) (Meeting, error) {
	m := Meeting{
		Name:        name,
		Description: description,
		GuildID:     guildID,
		CreatedAt:   r.now(),
	}

	if r.serverURL != "" {
		id, err := r.register(ctx, m)
		switch {
		case err == nil:
			m.ID = id
		case ctx.Err() != nil:
			return Meeting{}, fmt.Errorf("meeting: create: %w", ctx.Err())
		default:
			observe.Logger(ctx).Warn("meeting: server unavailable, using temporary id", "name", name, "err", err)
		}
	}
	if m.ID == "" {
		m.ID = TempPrefix + strconv.FormatInt(m.CreatedAt.UnixMilli(), 10)
	}

	r.mu.Lock()
	r.meetings = append(r.meetings, m)
	r.mu.Unlock()
	return m, nil
}

// Get returns the meeting with id.
func (r *Registry) Get(id string) (Meeting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.meetings {
		if m.ID == id {
			return m, nil
		}
	}
	return Meeting{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Latest returns the most recently created meeting of guildID.
func (r *Registry) Latest(guildID string) (Meeting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range slices.Backward(r.meetings) {
		if m.GuildID == guildID {
			return m, nil
		}
	}
	return Meeting{}, fmt.Errorf("%w: no meeting in guild %s", ErrNotFound, guildID)
}

// ByGuild returns the meetings of guildID, oldest first.
func (r *Registry) ByGuild(guildID string) []Meeting {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Meeting{}
	for _, m := range r.meetings {
		if m.GuildID == guildID {
			out = append(out, m)
		}
	}
	return out
}

// All returns every meeting, oldest first.
func (r *Registry) All() []Meeting {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Meeting{}, r.meetings...)
}

// ClearGuild forgets the meetings of guildID and reports how many there were.
func (r *Registry) ClearGuild(guildID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.meetings)
	r.meetings = slices.DeleteFunc(r.meetings, func(m Meeting) bool { return m.GuildID == guildID })
	return before - len(r.meetings)
}

// ClearAll forgets every meeting.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meetings = nil
}

// uploadEntry is the wire shape the meeting server expects.
type uploadEntry struct {
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	Transcription string `json:"transcription"`
	Timestamp     string `json:"timestamp"`
	GuildID       string `json:"guildId"`
	ChannelID     string `json:"channelId"`
}

// SendTranscripts uploads entries for meetingID. It is a no-op for temporary
// IDs and when no server is configured.
func (r *Registry) SendTranscripts(ctx context.Context, meetingID string, entries []transcript.Entry) error {
	if r.serverURL == "" || strings.HasPrefix(meetingID, TempPrefix) {
		observe.Logger(ctx).Debug("meeting: skipping transcript upload", "meeting_id", meetingID)
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "meeting.upload",
		trace.WithAttributes(
			attribute.String("meeting.id", meetingID),
			attribute.Int("transcript.entries", len(entries)),
		),
	)
	defer span.End()

	body := make([]uploadEntry, len(entries))
	for i, e := range entries {
		body[i] = uploadEntry{
			UserID:        e.UserID,
			Username:      e.Username,
			Transcription: e.Text,
			Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
			GuildID:       e.GuildID,
			ChannelID:     e.ChannelID,
		}
	}
	if err := r.post(ctx, "/meeting/"+url.PathEscape(meetingID)+"/transcripts", body, nil); err != nil {
		observe.FailSpan(span, err)
		return fmt.Errorf("meeting: upload transcripts: %w", err)
	}
	observe.Logger(ctx).Info("meeting: transcripts uploaded", "meeting_id", meetingID, "entries", len(entries))
	return nil
}

type createResponse struct {
	ID   json.RawMessage `json:"id"`
	Name string          `json:"name"`
}

// id accepts numeric and string IDs.
func (c createResponse) id() string {
	var s string
	if err := json.Unmarshal(c.ID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(c.ID, &n); err == nil {
		return n.String()
	}
	return ""
}

func (r *Registry) register(ctx context.Context, m Meeting) (string, error) {
	ctx, span := observe.StartSpan(ctx, "meeting.create")
	defer span.End()

	var resp createResponse
	req := map[string]string{"name": m.Name, "description": m.Description}
	if err := r.post(ctx, "/meeting", req, &resp); err != nil {
		observe.FailSpan(span, err)
		return "", err
	}
	id := resp.id()
	if id == "" {
		return "", errors.New("response carries no id")
	}
	return id, nil
}

func (r *Registry) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server responded with %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
