package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/meeting"
	"github.com/MrWong99/earshot/internal/transcript"
	audiomock "github.com/MrWong99/earshot/pkg/audio/mock"
	vadmock "github.com/MrWong99/earshot/pkg/provider/vad/mock"
)

// testConfig returns a minimal valid config with defaults applied.
func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = ""
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		Audio: &audiomock.Platform{ConnectResult: audiomock.NewConnection("voice-1")},
		VAD:   &vadmock.Engine{Session: &vadmock.Session{Confidences: []float64{0.1}}},
	}
}

func ts(sec int) time.Time {
	return time.Date(2026, 3, 1, 20, 0, sec, 0, time.UTC)
}

// seededApp returns an App over a MemStore holding three entries in guild g1
// and one in g2.
func seededApp(t *testing.T, opts ...app.Option) (*app.App, *transcript.MemStore) {
	t.Helper()
	store := transcript.NewMemStore()
	ctx := context.Background()
	for _, e := range []transcript.Entry{
		{ID: "1", GuildID: "g1", UserID: "alice", Username: "Alice", Text: "hello", Timestamp: ts(0), MeetingID: "m1"},
		{ID: "2", GuildID: "g1", UserID: "bob", Username: "Bob", Text: "hi there", Timestamp: ts(10), MeetingID: "m1"},
		{ID: "3", GuildID: "g1", UserID: "alice", Username: "Alice", Text: "bye", Timestamp: ts(20), MeetingID: "m2"},
		{ID: "4", GuildID: "g2", UserID: "carol", Username: "Carol", Text: "elsewhere", Timestamp: ts(5)},
	} {
		if err := store.Add(ctx, e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	opts = append([]app.Option{app.WithStore(store)}, opts...)
	a, err := app.New(ctx, testConfig(), testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeEntries(t *testing.T, rec *httptest.ResponseRecorder) []transcript.Entry {
	t.Helper()
	var out []transcript.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestNew_RequiresAudioAndVAD(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Error("New() without audio platform: want error")
	}
	p := testProviders()
	p.VAD = nil
	if _, err := app.New(context.Background(), testConfig(), p); err == nil {
		t.Error("New() without VAD: want error")
	}
}

func TestNew_FileStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Transcripts.FilePath = t.TempDir() + "/transcripts.jsonl"

	a, err := app.New(context.Background(), cfg, testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, ok := a.Store().(*transcript.FileStore); !ok {
		t.Errorf("Store() = %T, want *transcript.FileStore", a.Store())
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestAPI_Transcripts(t *testing.T) {
	t.Parallel()

	a, _ := seededApp(t)
	h := a.Handler()

	tests := []struct {
		name    string
		path    string
		wantIDs []string
	}{
		{"guild", "/api/guilds/g1/transcripts", []string{"1", "2", "3"}},
		{"user", "/api/guilds/g1/transcripts?user=alice", []string{"1", "3"}},
		{"range inclusive", "/api/guilds/g1/transcripts?from=2026-03-01T20:00:10Z&to=2026-03-01T20:00:20Z", []string{"2", "3"}},
		{"user and range", "/api/guilds/g1/transcripts?user=alice&to=2026-03-01T20:00:10Z", []string{"1"}},
		{"meeting", "/api/guilds/g1/transcripts?meeting=m1", []string{"1", "2"}},
		{"unknown guild", "/api/guilds/nope/transcripts", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.path)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
			}
			got := decodeEntries(t, rec)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.wantIDs))
			}
			for i, e := range got {
				if e.ID != tt.wantIDs[i] {
					t.Errorf("entry[%d].ID = %q, want %q", i, e.ID, tt.wantIDs[i])
				}
			}
		})
	}
}

func TestAPI_BadQuery(t *testing.T) {
	t.Parallel()

	a, _ := seededApp(t)
	h := a.Handler()

	for _, path := range []string{
		"/api/guilds/g1/transcripts?from=yesterday",
		"/api/guilds/g1/transcripts?to=2026-13-01",
		"/api/guilds/g1/transcripts?from=2026-03-01T20:00:10Z&to=2026-03-01T20:00:00Z",
	} {
		rec := get(t, h, path)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
}

func TestAPI_Export(t *testing.T) {
	t.Parallel()

	a, _ := seededApp(t)
	rec := get(t, a.Handler(), "/api/guilds/g2/transcripts/export")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	cd := rec.Header().Get("Content-Disposition")
	if !strings.HasPrefix(cd, "attachment;") || !strings.Contains(cd, "transcripts-g2-") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	got := decodeEntries(t, rec)
	if len(got) != 1 || got[0].Text != "elsewhere" {
		t.Errorf("export = %+v, want the single g2 entry", got)
	}
}

func TestAPI_Meetings(t *testing.T) {
	t.Parallel()

	reg := meeting.NewRegistry()
	if _, err := reg.Create(context.Background(), "Session 12", "", "g1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a, _ := seededApp(t, app.WithMeetings(reg))

	rec := get(t, a.Handler(), "/api/guilds/g1/meetings")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []meeting.Meeting
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Session 12" || !got[0].Temporary() {
		t.Errorf("meetings = %+v", got)
	}

	rec = get(t, a.Handler(), "/api/guilds/g2/meetings")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty guild body = %q, want []", rec.Body.String())
	}
}

func TestAPI_Sessions(t *testing.T) {
	t.Parallel()

	a, _ := seededApp(t)
	if _, err := a.Sessions().Start(context.Background(), "g1", "voice-1", "text-1", "Standup"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := get(t, a.Handler(), "/api/sessions")
	var got []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["guild_id"] != "g1" || got[0]["meeting_name"] != "Standup" {
		t.Errorf("sessions = %v", got)
	}
}

func TestHandler_Health(t *testing.T) {
	t.Parallel()

	ready := false
	a, _ := seededApp(t, app.WithCheckers(health.Flag("discord", func() bool { return ready }, "not connected")))
	h := a.Handler()

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", rec.Code)
	}
	rec := get(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"discord":"fail: not connected"`) {
		t.Errorf("/readyz body = %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"transcripts":"ok"`) {
		t.Errorf("/readyz body missing store check: %s", rec.Body.String())
	}
}

func TestHandler_Metrics(t *testing.T) {
	t.Parallel()

	a, _ := seededApp(t)
	rec := get(t, a.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", rec.Code)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	a, _ := seededApp(t)
	old := testConfig()
	next := testConfig()
	next.Transcripts.Vocabulary = []string{"Grimjaw"}
	next.Detection.ActivationThreshold = 0.7

	// Must not panic and must not touch running sessions.
	a.ApplyConfig(old, next, config.Diff(old, next))
	if got := len(a.Sessions().Sessions()); got != 0 {
		t.Errorf("sessions after ApplyConfig = %d, want 0", got)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a, err := app.New(context.Background(), cfg, testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
