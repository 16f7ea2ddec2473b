package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/transcript"
)

// registerAPI mounts the read-only transcript API on mux.
func (a *App) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/guilds/{guild}/transcripts", a.handleTranscripts)
	mux.HandleFunc("GET /api/guilds/{guild}/transcripts/export", a.handleExport)
	mux.HandleFunc("GET /api/guilds/{guild}/meetings", a.handleMeetings)
	mux.HandleFunc("GET /api/sessions", a.handleSessions)
}

type apiError struct {
	Error string `json:"error"`
}

// handleTranscripts lists a guild's entries. Optional query parameters:
// user (speaker ID), meeting (meeting ID), from and to (RFC 3339, inclusive).
func (a *App) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	entries, err := a.queryEntries(r)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleExport returns the same selection as handleTranscripts as a
// downloadable JSON document.
func (a *App) handleExport(w http.ResponseWriter, r *http.Request) {
	entries, err := a.queryEntries(r)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	data, err := transcript.ExportJSON(entries)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	name := fmt.Sprintf("transcripts-%s-%s.json", r.PathValue("guild"), time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	_, _ = w.Write(data)
}

func (a *App) handleMeetings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.meetings.ByGuild(r.PathValue("guild")))
}

type sessionView struct {
	SessionID      string    `json:"session_id"`
	GuildID        string    `json:"guild_id"`
	VoiceChannelID string    `json:"voice_channel_id"`
	TextChannelID  string    `json:"text_channel_id"`
	MeetingID      string    `json:"meeting_id"`
	MeetingName    string    `json:"meeting_name"`
	StartedAt      time.Time `json:"started_at"`
}

func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos := a.sessions.Sessions()
	out := make([]sessionView, 0, len(infos))
	for _, in := range infos {
		out = append(out, sessionView{
			SessionID:      in.SessionID,
			GuildID:        in.GuildID,
			VoiceChannelID: in.VoiceChannelID,
			TextChannelID:  in.TextChannelID,
			MeetingID:      in.Meeting.ID,
			MeetingName:    in.Meeting.Name,
			StartedAt:      in.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// badRequest marks client errors in query parsing.
type badRequest struct{ error }

func (a *App) queryEntries(r *http.Request) ([]transcript.Entry, error) {
	guild := r.PathValue("guild")
	q := r.URL.Query()

	from, err := parseTime(q.Get("from"))
	if err != nil {
		return nil, badRequest{fmt.Errorf("from: %w", err)}
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		return nil, badRequest{fmt.Errorf("to: %w", err)}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, badRequest{errors.New("to must not be before from")}
	}

	var entries []transcript.Entry
	if user := q.Get("user"); user != "" {
		entries, err = a.store.ByUser(r.Context(), guild, user)
	} else {
		entries, err = a.store.ByTimeRange(r.Context(), guild, from, to)
	}
	if err != nil {
		return nil, err
	}

	meetingID := q.Get("meeting")
	out := make([]transcript.Entry, 0, len(entries))
	for _, e := range entries {
		if !transcript.InRange(e.Timestamp, from, to) {
			continue
		}
		if meetingID != "" && e.MeetingID != meetingID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	if br, ok := err.(badRequest); ok {
		writeJSON(w, http.StatusBadRequest, apiError{Error: br.Error()})
		return
	}
	observe.Logger(r.Context()).Error("api request failed", "path", r.URL.Path, "err", err)
	writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
