package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/coder/websocket"
)

func TestBuildURL(t *testing.T) {
	keywords := []stt.KeywordBoost{{Keyword: "Grimjaw", Boost: 5}, {Keyword: "Eldrinax", Boost: 3.5}}

	tests := []struct {
		name string
		opts []Option
		req  stt.Request
		want map[string][]string
	}{
		{
			name: "defaults",
			want: map[string][]string{
				"model":       {"nova-3"},
				"language":    {"en"},
				"punctuate":   {"true"},
				"encoding":    {"linear16"},
				"sample_rate": {"16000"},
				"channels":    {"1"},
			},
		},
		{
			name: "request language wins",
			opts: []Option{WithLanguage("de"), WithModel("nova-2")},
			req:  stt.Request{Language: "fr-FR"},
			want: map[string][]string{"language": {"fr-FR"}, "model": {"nova-2"}},
		},
		{
			name: "nova-3 keyterms",
			req:  stt.Request{Keywords: keywords},
			want: map[string][]string{"keyterm": {"Grimjaw", "Eldrinax"}, "keywords": nil},
		},
		{
			name: "older model keywords",
			opts: []Option{WithModel("nova-2-meeting")},
			req:  stt.Request{Keywords: keywords},
			want: map[string][]string{"keywords": {"Grimjaw:5", "Eldrinax:3.5"}, "keyterm": nil},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New("key", tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			raw, err := p.buildURL(tt.req, audio.SpeechFormat)
			if err != nil {
				t.Fatalf("buildURL: %v", err)
			}
			u, err := url.Parse(raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			q := u.Query()
			for key, want := range tt.want {
				if got := q[key]; !slices.Equal(got, want) {
					t.Errorf("%s = %v, want %v", key, got, want)
				}
			}
		})
	}
}

func TestChunks(t *testing.T) {
	var sizes []int
	for c := range chunks(make([]byte, 7000), sendChunk) {
		sizes = append(sizes, len(c))
	}
	if !slices.Equal(sizes, []int{3200, 3200, 600}) {
		t.Errorf("chunk sizes = %v", sizes)
	}
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [{
				"transcript": "Hello world",
				"confidence": 0.95,
				"words": [
					{"word": "Hello", "start": 0.1, "end": 0.5, "confidence": 0.97},
					{"word": "world", "start": 0.6, "end": 1.0, "confidence": 0.93}
				]
			}]
		}
	}`)

	r, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}
	if !r.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "Hello world", r.Text)
	if r.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", r.Confidence)
	}
	if len(r.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(r.Words))
	}
	if r.Words[0].Start != time.Duration(0.1*float64(time.Second)) {
		t.Errorf("unexpected start: %v", r.Words[0].Start)
	}
}

func TestParseDeepgramResponse_Ignored(t *testing.T) {
	for name, raw := range map[string]string{
		"speech started":     `{"type":"SpeechStarted"}`,
		"empty alternatives": `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`,
		"invalid json":       `{invalid`,
	} {
		if _, ok := parseDeepgramResponse([]byte(raw)); ok {
			t.Errorf("%s: expected ok=false", name)
		}
	}
}

func TestParseDeepgramResponse_Metadata(t *testing.T) {
	r, ok := parseDeepgramResponse([]byte(`{"type":"Metadata","request_id":"abc"}`))
	if !ok || r.Type != "Metadata" {
		t.Errorf("got %+v, %v; want Metadata", r, ok)
	}
}

// ---- live session tests ----

// fakeDeepgram accepts one connection, records the binary audio until
// CloseStream and then replies with the given messages followed by Metadata.
type fakeDeepgram struct {
	replies []string

	mu       sync.Mutex
	received int
	auth     string
	query    url.Values
}

func (f *fakeDeepgram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.query = r.URL.Query()
	f.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			f.mu.Lock()
			f.received += len(msg)
			f.mu.Unlock()
			continue
		}
		if strings.Contains(string(msg), "CloseStream") {
			break
		}
	}
	for _, m := range f.replies {
		if err := conn.Write(ctx, websocket.MessageText, []byte(m)); err != nil {
			return
		}
	}
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Metadata"}`))
	conn.Close(websocket.StatusNormalClosure, "")
}

func results(text string, final bool, conf string) string {
	f := "false"
	if final {
		f = "true"
	}
	return `{"type":"Results","is_final":` + f + `,"channel":{"alternatives":[{"transcript":"` + text + `","confidence":` + conf + `,"words":[]}]}}`
}

func newLive(t *testing.T, replies ...string) (*Provider, *fakeDeepgram) {
	t.Helper()
	fake := &fakeDeepgram{replies: replies}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatal(err)
	}
	return p, fake
}

func TestTranscribe_JoinsFinals(t *testing.T) {
	p, fake := newLive(t,
		results("hello", false, "0.5"),
		results("hello there", true, "0.9"),
		results("general", true, "0.7"),
	)

	pcm := make([]byte, 16000) // 500 ms
	tr, err := p.Transcribe(context.Background(), stt.Request{Audio: audio.EncodeWAV(pcm, 16000, 1)})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	assertEqual(t, "text", "hello there general", tr.Text)
	if tr.Confidence < 0.79 || tr.Confidence > 0.81 {
		t.Errorf("confidence = %f, want 0.8", tr.Confidence)
	}
	if tr.Duration != 500*time.Millisecond {
		t.Errorf("duration = %s, want 500ms", tr.Duration)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.received != len(pcm) {
		t.Errorf("server received %d bytes, want %d", fake.received, len(pcm))
	}
	assertEqual(t, "auth", "Token secret", fake.auth)
	assertEqual(t, "sample_rate", "16000", fake.query.Get("sample_rate"))
}

func TestTranscribe_NoFinalsIsNoSpeech(t *testing.T) {
	p, _ := newLive(t, results("", true, "0"))

	_, err := p.Transcribe(context.Background(), stt.Request{Audio: audio.EncodeWAV(make([]byte, 3200), 16000, 1)})
	if !errors.Is(err, stt.ErrNoSpeech) {
		t.Errorf("err = %v, want ErrNoSpeech", err)
	}
}

func TestTranscribe_InvalidAudio(t *testing.T) {
	p, _ := New("key")
	_, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("RIFF")})
	if !errors.Is(err, audio.ErrInvalidWAV) {
		t.Errorf("err = %v, want ErrInvalidWAV", err)
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	assertEqual(t, "endpoint", deepgramEndpoint, p.endpoint)
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
