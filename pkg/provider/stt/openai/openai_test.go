package openai_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/stt/openai"
)

type form struct {
	mu     sync.Mutex
	values map[string]string
	path   string
}

func newServer(t *testing.T, status int, body string, f *form) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f != nil {
			_ = r.ParseMultipartForm(1 << 20)
			f.mu.Lock()
			f.path = r.URL.Path
			f.values = map[string]string{}
			if r.MultipartForm != nil {
				for k, v := range r.MultipartForm.Value {
					f.values[k] = v[0]
				}
			}
			f.mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wav() []byte { return audio.EncodeWAV(make([]byte, 3200), 16000, 1) }

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := openai.New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestTranscribe(t *testing.T) {
	f := &form{}
	srv := newServer(t, http.StatusOK, `{"text":" Deploy is done. "}`, f)
	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/v1/"), openai.WithLanguage("de-DE"))
	if err != nil {
		t.Fatal(err)
	}

	tr, err := p.Transcribe(context.Background(), stt.Request{
		Audio:    wav(),
		Keywords: []stt.KeywordBoost{{Keyword: "Grafana"}},
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Deploy is done." {
		t.Errorf("Text = %q", tr.Text)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.path != "/v1/audio/transcriptions" {
		t.Errorf("path = %q", f.path)
	}
	want := map[string]string{"model": "whisper-1", "language": "de", "prompt": "Grafana"}
	for k, v := range want {
		if f.values[k] != v {
			t.Errorf("%s = %q, want %q", k, f.values[k], v)
		}
	}
}

func TestTranscribe_NoSpeech(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"text":""}`, nil)
	p, _ := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/"))

	_, err := p.Transcribe(context.Background(), stt.Request{Audio: wav()})
	if !errors.Is(err, stt.ErrNoSpeech) {
		t.Errorf("err = %v, want ErrNoSpeech", err)
	}
}

func TestTranscribe_APIError(t *testing.T) {
	srv := newServer(t, http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`, nil)
	p, _ := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/"))

	_, err := p.Transcribe(context.Background(), stt.Request{Audio: wav()})
	if err == nil || errors.Is(err, stt.ErrNoSpeech) {
		t.Errorf("err = %v, want API error", err)
	}
}
