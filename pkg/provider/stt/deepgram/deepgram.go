// Package deepgram transcribes utterances with Deepgram's live WebSocket API.
//
// Every Transcribe call is one short-lived stream: the utterance PCM goes up
// in 100 ms messages, CloseStream asks Deepgram to flush, and every final
// result up to the closing Metadata message is joined into one transcript.
package deepgram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// sendChunk is 100 ms of 16 kHz mono 16-bit audio.
	sendChunk = 3200
)

var closeStream = []byte(`{"type":"CloseStream"}`)

var _ stt.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model, e.g. "nova-3" or "nova-2".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language for requests that carry none.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint overrides the streaming endpoint (ws:// or wss://).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider is a Deepgram live transcription client.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams req.Audio and returns the joined final results.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	pcm, format, err := audio.DecodeWAV(req.Audio)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: %w", err)
	}
	wsURL, err := p.buildURL(req, format)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	// Upload and read concurrently; a long utterance would otherwise stall
	// on the server's send buffer.
	var got finals
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return upload(gctx, conn, pcm) })
	g.Go(func() error { return got.read(gctx, conn) })
	if err := g.Wait(); err != nil {
		return stt.Transcript{}, err
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	tr := got.transcript()
	if stt.IsNoSpeech(tr.Text) {
		return stt.Transcript{}, stt.ErrNoSpeech
	}
	tr.Duration = format.Duration(len(pcm))
	return tr, nil
}

// buildURL renders the listen URL. Nova-3 takes plain "keyterm" prompts;
// older models take "keywords" with an intensifier.
func (p *Provider) buildURL(req stt.Request, format audio.Format) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := cmp.Or(req.Language, p.language)

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(format.SampleRate))
	q.Set("channels", strconv.Itoa(format.Channels))

	keyterms := strings.HasPrefix(p.model, "nova-3")
	for _, kw := range req.Keywords {
		if keyterms {
			q.Add("keyterm", kw.Keyword)
		} else {
			q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func upload(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	for chunk := range chunks(pcm, sendChunk) {
		if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			return fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, closeStream); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

func chunks(b []byte, size int) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for off := 0; off < len(b); off += size {
			if !yield(b[off:min(off+size, len(b))]) {
				return
			}
		}
	}
}

// finals accumulates final results of one stream.
type finals struct {
	texts []string
	confs []float64
	words []stt.WordDetail
}

// read consumes messages until the closing Metadata message or a normal
// close from the server.
func (f *finals) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.Read(ctx)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil
		}
		if err != nil {
			return fmt.Errorf("deepgram: read: %w", err)
		}
		r, ok := parseDeepgramResponse(msg)
		switch {
		case !ok:
		case r.Type == "Metadata":
			return nil
		case r.IsFinal && r.Text != "":
			f.texts = append(f.texts, r.Text)
			f.confs = append(f.confs, r.Confidence)
			f.words = append(f.words, r.Words...)
		}
	}
}

// transcript joins the finals; confidence is their mean.
func (f *finals) transcript() stt.Transcript {
	tr := stt.Transcript{Text: strings.Join(f.texts, " "), Words: f.words}
	if len(f.confs) > 0 {
		var sum float64
		for _, c := range f.confs {
			sum += c
		}
		tr.Confidence = sum / float64(len(f.confs))
	}
	return tr
}

type deepgramWord struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string         `json:"transcript"`
			Confidence float64        `json:"confidence"`
			Words      []deepgramWord `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type result struct {
	Type       string
	IsFinal    bool
	Text       string
	Confidence float64
	Words      []stt.WordDetail
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// parseDeepgramResponse decodes Results and Metadata messages; anything
// else reports false.
func parseDeepgramResponse(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type == "Metadata" {
		return result{Type: resp.Type}, true
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	r := result{
		Type:       resp.Type,
		IsFinal:    resp.IsFinal,
		Text:       strings.TrimSpace(alt.Transcript),
		Confidence: alt.Confidence,
		Words:      make([]stt.WordDetail, 0, len(alt.Words)),
	}
	for _, w := range alt.Words {
		r.Words = append(r.Words, stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}
	return r, true
}
