// Package silero provides a VAD engine backed by a Silero VAD HTTP service.
//
// Each classifier frame is wrapped in a WAV container and posted as a
// multipart form to POST {serviceURL}/vad. The service answers with a JSON
// document whose "confidence" field becomes the frame score. When the service
// is unreachable and a fallback engine is configured, the fallback scores the
// frame instead so that detection degrades rather than stops.
//
// Usage:
//
//	eng, err := silero.New("http://localhost:8001",
//	    silero.WithFallback(energy.New()),
//	)
//	sess, err := eng.NewSession(vad.Config{SampleRate: 16000, FrameSamples: 1024})
//	conf, err := sess.Confidence(ctx, frame)
package silero

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

const (
	defaultThreshold = 0.5
	defaultTimeout   = 5 * time.Second
)

var _ vad.Engine = (*Engine)(nil)

// Segment is a voiced region reported by the service, in seconds.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Response is the JSON body returned by the /vad endpoint.
type Response struct {
	HasVoice         bool      `json:"has_voice"`
	Confidence       float64   `json:"confidence"`
	Segments         []Segment `json:"segments"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
	AudioDurationMs  float64   `json:"audio_duration_ms"`
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithHTTPClient overrides the HTTP client. The default has a 5 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithThreshold sets the threshold forwarded to the service. It only affects
// the service's own segmenting; the returned confidence is used as is.
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithFallback sets an engine that scores frames when the service fails.
func WithFallback(fb vad.Engine) Option {
	return func(e *Engine) { e.fallback = fb }
}

// Engine is a Silero VAD HTTP client. It is safe for concurrent use.
type Engine struct {
	serviceURL string
	threshold  float64
	httpClient *http.Client
	fallback   vad.Engine
}

// New creates an Engine for the service at serviceURL.
func New(serviceURL string, opts ...Option) (*Engine, error) {
	if serviceURL == "" {
		return nil, errors.New("silero: serviceURL must not be empty")
	}
	e := &Engine{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		threshold:  defaultThreshold,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &session{engine: e, cfg: cfg}
	if e.fallback != nil {
		fb, err := e.fallback.NewSession(cfg)
		if err != nil {
			return nil, fmt.Errorf("silero: fallback session: %w", err)
		}
		s.fallback = fb
	}
	return s, nil
}

type session struct {
	engine   *Engine
	cfg      vad.Config
	fallback vad.SessionHandle
}

func (s *session) Confidence(ctx context.Context, frame []float32) (float64, error) {
	if err := vad.CheckFrame(frame, s.cfg.FrameSamples); err != nil {
		return 0, err
	}
	resp, err := s.engine.detect(ctx, frame, s.cfg.SampleRate)
	if err != nil {
		if s.fallback == nil || ctx.Err() != nil {
			return 0, err
		}
		slog.Warn("silero: service failed, using fallback classifier", "err", err)
		return s.fallback.Confidence(ctx, frame)
	}
	return min(1, max(0, resp.Confidence)), nil
}

func (s *session) Close() error {
	if s.fallback != nil {
		return s.fallback.Close()
	}
	return nil
}

// detect posts one frame to the service.
func (e *Engine) detect(ctx context.Context, frame []float32, sampleRate int) (Response, error) {
	wav := audio.EncodeWAV(audio.Float32ToPCM(frame), sampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Response{}, fmt.Errorf("silero: create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return Response{}, fmt.Errorf("silero: write audio: %w", err)
	}
	_ = mw.WriteField("threshold", strconv.FormatFloat(e.threshold, 'f', 3, 64))
	_ = mw.WriteField("sampling_rate", strconv.Itoa(sampleRate))
	if err := mw.Close(); err != nil {
		return Response{}, fmt.Errorf("silero: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serviceURL+"/vad", &body)
	if err != nil {
		return Response{}, fmt.Errorf("silero: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	httpResp, err := e.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("silero: request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return Response{}, fmt.Errorf("silero: service returned %d: %s", httpResp.StatusCode, bytes.TrimSpace(b))
	}

	var out Response
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("silero: decode response: %w", err)
	}
	return out, nil
}
