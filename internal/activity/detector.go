package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// Segmenter receives the detector's decisions. It owns the utterance that is
// open while the speaker is Speaking.
type Segmenter interface {
	// Open starts a new utterance. It is only called from NotSpeaking.
	Open(ctx context.Context, now time.Time)

	// Append adds a raw 48 kHz stereo chunk to the open utterance.
	Append(chunk []byte)

	// Close finalizes the open utterance. It must be idempotent.
	Close(ctx context.Context, reason Reason)
}

// Config is the detector configuration.
type Config struct {
	Thresholds

	// MinBufferedChunks is the number of chunks collected before a
	// classification pass runs.
	MinBufferedChunks int

	// FrameSamples is the classifier's fixed input size in 16 kHz mono samples.
	FrameSamples int
}

// DefaultConfig returns the stock detection policy.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			Activation:        0.5,
			Deactivation:      0.3,
			SilenceDuration:   1000 * time.Millisecond,
			InactivityTimeout: 1500 * time.Millisecond,
		},
		MinBufferedChunks: 5,
		FrameSamples:      1024,
	}
}

// Validate reports whether cfg is usable.
func (cfg Config) Validate() error {
	errs := []error{cfg.Thresholds.Validate()}
	if cfg.MinBufferedChunks < 1 {
		errs = append(errs, fmt.Errorf("activity: min buffered chunks must be at least 1, got %d", cfg.MinBufferedChunks))
	}
	if cfg.FrameSamples < 1 {
		errs = append(errs, fmt.Errorf("activity: classifier frame samples must be at least 1, got %d", cfg.FrameSamples))
	}
	return errors.Join(errs...)
}

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithMetrics records classifier latency and utterance counters into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithLogger sets the logger used for transitions. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.log = l }
}

// Detector buffers raw chunks for one speaker, classifies them in batches and
// drives a [Segmenter] through the hysteresis state machine.
//
// A Detector is owned by a single goroutine and is not safe for concurrent
// use. Frame processing and watchdog checks must be serialised by the owner.
type Detector struct {
	cfg        Config
	classifier vad.SessionHandle
	seg        Segmenter
	metrics    *observe.Metrics
	log        *slog.Logger

	state State
	buf   [][]byte
}

// NewDetector returns a Detector in the NotSpeaking state.
func NewDetector(cfg Config, classifier vad.SessionHandle, seg Segmenter, opts ...Option) *Detector {
	d := &Detector{
		cfg:        cfg,
		classifier: classifier,
		seg:        seg,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State returns the current hysteresis state.
func (d *Detector) State() State { return d.state }

// Buffered returns the number of chunks waiting for the next pass.
func (d *Detector) Buffered() int { return len(d.buf) }

// Process buffers chunk and, once MinBufferedChunks are held, runs one
// classification pass over all of them. The buffer is emptied after every
// pass.
//
// On a Start transition every buffered chunk is handed to the segmenter so
// the attack before the threshold crossing is kept. While Speaking every
// buffered chunk is appended regardless of its own score. On an End
// transition the buffered chunks are appended and the utterance is closed.
//
// A classifier error is returned after the buffer has been handled as if
// the state had not changed.
func (d *Detector) Process(ctx context.Context, chunk []byte, now time.Time) error {
	d.buf = append(d.buf, chunk)
	if len(d.buf) < d.cfg.MinBufferedChunks {
		return nil
	}
	batch := d.buf
	d.buf = nil

	samples := audio.PCMToFloat32(audio.Downsample48kStereoTo16kMono(audio.Concat(batch)))
	if len(samples) < d.cfg.FrameSamples {
		// Not enough audio for a frame; speech is assumed to continue.
		if d.state.Speaking() {
			d.appendAll(batch)
		}
		return nil
	}

	conf, err := d.classify(ctx, samples[:d.cfg.FrameSamples])
	if err != nil {
		if d.state.Speaking() {
			d.appendAll(batch)
		}
		return fmt.Errorf("activity: classify: %w", err)
	}

	next, tr := d.state.Observe(conf, now, d.cfg.Thresholds)
	d.state = next

	switch tr {
	case Start:
		d.log.Debug("speech start", "confidence", conf)
		if d.metrics != nil {
			d.metrics.UtterancesStarted.Add(ctx, 1)
		}
		d.seg.Open(ctx, now)
		d.appendAll(batch)
	case End:
		d.log.Debug("speech end", "confidence", conf, "reason", ReasonHysteresis)
		d.appendAll(batch)
		d.close(ctx, ReasonHysteresis)
	case Stay:
		if next.Speaking() {
			d.appendAll(batch)
		}
	}
	return nil
}

// CheckInactivity is the watchdog tick. It force-closes the open utterance
// when the last qualifying frame is InactivityTimeout old and reports
// whether it did so. Chunks still buffered stay for the next pass.
func (d *Detector) CheckInactivity(ctx context.Context, now time.Time) bool {
	next, tr := d.state.Stall(now, d.cfg.Thresholds)
	if tr != End {
		return false
	}
	d.log.Debug("speech end", "reason", ReasonWatchdog, "silent_for", now.Sub(d.state.LastSpeech))
	d.state = next
	d.close(ctx, ReasonWatchdog)
	return true
}

// Shutdown closes any open utterance, keeping buffered chunks, and returns
// the detector to NotSpeaking. It is used when the stream ends or the
// session is torn down.
func (d *Detector) Shutdown(ctx context.Context) {
	batch := d.buf
	d.buf = nil
	if !d.state.Speaking() {
		return
	}
	d.appendAll(batch)
	d.state = State{}
	d.close(ctx, ReasonTeardown)
}

func (d *Detector) classify(ctx context.Context, frame []float32) (float64, error) {
	start := time.Now()
	conf, err := d.classifier.Confidence(ctx, frame)
	if d.metrics != nil {
		d.metrics.ClassifierDuration.Record(ctx, time.Since(start).Seconds())
	}
	return conf, err
}

func (d *Detector) appendAll(batch [][]byte) {
	for _, c := range batch {
		d.seg.Append(c)
	}
}

func (d *Detector) close(ctx context.Context, reason Reason) {
	if d.metrics != nil {
		d.metrics.RecordUtteranceFinalized(ctx, reason.String())
	}
	d.seg.Close(ctx, reason)
}
