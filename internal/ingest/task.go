package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/internal/activity"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// task is the goroutine body of one pipeline. Frame processing and watchdog
// ticks share the goroutine and are therefore strictly ordered.
type task struct {
	stream     *stream
	sub        audio.Subscription
	classifier vad.SessionHandle
	detector   *activity.Detector
	interval   time.Duration
	now        func() time.Time
	log        *slog.Logger
}

func (t *task) run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer t.teardown(ctx, ticker)

	frames := t.sub.Frames()
	for {
		select {
		case <-ctx.Done():
			t.log.Debug("ingest: pipeline stopped")
			return
		case f, ok := <-frames:
			if !ok {
				if err := t.sub.Err(); err != nil {
					t.log.Warn("ingest: stream ended with error", "err", err)
				} else {
					t.log.Debug("ingest: stream ended")
				}
				return
			}
			if err := t.detector.Process(ctx, f.Data, t.now()); err != nil {
				t.log.Warn("ingest: classification failed", "err", err)
			}
		case <-ticker.C:
			t.detector.CheckInactivity(ctx, t.now())
		}
	}
}

// teardown finalizes before it releases: the open utterance is closed first,
// then the watchdog, the subscription and the classifier session.
func (t *task) teardown(ctx context.Context, ticker *time.Ticker) {
	t.detector.Shutdown(context.WithoutCancel(ctx))
	ticker.Stop()
	if err := t.sub.Close(); err != nil {
		t.log.Debug("ingest: close subscription", "err", err)
	}
	if err := t.classifier.Close(); err != nil {
		t.log.Debug("ingest: close classifier", "err", err)
	}
}
