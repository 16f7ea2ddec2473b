package utterance_test

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/activity"
	"github.com/MrWong99/earshot/internal/dispatch"
	"github.com/MrWong99/earshot/internal/utterance"
	"github.com/MrWong99/earshot/pkg/audio"
)

// recordingDispatcher captures Started and Go calls synchronously.
type recordingDispatcher struct {
	mu       sync.Mutex
	started  []dispatch.Utterance
	payloads []dispatch.Payload
}

func (r *recordingDispatcher) Started(_ context.Context, u dispatch.Utterance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, u)
}

func (r *recordingDispatcher) Go(_ context.Context, p dispatch.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func stereoChunk(frames int, l, r int16) []byte {
	b := make([]byte, frames*4)
	for i := range frames {
		binary.LittleEndian.PutUint16(b[i*4:], uint16(l))
		binary.LittleEndian.PutUint16(b[i*4+2:], uint16(r))
	}
	return b
}

func TestUtterance_FinalizeOnce(t *testing.T) {
	disp := &recordingDispatcher{}
	u := utterance.New(dispatch.Utterance{ID: "u-1", SpeakerID: "s"}, disp)
	u.AddAudioData(stereoChunk(960, 1000, 2000))

	if !u.Finalize(context.Background(), activity.ReasonHysteresis) {
		t.Fatal("first Finalize reported false")
	}
	if u.Finalize(context.Background(), activity.ReasonWatchdog) {
		t.Error("second Finalize reported true")
	}
	if len(disp.payloads) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(disp.payloads))
	}
	p := disp.payloads[0]
	if p.Reason != "hysteresis" || p.ID != "u-1" {
		t.Errorf("payload = %+v", p.Utterance)
	}

	pcm, format, err := audio.DecodeWAV(p.WAV)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format != audio.SpeechFormat {
		t.Errorf("format = %v, want %v", format, audio.SpeechFormat)
	}
	if len(pcm) != 320*2 {
		t.Errorf("payload = %d bytes, want %d", len(pcm), 320*2)
	}
	if got := int16(binary.LittleEndian.Uint16(pcm)); got != 1500 {
		t.Errorf("first sample = %d, want 1500", got)
	}
}

func TestUtterance_ConcurrentFinalize(t *testing.T) {
	disp := &recordingDispatcher{}
	u := utterance.New(dispatch.Utterance{ID: "u-1"}, disp)
	u.AddAudioData(stereoChunk(30, 1, 1))

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() { u.Finalize(context.Background(), activity.ReasonWatchdog) })
	}
	wg.Wait()
	if len(disp.payloads) != 1 {
		t.Errorf("dispatch calls = %d, want 1", len(disp.payloads))
	}
}

func TestUtterance_LateChunksIgnored(t *testing.T) {
	u := utterance.New(dispatch.Utterance{ID: "u-1"}, &recordingDispatcher{})
	if !u.AddAudioData([]byte{1, 2, 3, 4}) {
		t.Fatal("AddAudioData before finalize reported false")
	}
	u.Finalize(context.Background(), activity.ReasonHysteresis)
	if u.AddAudioData([]byte{5, 6, 7, 8}) {
		t.Error("AddAudioData after finalize reported true")
	}
	if !u.Finalized() {
		t.Error("Finalized() = false")
	}
}

func TestUtterance_EmptyDispatchesSignal(t *testing.T) {
	disp := &recordingDispatcher{}
	u := utterance.New(dispatch.Utterance{ID: "u-1"}, disp)
	u.Finalize(context.Background(), activity.ReasonWatchdog)

	if len(disp.payloads) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(disp.payloads))
	}
	if !disp.payloads[0].Empty() {
		t.Error("payload not empty")
	}
}

func TestAggregator_Lifecycle(t *testing.T) {
	disp := &recordingDispatcher{}
	n := 0
	agg := utterance.NewAggregator(
		utterance.Speaker{ID: "s1", DisplayName: "Ada", SessionID: "g1", ChannelID: "c1"},
		disp,
		utterance.WithIDFunc(func() string { n++; return "utt-" + strconv.Itoa(n) }),
	)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	agg.Append(stereoChunk(3, 1, 1)) // dropped: nothing open
	agg.Open(ctx, start)
	agg.Append(stereoChunk(3, 1, 1))
	first := agg.Current()
	agg.Close(ctx, activity.ReasonHysteresis)
	agg.Close(ctx, activity.ReasonWatchdog) // no-op

	agg.Open(ctx, start.Add(time.Second))
	agg.Close(ctx, activity.ReasonTeardown)

	if len(disp.started) != 2 || len(disp.payloads) != 2 {
		t.Fatalf("started=%d payloads=%d, want 2/2", len(disp.started), len(disp.payloads))
	}
	if !first.Finalized() {
		t.Error("first utterance not finalized before second opened")
	}
	p := disp.payloads[0]
	if p.ID != "utt-1" || p.SpeakerID != "s1" || p.DisplayName != "Ada" || p.SessionID != "g1" || p.ChannelID != "c1" {
		t.Errorf("payload identity = %+v", p.Utterance)
	}
	if !p.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", p.StartedAt, start)
	}
	if p.Empty() {
		t.Error("first payload unexpectedly empty")
	}
	if !disp.payloads[1].Empty() || disp.payloads[1].Reason != "teardown" {
		t.Errorf("second payload = %+v", disp.payloads[1])
	}
}

func TestAggregator_OpenFinalizesPredecessor(t *testing.T) {
	disp := &recordingDispatcher{}
	agg := utterance.NewAggregator(utterance.Speaker{ID: "s1"}, disp)
	ctx := context.Background()

	agg.Open(ctx, time.Now())
	prev := agg.Current()
	agg.Open(ctx, time.Now())

	if !prev.Finalized() {
		t.Error("predecessor still open")
	}
	if len(disp.payloads) != 1 {
		t.Errorf("payloads = %d, want 1", len(disp.payloads))
	}
}

func TestPackage(t *testing.T) {
	wav := utterance.Package(stereoChunk(48000, 100, 100))
	pcm, f, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f != audio.SpeechFormat || len(pcm) != 32000 {
		t.Errorf("format=%v len=%d, want 16 kHz mono 32000 bytes", f, len(pcm))
	}
}
