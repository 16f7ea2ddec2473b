package audio

import (
	"fmt"
	"time"
)

// AudioFrame is a single decoded PCM frame delivered by a [Subscription].
// Frames are the atomic unit the ingest pipeline consumes: each one is
// buffered by the activity detector and, while a speaker is speaking,
// appended to the open utterance.
type AudioFrame struct {
	// Data is 16-bit signed little-endian PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (48000 for Discord Opus decode output).
	SampleRate int

	// Channels: 2 for the voice transport, 1 after resampling.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description, e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// BytesPerSecond returns the PCM byte rate for 16-bit samples.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback duration of n PCM bytes in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

var (
	// VoiceFormat is the fixed format produced by voice transports.
	VoiceFormat = Format{SampleRate: 48000, Channels: 2}

	// SpeechFormat is the format handed to classifiers and consumers.
	SpeechFormat = Format{SampleRate: 16000, Channels: 1}
)
