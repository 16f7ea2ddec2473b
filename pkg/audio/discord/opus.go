package discord

import (
	"fmt"
	"time"

	"layeh.com/gopus"
)

// Discord sends 48 kHz stereo Opus in 20 ms packets.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	opusFrameSize  = opusSampleRate / 50 // samples per channel per packet
)

// opusStream decodes one SSRC. Opus decoders are stateful, so every speaker
// needs its own.
type opusStream struct {
	dec     *gopus.Decoder
	lastSeq uint16
	started bool
}

// pcmFrame is one decoded 20 ms frame and its RTP timestamp.
type pcmFrame struct {
	pcm []byte
	rtp uint32
}

// streamDecoders owns the per-SSRC decoders of one voice connection. It is
// used only from the receive loop.
type streamDecoders map[uint32]*opusStream

// decode turns one RTP packet into PCM frames. A single lost packet is rebuilt
// from the forward error correction data carried by its successor, so a short
// network hiccup does not cut a syllable out of the utterance. Duplicated and
// reordered packets yield no frames.
func (d streamDecoders) decode(ssrc uint32, seq uint16, rtp uint32, opus []byte) ([]pcmFrame, error) {
	s, ok := d[ssrc]
	if !ok {
		dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
		if err != nil {
			return nil, fmt.Errorf("discord: create opus decoder for ssrc %d: %w", ssrc, err)
		}
		s = &opusStream{dec: dec}
		d[ssrc] = s
	}

	var frames []pcmFrame
	if s.started {
		switch gap := seq - s.lastSeq; {
		case gap == 0 || gap > 1<<15:
			return nil, nil
		case gap == 2:
			if pcm, err := s.dec.Decode(opus, opusFrameSize, true); err == nil {
				frames = append(frames, pcmFrame{pcm: int16sToBytes(pcm), rtp: rtp - opusFrameSize})
			}
		}
	}
	s.started = true
	s.lastSeq = seq

	pcm, err := s.dec.Decode(opus, opusFrameSize, false)
	if err != nil {
		return frames, fmt.Errorf("discord: opus decode: %w", err)
	}
	return append(frames, pcmFrame{pcm: int16sToBytes(pcm), rtp: rtp}), nil
}

// rtpOffset converts an RTP timestamp into the stream's media clock.
func rtpOffset(rtp uint32) time.Duration {
	return time.Duration(rtp) * time.Second / opusSampleRate
}

// int16sToBytes packs samples as little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, 2*len(pcm))
	for i, v := range pcm {
		b[2*i] = byte(v)
		b[2*i+1] = byte(v >> 8)
	}
	return b
}
