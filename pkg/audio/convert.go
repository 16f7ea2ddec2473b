package audio

import (
	"encoding/binary"
	"math"
)

// PCMToFloat32 converts 16-bit signed little-endian PCM to float32 samples
// normalised to [-1.0, 1.0). A trailing odd byte is ignored.
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return samples
}

// Concat joins PCM chunks into a single freshly allocated buffer.
func Concat(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Float32ToPCM converts normalised float32 samples back to 16-bit signed
// little-endian PCM, clamping values outside [-1, 1).
func Float32ToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		v = max(-32768, min(32767, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
