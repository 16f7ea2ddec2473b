package audio

import "encoding/binary"

// decimation is the fixed ratio between VoiceFormat and SpeechFormat.
const decimation = 48000 / 16000

// Downsample48kStereoTo16kMono converts 48 kHz stereo 16-bit little-endian PCM
// into 16 kHz mono 16-bit little-endian PCM.
//
// For each output index i the input frame floor(i*3) is selected and its two
// channels are averaged with halves rounded towards positive infinity. No
// low-pass filter is applied. A trailing partial input frame (fewer than 4
// bytes) is ignored, so short or truncated input never fails.
func Downsample48kStereoTo16kMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	n := frames / decimation
	out := make([]byte, n*2)
	for i := range n {
		off := i * decimation * 4
		l := int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[off+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(roundHalf(l+r)))
	}
	return out
}

// roundHalf returns sum/2 rounded to the nearest integer, ties towards +Inf.
// The result always fits in int16 because sum is the sum of two int16 values.
func roundHalf(sum int32) int16 {
	// Arithmetic shift floors, so (sum+1)>>1 == floor(sum/2 + 0.5).
	return int16((sum + 1) >> 1)
}
