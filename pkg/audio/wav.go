package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of the canonical PCM RIFF/WAVE header.
const WAVHeaderSize = 44

const bitsPerSample = 16

// ErrInvalidWAV is returned by [DecodeWAV] for buffers that are not canonical
// 16-bit PCM WAV containers.
var ErrInvalidWAV = errors.New("audio: invalid wav container")

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a canonical
// 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, WAVHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[WAVHeaderSize:], pcm)

	return buf
}

// DecodeWAV parses a canonical container produced by [EncodeWAV] and returns
// the PCM payload and its format. The payload aliases wav.
func DecodeWAV(wav []byte) ([]byte, Format, error) {
	if len(wav) < WAVHeaderSize {
		return nil, Format{}, fmt.Errorf("%w: %d bytes", ErrInvalidWAV, len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[12:16]) != "fmt " || string(wav[36:40]) != "data" {
		return nil, Format{}, fmt.Errorf("%w: bad chunk ids", ErrInvalidWAV)
	}
	if binary.LittleEndian.Uint16(wav[20:22]) != 1 || binary.LittleEndian.Uint16(wav[34:36]) != bitsPerSample {
		return nil, Format{}, fmt.Errorf("%w: not 16-bit pcm", ErrInvalidWAV)
	}
	f := Format{
		SampleRate: int(binary.LittleEndian.Uint32(wav[24:28])),
		Channels:   int(binary.LittleEndian.Uint16(wav[22:24])),
	}
	size := int(binary.LittleEndian.Uint32(wav[40:44]))
	if size > len(wav)-WAVHeaderSize {
		return nil, Format{}, fmt.Errorf("%w: data chunk declares %d bytes, have %d", ErrInvalidWAV, size, len(wav)-WAVHeaderSize)
	}
	return wav[WAVHeaderSize : WAVHeaderSize+size], f, nil
}
