package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the length of the canonical PCM RIFF/WAVE header written
// by [EncodeWAV].
const WAVHeaderSize = 44

// ErrInvalidWAV is returned by [ParseWAVHeader] for data that is not a
// canonical 44-byte-header PCM WAV file.
var ErrInvalidWAV = errors.New("audio: invalid WAV data")

// WAVHeader is the decoded form of the canonical 44-byte PCM header.
type WAVHeader struct {
	AudioFormat   uint16
	Channels      int
	SampleRate    int
	ByteRate      int
	BlockAlign    int
	BitsPerSample int
	DataSize      int
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAVE container. The payload is copied unmodified after the header.
// EncodeWAV is deterministic: equal inputs produce identical output.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * BytesPerSample
	blockAlign := channels * BytesPerSample
	dataSize := len(pcm)

	buf := make([]byte, WAVHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[WAVHeaderSize:], pcm)

	return buf
}

// EncodeWAVFormat is [EncodeWAV] with the rate and channel count taken from f.
func EncodeWAVFormat(pcm []byte, f Format) []byte {
	return EncodeWAV(pcm, f.SampleRate, f.Channels)
}

// ParseWAVHeader decodes and validates the canonical header at the start of
// data. It does not require the payload to be present.
func ParseWAVHeader(data []byte) (WAVHeader, error) {
	if len(data) < WAVHeaderSize {
		return WAVHeader{}, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidWAV, WAVHeaderSize, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return WAVHeader{}, fmt.Errorf("%w: missing RIFF header", ErrInvalidWAV)
	}
	if string(data[8:12]) != "WAVE" {
		return WAVHeader{}, fmt.Errorf("%w: missing WAVE format", ErrInvalidWAV)
	}
	if string(data[12:16]) != "fmt " {
		return WAVHeader{}, fmt.Errorf("%w: missing fmt chunk", ErrInvalidWAV)
	}
	if string(data[36:40]) != "data" {
		return WAVHeader{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
	}

	h := WAVHeader{
		AudioFormat:   binary.LittleEndian.Uint16(data[20:22]),
		Channels:      int(binary.LittleEndian.Uint16(data[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(data[24:28])),
		ByteRate:      int(binary.LittleEndian.Uint32(data[28:32])),
		BlockAlign:    int(binary.LittleEndian.Uint16(data[32:34])),
		BitsPerSample: int(binary.LittleEndian.Uint16(data[34:36])),
		DataSize:      int(binary.LittleEndian.Uint32(data[40:44])),
	}
	if h.AudioFormat != 1 {
		return WAVHeader{}, fmt.Errorf("%w: unsupported audio format %d (only PCM is supported)", ErrInvalidWAV, h.AudioFormat)
	}
	if h.BitsPerSample != BitsPerSample {
		return WAVHeader{}, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, h.BitsPerSample)
	}
	return h, nil
}

// Format returns the stream format declared by h.
func (h WAVHeader) Format() Format {
	return Format{SampleRate: h.SampleRate, Channels: h.Channels}
}
