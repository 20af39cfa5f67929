package whisper

import (
	"encoding/binary"
	"fmt"

	"github.com/MrWong99/typefree/pkg/audio"
)

// wavToMono unwraps a canonical PCM WAV file and returns its samples as mono
// float32 in [-1.0, 1.0], the layout whisper.cpp expects. A data size larger
// than the payload is clamped to what is present.
func wavToMono(wav []byte) ([]float32, error) {
	h, err := audio.ParseWAVHeader(wav)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	pcm := wav[audio.WAVHeaderSize:]
	if h.DataSize < len(pcm) {
		pcm = pcm[:h.DataSize]
	}
	return pcmToFloat32Mono(pcm, h.Channels), nil
}

// pcmToFloat32Mono converts 16-bit signed little-endian PCM to float32.
// Multi-channel input is down-mixed by averaging each frame; a trailing
// partial frame is ignored.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	channels = max(channels, 1)
	frames := len(pcm) / (audio.BytesPerSample * channels)
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * audio.BytesPerSample
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[idx:]))) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
