// Package audio holds the PCM primitives shared by the capture pipeline:
// chunk and format types, the RMS level meter, the bounded chunk buffer, and
// the RIFF/WAVE container encoder.
//
// All PCM handled here is interleaved 16-bit signed little-endian. Functions
// in this package are pure or operate on caller-owned values; none of them
// start goroutines.
package audio

import (
	"fmt"
	"time"
)

const (
	// BitsPerSample is fixed at 16 for all PCM in the pipeline.
	BitsPerSample = 16

	// BytesPerSample is the size of one 16-bit sample.
	BytesPerSample = BitsPerSample / 8

	// DefaultSampleRate is the capture rate used when none is configured.
	DefaultSampleRate = 16000

	// DefaultChannels is the capture channel count used when none is configured.
	DefaultChannels = 1
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat returns the 16 kHz mono format the transcription services
// expect.
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels}
}

// Validate reports whether f describes a usable PCM stream. Only mono and
// stereo are supported by the container encoder.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("audio: channels must be 1 or 2, got %d", f.Channels)
	}
	return nil
}

// BytesPerSecond returns the PCM byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// ChunkSize returns the number of bytes in a chunk of duration d, rounded
// down to a whole frame (one sample per channel).
func (f Format) ChunkSize(d time.Duration) int {
	frame := f.Channels * BytesPerSample
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%frame
}

// Duration returns the playback length of n PCM bytes in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String renders f as e.g. "16000Hz/mono".
func (f Format) String() string {
	ch := "stereo"
	if f.Channels == 1 {
		ch = "mono"
	}
	return fmt.Sprintf("%dHz/%s", f.SampleRate, ch)
}
