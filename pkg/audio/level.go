package audio

import (
	"encoding/binary"
	"math"
)

const (
	// MaxLevelSamples caps how many samples Level examines per chunk. Chunks
	// from capture devices are normally well below this; the cap bounds the
	// cost of unusually large reads.
	MaxLevelSamples = 1600

	// maxSampleMagnitude is the largest positive 16-bit sample value.
	maxSampleMagnitude = 32767.0
)

// Level returns the normalised RMS loudness of a 16-bit little-endian PCM
// chunk in the range [0, 1]. Only the first [MaxLevelSamples] samples are
// read and a trailing odd byte is ignored.
//
// A chunk with no complete sample yields NaN. Callers must check with
// [math.IsNaN] before using the value.
func Level(chunk []byte) float64 {
	n := min(len(chunk)/BytesPerSample, MaxLevelSamples)

	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(chunk[i*2:])))
		sum += v * v
	}

	// 0/0 for an empty chunk produces NaN.
	rms := math.Sqrt(sum / float64(n))
	return math.Min(rms/maxSampleMagnitude, 1)
}
