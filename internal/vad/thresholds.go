// Package vad implements the energy-based voice activity detector that splits
// a live microphone stream into utterances.
//
// Detection works on per-chunk loudness levels (see audio.Level) compared
// against a [Thresholds] value: a speech threshold that opens a segment and a
// lower silence threshold that, held for a number of consecutive chunks,
// closes it. Thresholds are derived from robust statistics of quiet audio,
// first by a one-off [Calibrator] pass and then continuously by a
// [Tracker] that follows slow changes in background noise.
//
// Everything in this package is single-threaded and clock-injected; the
// capture engine owns synchronisation.
package vad

import (
	"fmt"
	"math"
	"slices"
)

const (
	// NoiseFloorMargin is the standard-deviation multiplier separating the
	// speech threshold from the noise floor. The silence threshold sits one
	// standard deviation above the floor.
	NoiseFloorMargin = 3.0

	// MinSpeechThreshold is the lowest speech threshold ever produced, so a
	// perfectly silent room cannot make every click count as speech.
	MinSpeechThreshold = 0.015

	// MinSilenceThreshold is the lowest silence threshold ever produced.
	MinSilenceThreshold = 0.008

	// quietFraction is the share of the lowest samples that forms the quiet
	// population used for the standard deviation.
	quietFraction = 0.5
)

// Thresholds is the live detection state. Speech >= Silence holds for every
// value returned by [Estimate], and both are at least their Min* constants.
type Thresholds struct {
	NoiseFloor float64 `json:"noise_floor"`
	Speech     float64 `json:"speech_threshold"`
	Silence    float64 `json:"silence_threshold"`
}

// DefaultThresholds are used for live capture when no calibration has run.
func DefaultThresholds() Thresholds {
	return Thresholds{NoiseFloor: 0.01, Speech: 0.03, Silence: 0.015}
}

// Valid reports whether t satisfies the ordering and minimum invariants.
func (t Thresholds) Valid() bool {
	return t.Speech >= t.Silence &&
		t.Speech >= MinSpeechThreshold &&
		t.Silence >= MinSilenceThreshold
}

// String formats t for logs.
func (t Thresholds) String() string {
	return fmt.Sprintf("floor=%.4f speech=%.4f silence=%.4f", t.NoiseFloor, t.Speech, t.Silence)
}

// Stats is the intermediate result of [Estimate], kept for logging.
type Stats struct {
	Median float64
	StdDev float64
	N      int
}

// Estimate derives thresholds from a set of level samples. The median of all
// samples becomes the noise floor; the spread is the population standard
// deviation, around that median, of the quietest half of the samples.
//
// levels is not modified. An empty input returns the minimum thresholds and
// a zero Stats.
func Estimate(levels []float64) (Thresholds, Stats) {
	if len(levels) == 0 {
		return clamp(0, 0), Stats{}
	}

	sorted := slices.Clone(levels)
	slices.Sort(sorted)

	median := sorted[len(sorted)/2]

	quiet := sorted[:int(float64(len(sorted))*quietFraction)]
	if len(quiet) == 0 {
		quiet = sorted
	}
	var sumSq float64
	for _, l := range quiet {
		d := l - median
		sumSq += d * d
	}
	stdDev := math.Sqrt(sumSq / float64(len(quiet)))

	return clamp(median, stdDev), Stats{Median: median, StdDev: stdDev, N: len(sorted)}
}

func clamp(median, stdDev float64) Thresholds {
	speech := max(median+NoiseFloorMargin*stdDev, MinSpeechThreshold)
	silence := max(median+stdDev, MinSilenceThreshold)
	// speech >= silence regardless of the minimum constants.
	speech = max(speech, silence)
	return Thresholds{NoiseFloor: median, Speech: speech, Silence: silence}
}
