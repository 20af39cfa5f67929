package vad

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/typefree/pkg/audio"
)

const (
	// DefaultCalibrationDuration is how long the startup pass samples the room.
	DefaultCalibrationDuration = 6 * time.Second

	// DefaultCalibrationGrace is added to the duration before giving up on a
	// source that never delivers audio.
	DefaultCalibrationGrace = 5 * time.Second

	// QuietLevel is the fixed absolute level below which a calibration sample
	// is reported as quiet. It is independent of the thresholds being derived
	// and only drives user feedback.
	QuietLevel = 0.003
)

var (
	// ErrCalibrationTimeout is returned when the source does not deliver
	// enough audio within duration + grace, typically because microphone
	// permission was denied or the device is unavailable.
	ErrCalibrationTimeout = errors.New("vad: calibration timed out")

	// ErrCaptureEnded is returned when the chunk stream closes before the
	// calibration duration has elapsed.
	ErrCaptureEnded = errors.New("vad: capture ended during calibration")

	// ErrNoSamples is returned by [CalibrationSession.Result] when no level
	// was recorded.
	ErrNoSamples = errors.New("vad: no calibration samples")
)

// Progress is emitted once per calibration sample.
type Progress struct {
	// Remaining is the number of whole seconds left, rounded up.
	Remaining int `json:"remaining_seconds"`

	// Quiet reports whether the sample was below [QuietLevel].
	Quiet bool `json:"is_quiet"`
}

// CalibrationSession accumulates level samples over a fixed wall-clock
// window. It performs no I/O and reads no clock of its own.
type CalibrationSession struct {
	duration time.Duration
	start    time.Time
	levels   []float64
}

// NewCalibrationSession starts a session of the given duration at start.
func NewCalibrationSession(duration time.Duration, start time.Time) *CalibrationSession {
	return &CalibrationSession{duration: duration, start: start}
}

// Add records level observed at now. It returns the progress to report and
// whether the duration has elapsed.
func (s *CalibrationSession) Add(level float64, now time.Time) (Progress, bool) {
	s.levels = append(s.levels, level)

	elapsed := now.Sub(s.start)
	remaining := max(0, int(math.Ceil((s.duration - elapsed).Seconds())))
	return Progress{Remaining: remaining, Quiet: level < QuietLevel}, elapsed >= s.duration
}

// Samples returns the number of recorded levels.
func (s *CalibrationSession) Samples() int { return len(s.levels) }

// Result derives thresholds from the recorded levels.
func (s *CalibrationSession) Result() (Thresholds, Stats, error) {
	if len(s.levels) == 0 {
		return Thresholds{}, Stats{}, ErrNoSamples
	}
	th, st := Estimate(s.levels)
	return th, st, nil
}

// CalibratorConfig tunes a [Calibrator]. Zero fields take the defaults.
type CalibratorConfig struct {
	Duration time.Duration
	Grace    time.Duration

	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// Calibrator runs the startup baseline pass.
type Calibrator struct {
	duration time.Duration
	grace    time.Duration
	now      func() time.Time
}

// NewCalibrator returns a Calibrator for cfg.
func NewCalibrator(cfg CalibratorConfig) *Calibrator {
	c := &Calibrator{
		duration: cfg.Duration,
		grace:    cfg.Grace,
		now:      cfg.Now,
	}
	if c.duration <= 0 {
		c.duration = DefaultCalibrationDuration
	}
	if c.grace <= 0 {
		c.grace = DefaultCalibrationGrace
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Duration returns the sampling window.
func (c *Calibrator) Duration() time.Duration { return c.duration }

// Run samples one level per chunk read from chunks until the duration has
// elapsed and returns the derived thresholds. onProgress, if non-nil, is
// called synchronously for every sample.
//
// Run fails with [ErrCalibrationTimeout] when the window plus grace passes
// without completing, with [ErrCaptureEnded] when chunks is closed early, and
// with ctx.Err() on cancellation. The caller owns the source and closes it.
func (c *Calibrator) Run(ctx context.Context, chunks <-chan []byte, onProgress func(Progress)) (Thresholds, error) {
	timeout := time.NewTimer(c.duration + c.grace)
	defer timeout.Stop()

	slog.Info("calibration started", "duration", c.duration)
	sess := NewCalibrationSession(c.duration, c.now())

	for {
		select {
		case <-ctx.Done():
			return Thresholds{}, ctx.Err()

		case <-timeout.C:
			slog.Warn("calibration timed out", "samples", sess.Samples())
			return Thresholds{}, ErrCalibrationTimeout

		case chunk, ok := <-chunks:
			if !ok {
				return Thresholds{}, ErrCaptureEnded
			}
			level := audio.Level(chunk)
			if math.IsNaN(level) {
				continue
			}

			p, done := sess.Add(level, c.now())
			if onProgress != nil {
				onProgress(p)
			}
			if !done {
				continue
			}

			th, st, err := sess.Result()
			if err != nil {
				return Thresholds{}, err
			}
			slog.Info("calibration complete",
				"samples", st.N,
				"median", st.Median,
				"std_dev", st.StdDev,
				"speech_threshold", th.Speech,
				"silence_threshold", th.Silence,
			)
			return th, nil
		}
	}
}
