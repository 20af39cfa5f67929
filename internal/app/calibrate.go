package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/typefree/internal/vad"
)

// Calibrate samples the background noise on a dedicated source stream and
// makes the result the baseline of every later recording.
//
// When the window passes without completing, the baseline falls back to the
// configured start thresholds, which are returned together with an error
// wrapping [vad.ErrCalibrationTimeout]; callers may carry on recording. Any
// other error leaves the baseline unchanged.
func (a *App) Calibrate(ctx context.Context) (vad.Thresholds, error) {
	a.setPhase(PhaseCalibrating)
	defer a.setPhase(PhaseIdle)

	stream, err := a.providers.Source.Open(ctx, a.cfg.Audio.Format())
	if err != nil {
		a.metrics.RecordCalibration(ctx, "error")
		return vad.Thresholds{}, fmt.Errorf("app: open source for calibration: %w", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			slog.Warn("closing calibration source", "err", err)
		}
	}()

	cal := vad.NewCalibrator(vad.CalibratorConfig{
		Duration: a.cfg.VAD.CalibrationDuration(),
		Grace:    a.cfg.VAD.CalibrationGrace(),
		Now:      a.now,
	})
	th, err := cal.Run(ctx, stream.Chunks(), a.hub.OnCalibration)
	switch {
	case err == nil:
		a.metrics.RecordCalibration(ctx, "ok")
		slog.Info("calibration complete", "thresholds", th.String())

	case errors.Is(err, vad.ErrCalibrationTimeout):
		a.metrics.RecordCalibration(ctx, "timeout")
		th = a.cfg.VAD.StartThresholds()
		slog.Warn("calibration timed out; using default thresholds", "thresholds", th.String())
		a.engine.SetBaseline(th)
		a.hub.OnThresholds(th)
		return th, fmt.Errorf("app: calibrate: %w", err)

	case errors.Is(err, vad.ErrCaptureEnded):
		a.metrics.RecordCalibration(ctx, "error")
		if cause := stream.Err(); cause != nil {
			return vad.Thresholds{}, fmt.Errorf("app: calibrate: %w: %w", err, cause)
		}
		return vad.Thresholds{}, fmt.Errorf("app: calibrate: %w", err)

	default:
		a.metrics.RecordCalibration(ctx, "error")
		return vad.Thresholds{}, fmt.Errorf("app: calibrate: %w", err)
	}

	a.engine.SetBaseline(th)
	a.hub.OnThresholds(th)
	return th, nil
}
