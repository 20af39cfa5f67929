package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/MrWong99/typefree/internal/capture"
	"github.com/MrWong99/typefree/pkg/audio"
)

// ErrBusy is returned by [App.Monitor] while a calibration or recording owns
// the source.
var ErrBusy = errors.New("app: session busy")

// Monitor publishes the input level of a dedicated source stream to the
// event hub and the extra observers without recording, detecting speech or
// transcribing. It lets a UI show a live meter between recordings.
//
// Monitor returns nil when ctx is cancelled and the stream error when the
// source ends. A final level of zero is published on return.
func (a *App) Monitor(ctx context.Context) error {
	if !a.enterPhase(PhaseMonitoring, PhaseIdle, PhaseStopped) {
		return ErrBusy
	}
	defer a.setPhase(PhaseIdle)

	stream, err := a.providers.Source.Open(ctx, a.cfg.Audio.Format())
	if err != nil {
		return fmt.Errorf("app: open source for monitoring: %w", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			slog.Warn("closing monitor source", "err", err)
		}
	}()

	meter := append(capture.MultiObserver{a.hub}, a.observers...)
	defer meter.OnLevel(0)

	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-stream.Chunks():
			if !ok {
				if err := stream.Err(); err != nil {
					return fmt.Errorf("app: monitor: %w", err)
				}
				return nil
			}
			if level := audio.Level(chunk); !math.IsNaN(level) {
				meter.OnLevel(level)
			}
		}
	}
}

// enterPhase switches to p when the current phase is one of from.
func (a *App) enterPhase(p Phase, from ...Phase) bool {
	a.mu.Lock()
	ok := slices.Contains(from, a.phase)
	if ok {
		a.phase = p
	}
	a.mu.Unlock()
	if ok {
		a.hub.OnSession(string(p))
		slog.Debug("session phase", "phase", p)
	}
	return ok
}
