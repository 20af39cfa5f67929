package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/typefree/internal/capture"
	"github.com/MrWong99/typefree/internal/history"
)

// Phase is the coarse state of the dictation session.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseCalibrating  Phase = "calibrating"
	PhaseMonitoring   Phase = "monitoring"
	PhaseRecording    Phase = "recording"
	PhaseTranscribing Phase = "transcribing"
	PhaseStopped      Phase = "stopped"
)

// StopReason says why a recording ended.
type StopReason string

const (
	StopCancelled   StopReason = "cancelled"
	StopAutoStop    StopReason = "auto_stop"
	StopMaxDuration StopReason = "max_duration"
	StopSourceEnded StopReason = "source_ended"
)

// Result is the outcome of one dictation session.
type Result struct {
	// Text is the session transcript. It is the final pass over the whole
	// recording, or the joined live transcripts when that pass failed or
	// came back empty.
	Text string

	// Source says which of the two produced Text. Empty when Text is.
	Source history.Source

	// Live holds the live transcripts in arrival order.
	Live []string

	// NoSpeech is set when too little speech was captured to transcribe.
	NoSpeech bool

	Reason    StopReason
	Recording *capture.Recording

	// Entry is the saved history entry, or nil.
	Entry *history.Entry
}

// Record captures one session from a fresh source stream until it stops,
// then produces the session transcript and saves it to history.
//
// The recording stops when ctx is cancelled, when the source ends, after
// session.max_duration, or session.auto_stop_grace after recording began or
// the last speech ended, whichever is later, while nobody is speaking.
// The stop and final transcription run on a context detached from ctx, so
// cancelling ctx still yields a transcript.
func (a *App) Record(ctx context.Context) (*Result, error) {
	stream, err := a.providers.Source.Open(ctx, a.cfg.Audio.Format())
	if err != nil {
		return nil, fmt.Errorf("app: open source: %w", err)
	}
	a.session.reset()
	if err := a.engine.Start(ctx, stream); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("app: start capture: %w", err)
	}
	a.setPhase(PhaseRecording)
	a.hub.OnThresholds(a.engine.Thresholds())
	defer a.setPhase(PhaseStopped)

	reason := a.waitForStop(ctx, a.engine.Done())
	slog.Info("stopping recording", "reason", reason)
	if reason == StopSourceEnded {
		slog.Warn("audio source ended", "err", a.engine.Err())
	}

	detached := context.WithoutCancel(ctx)
	stopCtx, cancel := context.WithTimeout(detached, a.cfg.Session.StopTimeout)
	rec, err := a.engine.Stop(stopCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("app: stop capture: %w", err)
	}

	a.setPhase(PhaseTranscribing)
	res := a.finalize(detached, rec)
	res.Reason = reason
	return res, nil
}

// waitForStop blocks until the recording should end and says why.
func (a *App) waitForStop(ctx context.Context, captured <-chan struct{}) StopReason {
	var maxC <-chan time.Time
	if d := a.cfg.Session.MaxDuration; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		maxC = t.C
	}

	grace := a.cfg.Session.AutoStopGrace
	var (
		idle  *time.Timer
		idleC <-chan time.Time
	)
	if grace > 0 {
		idle = time.NewTimer(grace)
		idleC = idle.C
	}
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return StopCancelled
		case <-captured:
			// The engine also ends capture when ctx is cancelled.
			if ctx.Err() != nil {
				return StopCancelled
			}
			return StopSourceEnded
		case <-maxC:
			return StopMaxDuration
		case <-idleC:
			if a.engine.Speaking() {
				idle.Reset(grace)
				continue
			}
			return StopAutoStop
		case speaking := <-a.session.speech:
			if grace <= 0 {
				continue
			}
			if speaking {
				if idle != nil {
					idle.Stop()
				}
				idleC = nil
				continue
			}
			if idle == nil {
				idle = time.NewTimer(grace)
			} else {
				idle.Reset(grace)
			}
			idleC = idle.C
		}
	}
}

// finalize turns a stopped recording into the session transcript.
func (a *App) finalize(ctx context.Context, rec *capture.Recording) *Result {
	res := &Result{Recording: rec, Live: a.session.transcripts()}

	if rec.TotalSpeechChunks < a.cfg.Session.MinSpeechChunks {
		slog.Info("no speech detected", "speech_chunks", rec.TotalSpeechChunks, "min", a.cfg.Session.MinSpeechChunks)
		res.NoSpeech = true
		return res
	}

	text, err := a.engine.Transcribe(ctx, rec)
	switch {
	case err != nil:
		slog.Warn("final transcription failed; using live transcripts", "err", err, "live", len(res.Live))
	case text != "":
		res.Text, res.Source = text, history.SourceFinal
	}
	if res.Text == "" && len(res.Live) > 0 {
		res.Text, res.Source = strings.Join(res.Live, " "), history.SourceLive
	}
	if res.Text == "" {
		return res
	}

	entry, err := a.history.Save(ctx, history.Entry{
		Text:         res.Text,
		Source:       res.Source,
		SpeechChunks: rec.TotalSpeechChunks,
		Duration:     rec.Duration,
	})
	if err != nil {
		slog.Warn("saving session history", "err", err)
		return res
	}
	res.Entry = &entry
	return res
}

// sessionObserver collects live transcripts and forwards speech boundaries to
// the auto-stop loop.
type sessionObserver struct {
	// speech receives true on speech start and false on speech end.
	speech chan bool

	mu   sync.Mutex
	live []string
}

func newSessionObserver() *sessionObserver {
	return &sessionObserver{speech: make(chan bool, 16)}
}

func (o *sessionObserver) reset() {
	o.mu.Lock()
	o.live = nil
	o.mu.Unlock()
	for {
		select {
		case <-o.speech:
		default:
			return
		}
	}
}

func (o *sessionObserver) transcripts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.live...)
}

func (o *sessionObserver) OnLevel(float64) {}

func (o *sessionObserver) OnSpeechStart() { o.signal(true) }

func (o *sessionObserver) OnSpeechEnd() { o.signal(false) }

func (o *sessionObserver) OnTranscript(text string) {
	o.mu.Lock()
	o.live = append(o.live, text)
	o.mu.Unlock()
}

// signal never blocks the capture goroutine. A dropped boundary only delays
// auto-stop until the next one.
func (o *sessionObserver) signal(speaking bool) {
	select {
	case o.speech <- speaking:
	default:
	}
}
