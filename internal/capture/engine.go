// Package capture runs the chunk-driven speech pipeline for one recording at
// a time.
//
// Each chunk from the audio source passes synchronously through the level
// meter, the threshold tracker, the speech segmenter and the capture buffer.
// Finished segments go to the transcription gate, which transcribes them on
// its own goroutine while ingestion continues. All pipeline state lives
// behind a single mutex; throughput is bounded by the chunk rate, so the lock
// is never contended in practice.
//
// Typical lifecycle:
//
//	e := capture.New(provider, observer, capture.Config{})
//	e.SetBaseline(calibrated)
//	stream, _ := src.Open(ctx, audio.DefaultFormat())
//	_ = e.Start(ctx, stream)
//	// ... observer receives levels, speech boundaries and live transcripts ...
//	rec, _ := e.Stop(ctx)
//	text, _ := e.Transcribe(ctx, rec)
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/typefree/internal/gate"
	"github.com/MrWong99/typefree/internal/observe"
	"github.com/MrWong99/typefree/internal/vad"
	"github.com/MrWong99/typefree/pkg/audio"
	"github.com/MrWong99/typefree/pkg/audio/source"
	"github.com/MrWong99/typefree/pkg/provider/stt"
)

var (
	// ErrAlreadyRecording is returned by [Engine.Start] while a recording is
	// active.
	ErrAlreadyRecording = errors.New("capture: already recording")

	// ErrNotRecording is returned by [Engine.Stop] when no recording was
	// started.
	ErrNotRecording = errors.New("capture: not recording")

	// ErrCaptureEnded wraps the cause reported by [Engine.Err] when the audio
	// source stops on its own.
	ErrCaptureEnded = errors.New("capture: audio source ended")
)

// Config tunes an [Engine]. Zero fields take the defaults.
type Config struct {
	// Format is the PCM layout of the stream. Default: 16 kHz mono.
	Format audio.Format

	// Segmenter tunes the speech state machine.
	Segmenter vad.SegmenterConfig

	// HistorySize and MinHistory tune the live threshold tracker.
	HistorySize int
	MinHistory  int

	// FixedThresholds disables live threshold tracking.
	FixedThresholds bool

	// MaxBufferBytes caps the capture buffer. Default:
	// audio.DefaultMaxBufferBytes.
	MaxBufferBytes int

	// FlushOnStop dispatches an in-progress segment when recording stops,
	// so its live transcript is not lost.
	FlushOnStop bool

	// Gate tunes the transcription gate. Its Format is set from Format.
	Gate gate.Config

	// Metrics receives pipeline metrics. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics
}

func (c Config) withDefaults() Config {
	if c.Format == (audio.Format{}) {
		c.Format = audio.DefaultFormat()
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = audio.DefaultMaxBufferBytes
	}
	if c.Segmenter.MaxSegmentBytes <= 0 {
		c.Segmenter.MaxSegmentBytes = c.MaxBufferBytes
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Gate.MinBytes <= 0 {
		c.Gate.MinBytes = gate.DefaultMinBytes
	}
	c.Gate.Format = c.Format
	if c.Gate.Metrics == nil {
		c.Gate.Metrics = c.Metrics
	}
	return c
}

// Recording is the result of a stopped capture session.
type Recording struct {
	// PCM is the capture buffer at stop time: the most recent audio, up to
	// the buffer cap.
	PCM []byte

	// WAV wraps PCM in a RIFF/WAVE container. It is empty when PCM is below
	// the transcription minimum.
	WAV []byte

	// TotalSpeechChunks counts chunks captured while speaking.
	TotalSpeechChunks int

	// Thresholds are the detection thresholds in effect at stop time.
	Thresholds vad.Thresholds

	// Duration is the playback length of PCM.
	Duration time.Duration
}

// Empty reports whether the recording is too short to transcribe.
func (r *Recording) Empty() bool { return r == nil || len(r.WAV) == 0 }

// Engine is safe for concurrent use. It runs at most one recording at a
// time.
type Engine struct {
	cfg      Config
	gate     *gate.Gate
	observer Observer

	mu        sync.Mutex
	baseline  vad.Thresholds
	th        vad.Thresholds
	tracker   *vad.Tracker
	seg       *vad.Segmenter
	buf       *audio.ChunkBuffer
	recording bool
	stream    source.Stream
	consumed  chan struct{}
	done      chan struct{}
	doneOnce  *sync.Once
	err       error

	// deliverMu orders live transcript delivery against Stop.
	deliverMu sync.RWMutex
	deliver   bool
}

// New returns an idle engine that transcribes through provider and reports
// to observer. provider may be nil, which disables live transcription.
// observer may be nil.
func New(provider stt.Provider, observer Observer, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if observer == nil {
		observer = ObserverFuncs{}
	}
	done := make(chan struct{})
	close(done)
	e := &Engine{
		cfg:      cfg,
		observer: observer,
		baseline: vad.DefaultThresholds(),
		th:       vad.DefaultThresholds(),
		tracker:  vad.NewTracker(cfg.HistorySize, cfg.MinHistory),
		seg:      vad.NewSegmenter(cfg.Segmenter),
		buf:      audio.NewChunkBuffer(cfg.MaxBufferBytes),
		done:     done,
		doneOnce: &sync.Once{},
	}
	e.gate = gate.New(provider, e.deliverTranscript, cfg.Gate)
	return e
}

// SetBaseline sets the thresholds every recording starts from, normally the
// calibration result. It does not affect a recording in progress.
func (e *Engine) SetBaseline(th vad.Thresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseline = th
	if !e.recording {
		e.th = th
	}
}

// Baseline returns the thresholds recordings start from.
func (e *Engine) Baseline() vad.Thresholds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseline
}

// Start resets all per-recording state and begins consuming stream. The
// engine owns stream from here on and closes it in [Engine.Stop].
// Cancelling ctx ends the recording as if the source had stopped.
func (e *Engine) Start(ctx context.Context, stream source.Stream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recording {
		return ErrAlreadyRecording
	}
	if e.stream != nil {
		// A source that ended on its own was never stopped; release it.
		_ = e.stream.Close()
	}

	e.th = e.baseline
	e.tracker.Reset()
	e.seg.Reset()
	e.buf.Reset()
	e.gate.ResetRateLimit()
	e.recording = true
	e.stream = stream
	e.err = nil
	e.consumed = make(chan struct{})
	e.done = make(chan struct{})
	e.doneOnce = &sync.Once{}

	e.deliverMu.Lock()
	e.deliver = true
	e.deliverMu.Unlock()

	e.cfg.Metrics.ActiveRecordings.Add(ctx, 1)
	e.cfg.Metrics.RecordThresholds(ctx, e.th.NoiseFloor, e.th.Speech, e.th.Silence)
	slog.Info("recording started", "thresholds", e.th.String(), "format", e.cfg.Format.String())

	go e.consume(ctx, stream, e.consumed)
	return nil
}

func (e *Engine) consume(ctx context.Context, stream source.Stream, consumed chan struct{}) {
	defer close(consumed)
	for {
		select {
		case chunk, ok := <-stream.Chunks():
			if !ok {
				e.ended(stream, stream.Err())
				return
			}
			e.ProcessChunk(chunk)
		case <-ctx.Done():
			e.ended(stream, ctx.Err())
			return
		}
	}
}

// ended marks the recording as no longer capturing after the source or ctx
// finished. It is a no-op when Stop already took the stream.
func (e *Engine) ended(stream source.Stream, cause error) {
	e.mu.Lock()
	if e.stream != stream || !e.recording {
		e.mu.Unlock()
		return
	}
	e.recording = false
	if cause == nil {
		e.err = ErrCaptureEnded
	} else {
		e.err = fmt.Errorf("%w: %w", ErrCaptureEnded, cause)
	}
	err, once, done := e.err, e.doneOnce, e.done
	e.mu.Unlock()

	e.cfg.Metrics.ActiveRecordings.Add(context.Background(), -1)
	slog.Warn("audio capture ended", "error", err)
	e.observer.OnLevel(0)
	once.Do(func() { close(done) })
}

// ProcessChunk runs one synchronous pass of the pipeline. Chunks arriving
// while the engine is not recording, and chunks with no complete sample, are
// ignored. It is called by the capture goroutine and exported for tests and
// push-style sources.
func (e *Engine) ProcessChunk(chunk []byte) {
	level := audio.Level(chunk)
	if math.IsNaN(level) {
		return
	}

	e.mu.Lock()
	if !e.recording {
		e.mu.Unlock()
		return
	}
	e.buf.Push(chunk)

	updated := false
	if !e.cfg.FixedThresholds {
		if th, ok := e.tracker.Observe(level, e.th); ok {
			updated = th != e.th
			e.th = th
		}
	}
	out := e.seg.Process(chunk, level, e.th, e.buf)
	th := e.th
	e.mu.Unlock()

	ctx := context.Background()
	e.cfg.Metrics.ChunksProcessed.Add(ctx, 1)
	if updated {
		e.cfg.Metrics.RecordThresholds(ctx, th.NoiseFloor, th.Speech, th.Silence)
	}

	e.observer.OnLevel(level)
	if out.Effects.Has(vad.EffectSpeechStart) {
		slog.Debug("speech started", "level", level, "threshold", th.Speech)
		e.observer.OnSpeechStart()
	}
	if out.Effects.Has(vad.EffectSpeechEnd) {
		slog.Debug("speech ended", "chunks", out.SpeechChunks)
		e.observer.OnSpeechEnd()
	}
	switch {
	case out.Effects.Has(vad.EffectDispatch):
		e.cfg.Metrics.RecordSegment(ctx, "dispatched")
		e.gate.Submit(out.Segment)
	case out.Effects.Has(vad.EffectDiscard):
		e.cfg.Metrics.RecordSegment(ctx, "discarded")
		slog.Debug("segment discarded", "chunks", out.SpeechChunks, "min", e.minSpeechChunks())
	}
}

func (e *Engine) minSpeechChunks() int {
	if n := e.cfg.Segmenter.MinSpeechChunks; n > 0 {
		return n
	}
	return vad.DefaultMinSpeechChunks
}

func (e *Engine) deliverTranscript(text string) {
	e.deliverMu.RLock()
	defer e.deliverMu.RUnlock()
	if !e.deliver {
		slog.Debug("transcript after stop suppressed")
		return
	}
	e.observer.OnTranscript(text)
}

// Stop ends the recording and returns the captured audio. It closes the
// source, optionally dispatches the in-progress segment, then waits for any
// outstanding live transcription, polling every gate.PollInterval, so that
// no observer callback fires after Stop returns. If ctx expires first the
// outstanding transcription is cancelled.
//
// Stop also finalises a recording whose source already ended on its own.
func (e *Engine) Stop(ctx context.Context) (*Recording, error) {
	e.mu.Lock()
	stream := e.stream
	if stream == nil {
		e.mu.Unlock()
		return nil, ErrNotRecording
	}
	wasRecording := e.recording
	e.stream = nil
	e.recording = false
	segment, flush := e.seg.Flush()
	pcm := e.buf.Drain()
	rec := &Recording{
		PCM:               pcm,
		TotalSpeechChunks: e.seg.State().TotalSpeechChunks,
		Thresholds:        e.th,
		Duration:          e.cfg.Format.Duration(len(pcm)),
	}
	consumed, once, done := e.consumed, e.doneOnce, e.done
	e.mu.Unlock()

	if err := stream.Close(); err != nil {
		slog.Warn("closing audio source", "error", err)
	}
	<-consumed
	if wasRecording {
		e.cfg.Metrics.ActiveRecordings.Add(ctx, -1)
	}

	if flush && e.cfg.FlushOnStop {
		e.dispatchRemaining(ctx, segment)
	}
	if err := e.gate.Wait(ctx); err != nil {
		slog.Warn("abandoning outstanding transcription", "error", err)
		e.gate.Cancel()
	}

	e.deliverMu.Lock()
	e.deliver = false
	e.deliverMu.Unlock()

	e.observer.OnLevel(0)
	once.Do(func() { close(done) })

	if len(pcm) >= e.cfg.Gate.MinBytes {
		rec.WAV = audio.EncodeWAVFormat(pcm, e.cfg.Format)
	}
	slog.Info("recording stopped",
		"bytes", len(pcm),
		"duration", rec.Duration,
		"speech_chunks", rec.TotalSpeechChunks,
		"thresholds", rec.Thresholds.String(),
	)
	return rec, nil
}

// dispatchRemaining sends the segment that was open at stop time, bypassing
// the rate limit.
func (e *Engine) dispatchRemaining(ctx context.Context, segment []byte) {
	if err := e.gate.Wait(ctx); err != nil {
		return
	}
	e.gate.ResetRateLimit()
	d := e.gate.Submit(segment)
	slog.Debug("remaining speech flushed", "decision", d.String(), "bytes", len(segment))
}

// Transcribe runs the session-end transcription of rec through the gate.
// It returns gate.ErrTooSmall for an empty recording.
func (e *Engine) Transcribe(ctx context.Context, rec *Recording) (string, error) {
	if rec.Empty() {
		return "", gate.ErrTooSmall
	}
	return e.gate.Flush(ctx, rec.PCM)
}

// Done returns a channel closed when the current recording stops capturing,
// either through [Engine.Stop] or because the source ended.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Err reports why the last recording ended without [Engine.Stop]. It wraps
// [ErrCaptureEnded], or is nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Recording reports whether the engine is capturing.
func (e *Engine) Recording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}

// Thresholds returns the live detection thresholds.
func (e *Engine) Thresholds() vad.Thresholds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.th
}

// SetThresholds replaces the live thresholds of the current recording.
func (e *Engine) SetThresholds(th vad.Thresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.th = th
}

// Speaking reports whether a speech segment is open.
func (e *Engine) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seg.Speaking()
}

// TotalSpeechChunks returns the speech chunk count of the current or last
// recording.
func (e *Engine) TotalSpeechChunks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seg.State().TotalSpeechChunks
}

// Idle reports whether no live transcription is outstanding.
func (e *Engine) Idle() bool { return e.gate.Idle() }
