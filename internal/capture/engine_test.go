package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/typefree/internal/gate"
	"github.com/MrWong99/typefree/internal/observe"
	"github.com/MrWong99/typefree/internal/vad"
	"github.com/MrWong99/typefree/pkg/audio"
	sourcemock "github.com/MrWong99/typefree/pkg/audio/source/mock"
	sttmock "github.com/MrWong99/typefree/pkg/provider/stt/mock"
)

// chunkBytes is 100 ms of 16 kHz mono.
const chunkBytes = 3200

func silent() []byte { return make([]byte, chunkBytes) }

// tone returns a square wave of the given amplitude, so its level is
// amp/32767.
func tone(amp int16) []byte {
	b := make([]byte, chunkBytes)
	for i := 0; i < len(b); i += 2 {
		v := amp
		if (i/2)%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(b[i:], uint16(v))
	}
	return b
}

func loud() []byte { return tone(8000) }

// recorder is an Observer that records every event.
type recorder struct {
	mu          sync.Mutex
	levels      []float64
	starts      int
	ends        int
	transcripts []string
	transcript  chan string
}

func newRecorder() *recorder { return &recorder{transcript: make(chan string, 8)} }

func (r *recorder) OnLevel(level float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, level)
}

func (r *recorder) OnSpeechStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
}

func (r *recorder) OnSpeechEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends++
}

func (r *recorder) OnTranscript(text string) {
	r.mu.Lock()
	r.transcripts = append(r.transcripts, text)
	r.mu.Unlock()
	r.transcript <- text
}

func (r *recorder) snapshot() (levels []float64, starts, ends int, transcripts []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.levels...), r.starts, r.ends, append([]string(nil), r.transcripts...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// startEngine returns a recording engine whose source never delivers, so the
// test drives ProcessChunk directly.
func startEngine(t *testing.T, p *sttmock.Provider, cfg Config) (*Engine, *recorder, *sourcemock.Stream) {
	t.Helper()
	cfg.Metrics = testMetrics(t)
	obs := newRecorder()
	var e *Engine
	if p == nil {
		e = New(nil, obs, cfg)
	} else {
		e = New(p, obs, cfg)
	}
	st := sourcemock.NewStream(0)
	if err := e.Start(context.Background(), st); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if e.stream != nil {
			_, _ = e.Stop(context.Background())
		}
	})
	return e, obs, st
}

func feed(e *Engine, n int, chunk func() []byte) {
	for range n {
		e.ProcessChunk(chunk())
	}
}

func stop(t *testing.T, e *Engine) *Recording {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := e.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	return rec
}

func TestEngine_EndToEndSegment(t *testing.T) {
	p := &sttmock.Provider{Default: sttmock.Result{Text: " hello "}}
	e, obs, st := startEngine(t, p, Config{})

	feed(e, 20, silent)
	feed(e, 15, loud)
	if !e.Speaking() {
		t.Fatal("Speaking() = false during loud chunks")
	}
	feed(e, 10, silent)
	if e.Speaking() {
		t.Fatal("Speaking() = true after the silence debounce")
	}

	select {
	case got := <-obs.transcript:
		if got != "hello" {
			t.Errorf("transcript = %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no live transcript")
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider called %d times, want 1", len(calls))
	}
	seg := calls[0].WAV[audio.WAVHeaderSize:]
	if len(seg) != 34*chunkBytes {
		t.Fatalf("segment is %d chunks, want 34 (10 pre-roll + 14 speech + 10 silence)", len(seg)/chunkBytes)
	}
	// Pre-roll is nine silent chunks followed by the chunk that opened the
	// segment.
	if !bytes.Equal(seg[:9*chunkBytes], make([]byte, 9*chunkBytes)) {
		t.Error("pre-roll does not start with the preceding silence")
	}
	if !bytes.Equal(seg[9*chunkBytes:10*chunkBytes], loud()) {
		t.Error("pre-roll does not end with the opening chunk")
	}

	rec := stop(t, e)
	if !st.Closed() {
		t.Error("Stop did not close the source")
	}
	if len(rec.PCM) != 45*chunkBytes {
		t.Errorf("recording has %d bytes, want %d", len(rec.PCM), 45*chunkBytes)
	}
	if rec.TotalSpeechChunks != 24 {
		t.Errorf("TotalSpeechChunks = %d, want 24", rec.TotalSpeechChunks)
	}
	if h, err := audio.ParseWAVHeader(rec.WAV); err != nil || h.DataSize != len(rec.PCM) {
		t.Errorf("recording WAV header = %+v, %v", h, err)
	}
	if rec.Duration != 4500*time.Millisecond {
		t.Errorf("Duration = %v, want 4.5s", rec.Duration)
	}

	levels, starts, ends, _ := obs.snapshot()
	if starts != 1 || ends != 1 {
		t.Errorf("speech events = %d starts, %d ends; want 1, 1", starts, ends)
	}
	if len(levels) != 46 || levels[len(levels)-1] != 0 {
		t.Errorf("got %d levels ending in %v, want 45 chunk levels and a final 0", len(levels), levels[len(levels)-1])
	}
}

func TestEngine_ShortSegmentDiscarded(t *testing.T) {
	p := &sttmock.Provider{}
	e, obs, _ := startEngine(t, p, Config{Segmenter: vad.SegmenterConfig{SilenceChunks: 3}})

	feed(e, 3, loud)
	feed(e, 3, silent)

	_, starts, ends, _ := obs.snapshot()
	if starts != 1 || ends != 1 {
		t.Fatalf("speech events = %d starts, %d ends; want 1, 1", starts, ends)
	}
	if p.CallCount() != 0 {
		t.Fatalf("provider called for a %d-chunk segment", 5)
	}
}

func TestEngine_RateLimitDropsSecondSegment(t *testing.T) {
	p := &sttmock.Provider{}
	e, _, _ := startEngine(t, p, Config{})

	for range 2 {
		feed(e, 15, loud)
		feed(e, 10, silent)
	}
	stop(t, e)
	if p.CallCount() != 1 {
		t.Fatalf("provider called %d times, want 1 (second segment inside the interval)", p.CallCount())
	}
}

func TestEngine_StopWaitsForInFlight(t *testing.T) {
	p := &sttmock.Provider{
		Block:   make(chan struct{}),
		Started: make(chan struct{}, 1),
		Default: sttmock.Result{Text: "late"},
	}
	e, obs, _ := startEngine(t, p, Config{})

	feed(e, 15, loud)
	feed(e, 10, silent)
	<-p.Started

	stopped := make(chan *Recording)
	go func() {
		rec, _ := e.Stop(context.Background())
		stopped <- rec
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a transcription was outstanding")
	case <-time.After(3 * gate.PollInterval):
	}

	close(p.Block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the transcription finished")
	}

	_, _, _, transcripts := obs.snapshot()
	if len(transcripts) != 1 || transcripts[0] != "late" {
		t.Fatalf("transcripts = %v, want [late] delivered before Stop returned", transcripts)
	}
}

func TestEngine_StopDeadlineCancelsTranscription(t *testing.T) {
	p := &sttmock.Provider{Block: make(chan struct{}), Started: make(chan struct{}, 1)}
	e, obs, _ := startEngine(t, p, Config{})

	feed(e, 15, loud)
	feed(e, 10, silent)
	<-p.Started

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !e.Idle() {
		// Cancel is asynchronous; give the dispatch goroutine a moment.
		time.Sleep(2 * gate.PollInterval)
	}
	if !e.Idle() {
		t.Error("transcription still outstanding after Stop deadline")
	}
	if _, _, _, transcripts := obs.snapshot(); len(transcripts) != 0 {
		t.Errorf("transcripts = %v, want none", transcripts)
	}
}

func TestEngine_FlushOnStop(t *testing.T) {
	p := &sttmock.Provider{Default: sttmock.Result{Text: "tail"}}
	e, obs, _ := startEngine(t, p, Config{FlushOnStop: true})

	feed(e, 10, silent)
	feed(e, 15, loud)
	rec := stop(t, e)

	if p.CallCount() != 1 {
		t.Fatalf("provider called %d times, want 1 for the open segment", p.CallCount())
	}
	if got := len(p.Calls()[0].WAV) - audio.WAVHeaderSize; got != 24*chunkBytes {
		t.Errorf("flushed segment = %d chunks, want 24", got/chunkBytes)
	}
	if _, _, _, transcripts := obs.snapshot(); len(transcripts) != 1 {
		t.Errorf("transcripts = %v, want the flushed segment's text", transcripts)
	}
	if rec.TotalSpeechChunks != 14 {
		t.Errorf("TotalSpeechChunks = %d, want 14", rec.TotalSpeechChunks)
	}
}

func TestEngine_NoFlushByDefault(t *testing.T) {
	p := &sttmock.Provider{}
	e, _, _ := startEngine(t, p, Config{})

	feed(e, 15, loud)
	stop(t, e)
	if p.CallCount() != 0 {
		t.Fatalf("provider called %d times, want 0", p.CallCount())
	}
}

func TestEngine_SourceEndSurfaces(t *testing.T) {
	e, obs, st := startEngine(t, &sttmock.Provider{}, Config{})

	go func() {
		for range 5 {
			st.Send(silent())
		}
		st.End(errors.New("device unplugged"))
	}()

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after the source ended")
	}
	if e.Recording() {
		t.Error("Recording() = true after the source ended")
	}
	err := e.Err()
	if !errors.Is(err, ErrCaptureEnded) || err.Error() == ErrCaptureEnded.Error() {
		t.Errorf("Err() = %v, want ErrCaptureEnded wrapping the cause", err)
	}

	// Chunks after the end are ignored.
	e.ProcessChunk(loud())
	if e.Speaking() {
		t.Error("chunk processed after capture ended")
	}

	rec := stop(t, e)
	if len(rec.PCM) != 5*chunkBytes {
		t.Errorf("recording has %d bytes, want the 5 chunks captured before the end", len(rec.PCM))
	}
	levels, _, _, _ := obs.snapshot()
	if levels[len(levels)-1] != 0 {
		t.Error("no final zero level")
	}
}

func TestEngine_ContextCancelEndsRecording(t *testing.T) {
	e := New(nil, nil, Config{Metrics: testMetrics(t)})
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx, sourcemock.NewStream(0)); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after ctx cancel")
	}
	if !errors.Is(e.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", e.Err())
	}
	stop(t, e)
}

func TestEngine_StreamedChunks(t *testing.T) {
	e, obs, st := startEngine(t, &sttmock.Provider{}, Config{})
	for range 12 {
		st.Send(silent())
	}
	// A zero-length chunk has no level and is skipped.
	st.Send(nil)

	deadline := time.After(2 * time.Second)
	for {
		levels, _, _, _ := obs.snapshot()
		if len(levels) == 12 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("processed %d chunks, want 12", len(levels))
		case <-time.After(5 * time.Millisecond):
		}
	}
	rec := stop(t, e)
	if len(rec.PCM) != 12*chunkBytes {
		t.Errorf("recording has %d bytes, want %d", len(rec.PCM), 12*chunkBytes)
	}
}

func TestEngine_Lifecycle(t *testing.T) {
	e := New(nil, nil, Config{Metrics: testMetrics(t)})
	if _, err := e.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Stop before Start = %v, want ErrNotRecording", err)
	}
	select {
	case <-e.Done():
	default:
		t.Error("Done() of an idle engine is not closed")
	}

	if err := e.Start(context.Background(), sourcemock.NewStream(0)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(context.Background(), sourcemock.NewStream(0)); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second Start = %v, want ErrAlreadyRecording", err)
	}
	stop(t, e)
	if _, err := e.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("second Stop = %v, want ErrNotRecording", err)
	}
}

func TestEngine_ShortRecordingIsEmpty(t *testing.T) {
	e, _, _ := startEngine(t, &sttmock.Provider{}, Config{})
	e.ProcessChunk(make([]byte, 1000))
	rec := stop(t, e)

	if !rec.Empty() || len(rec.PCM) != 1000 {
		t.Fatalf("Empty() = %v with %d PCM bytes, want an empty WAV", rec.Empty(), len(rec.PCM))
	}
	if _, err := e.Transcribe(context.Background(), rec); !errors.Is(err, gate.ErrTooSmall) {
		t.Errorf("Transcribe(empty) = %v, want ErrTooSmall", err)
	}
}

func TestEngine_TranscribeRecording(t *testing.T) {
	p := &sttmock.Provider{Default: sttmock.Result{Text: "whole session "}}
	e, _, _ := startEngine(t, p, Config{FixedThresholds: true})
	feed(e, 5, silent)
	rec := stop(t, e)

	text, err := e.Transcribe(context.Background(), rec)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "whole session" {
		t.Errorf("text = %q, want %q", text, "whole session")
	}
	if got := p.Calls()[0].WAV[audio.WAVHeaderSize:]; len(got) != 5*chunkBytes {
		t.Errorf("final pass sent %d bytes, want the whole buffer", len(got))
	}
}

func TestEngine_TrackerAdaptsThresholds(t *testing.T) {
	high := vad.Thresholds{NoiseFloor: 0.05, Speech: 0.2, Silence: 0.1}

	tests := []struct {
		name  string
		fixed bool
		want  func(vad.Thresholds) bool
	}{
		{"tracking", false, func(th vad.Thresholds) bool { return th.Speech < high.Speech && th.Valid() }},
		{"fixed", true, func(th vad.Thresholds) bool { return th == high }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(nil, nil, Config{FixedThresholds: tt.fixed, Metrics: testMetrics(t)})
			e.SetBaseline(high)
			if err := e.Start(context.Background(), sourcemock.NewStream(0)); err != nil {
				t.Fatal(err)
			}
			defer stop(t, e)

			// Level ~0.006, below half the speech threshold.
			feed(e, vad.DefaultMinHistory+5, func() []byte { return tone(200) })
			if got := e.Thresholds(); !tt.want(got) {
				t.Errorf("Thresholds() = %v", got)
			}
		})
	}
}

func TestEngine_StartResetsToBaseline(t *testing.T) {
	e := New(nil, nil, Config{Metrics: testMetrics(t)})
	base := vad.Thresholds{NoiseFloor: 0.002, Speech: 0.02, Silence: 0.01}
	e.SetBaseline(base)

	if err := e.Start(context.Background(), sourcemock.NewStream(0)); err != nil {
		t.Fatal(err)
	}
	e.SetThresholds(vad.Thresholds{NoiseFloor: 0.1, Speech: 0.5, Silence: 0.3})
	feed(e, 15, loud)
	stop(t, e)

	if err := e.Start(context.Background(), sourcemock.NewStream(0)); err != nil {
		t.Fatal(err)
	}
	defer stop(t, e)
	if got := e.Thresholds(); got != base {
		t.Errorf("Thresholds() after restart = %v, want baseline %v", got, base)
	}
	if e.TotalSpeechChunks() != 0 || e.Speaking() {
		t.Error("per-recording counters survived a restart")
	}
	if e.Baseline() != base {
		t.Errorf("Baseline() = %v, want %v", e.Baseline(), base)
	}
}

func TestEngine_NoProviderStillSegments(t *testing.T) {
	e, obs, _ := startEngine(t, nil, Config{})
	feed(e, 15, loud)
	feed(e, 10, silent)
	if _, starts, ends, _ := obs.snapshot(); starts != 1 || ends != 1 {
		t.Errorf("speech events = %d, %d; want 1, 1", starts, ends)
	}
}
