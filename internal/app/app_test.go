package app_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/typefree/internal/app"
	"github.com/MrWong99/typefree/internal/config"
	"github.com/MrWong99/typefree/internal/events"
	"github.com/MrWong99/typefree/internal/history"
	"github.com/MrWong99/typefree/internal/observe"
	"github.com/MrWong99/typefree/internal/vad"
	sourcemock "github.com/MrWong99/typefree/pkg/audio/source/mock"
	sttmock "github.com/MrWong99/typefree/pkg/provider/stt/mock"
)

// chunkBytes is 100 ms of 16 kHz mono PCM.
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

// fixture bundles an App with its test doubles.
type fixture struct {
	app     *app.App
	src     *sourcemock.Source
	stream  *sourcemock.Stream
	stt     *sttmock.Provider
	history *history.MemStore
}

func newFixture(t *testing.T, mutate func(*config.Config), results ...sttmock.Result) *fixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.VAD.FixedThresholds = true
	if mutate != nil {
		mutate(cfg)
	}
	config.ApplyDefaults(cfg)

	f := &fixture{
		stream:  sourcemock.NewStream(0),
		stt:     &sttmock.Provider{Results: results},
		history: history.NewMemStore(nil),
	}
	f.src = &sourcemock.Source{Streams: []*sourcemock.Stream{f.stream}}

	m := testMetrics(t)
	a, err := app.New(context.Background(), cfg, &app.Providers{STT: f.stt, Source: f.src},
		app.WithHistory(f.history),
		app.WithMetrics(m),
		app.WithHub(events.New(events.WithMetrics(m))),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	f.app = a
	return f
}

type recordResult struct {
	res *app.Result
	err error
}

// record runs Record in the background.
func (f *fixture) record(ctx context.Context) <-chan recordResult {
	out := make(chan recordResult, 1)
	go func() {
		res, err := f.app.Record(ctx)
		out <- recordResult{res, err}
	}()
	return out
}

func (f *fixture) send(t *testing.T, chunk []byte, n int) {
	t.Helper()
	for i := range n {
		if !f.stream.Send(chunk) {
			t.Fatalf("stream ended after %d of %d chunks", i, n)
		}
	}
}

func wait(t *testing.T, ch <-chan recordResult) *app.Result {
	t.Helper()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Record: %v", r.err)
		}
		return r.res
	case <-time.After(5 * time.Second):
		t.Fatal("Record did not return")
		return nil
	}
}

func TestNew_RequiresSource(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if _, err := app.New(context.Background(), cfg, &app.Providers{}); err == nil {
		t.Fatal("expected error without a source")
	}
}

func TestRecord_AutoStopAfterSpeech(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Session.AutoStopGrace = 100 * time.Millisecond
	}, sttmock.Result{Text: "hello"}, sttmock.Result{Text: "hello world"})

	done := f.record(context.Background())
	f.send(t, silent(), 5)
	f.send(t, loud(), 15)
	f.send(t, silent(), 12)

	res := wait(t, done)
	if res.Reason != app.StopAutoStop {
		t.Errorf("reason: got %q, want %q", res.Reason, app.StopAutoStop)
	}
	if res.Text != "hello world" || res.Source != history.SourceFinal {
		t.Errorf("text: got %q from %q, want the final pass", res.Text, res.Source)
	}
	if len(res.Live) != 1 || res.Live[0] != "hello" {
		t.Errorf("live transcripts: got %v", res.Live)
	}
	if f.stt.CallCount() != 2 {
		t.Errorf("stt calls: got %d, want 2 (live + final)", f.stt.CallCount())
	}
	if res.Entry == nil || res.Entry.Text != "hello world" {
		t.Errorf("history entry: got %+v", res.Entry)
	}
	if !f.stream.Closed() {
		t.Error("stream should be closed after Record")
	}
	if got := f.app.Phase(); got != app.PhaseStopped {
		t.Errorf("phase: got %q, want stopped", got)
	}
}

func TestRecord_AutoStopWithoutSpeech(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Session.AutoStopGrace = 100 * time.Millisecond
	}, sttmock.Result{Text: "should not be used"})

	done := f.record(context.Background())
	f.send(t, silent(), 5)

	res := wait(t, done)
	if res.Reason != app.StopAutoStop {
		t.Errorf("reason: got %q, want %q", res.Reason, app.StopAutoStop)
	}
	if !res.NoSpeech {
		t.Errorf("expected no speech, got %+v", res)
	}
	if f.stt.CallCount() != 0 {
		t.Errorf("stt calls: got %d, want 0", f.stt.CallCount())
	}
}

func TestRecord_SpeechResumingCancelsAutoStop(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Session.AutoStopGrace = 300 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.record(ctx)
	f.send(t, loud(), 12)
	f.send(t, silent(), 10) // speech ends, grace armed
	f.send(t, loud(), 5)    // speech resumes before the grace passes

	select {
	case r := <-done:
		t.Fatalf("recording stopped while speaking: %+v", r.res)
	case <-time.After(500 * time.Millisecond):
	}
	cancel()
	if res := wait(t, done); res.Reason != app.StopCancelled {
		t.Errorf("reason: got %q, want cancelled", res.Reason)
	}
}

func TestRecord_FinalFailureFallsBackToLive(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Session.AutoStopGrace = 50 * time.Millisecond
	}, sttmock.Result{Text: "live part"}, sttmock.Result{Err: errors.New("backend down")})

	done := f.record(context.Background())
	f.send(t, loud(), 15)
	f.send(t, silent(), 10)

	res := wait(t, done)
	if res.Text != "live part" || res.Source != history.SourceLive {
		t.Errorf("text: got %q from %q, want live fallback", res.Text, res.Source)
	}
	saved, _ := f.history.Recent(context.Background(), 0)
	if len(saved) != 1 || saved[0].Source != history.SourceLive {
		t.Errorf("history: got %+v", saved)
	}
}

func TestRecord_NoSpeech(t *testing.T) {
	f := newFixture(t, nil, sttmock.Result{Text: "should not be used"})

	ctx, cancel := context.WithCancel(context.Background())
	done := f.record(ctx)
	f.send(t, silent(), 30)
	cancel()

	res := wait(t, done)
	if !res.NoSpeech || res.Text != "" {
		t.Errorf("expected no speech, got %+v", res)
	}
	if res.Reason != app.StopCancelled {
		t.Errorf("reason: got %q, want cancelled", res.Reason)
	}
	if f.stt.CallCount() != 0 {
		t.Errorf("stt calls: got %d, want 0", f.stt.CallCount())
	}
	if saved, _ := f.history.Recent(context.Background(), 0); len(saved) != 0 {
		t.Errorf("nothing should be saved, got %d entries", len(saved))
	}
}

func TestRecord_SourceEnded(t *testing.T) {
	f := newFixture(t, nil, sttmock.Result{Text: "final words"})

	done := f.record(context.Background())
	f.send(t, silent(), 5)
	f.send(t, loud(), 15)
	f.stream.End(errors.New("device unplugged"))

	res := wait(t, done)
	if res.Reason != app.StopSourceEnded {
		t.Errorf("reason: got %q, want source_ended", res.Reason)
	}
	if res.Text != "final words" {
		t.Errorf("text: got %q", res.Text)
	}
	// The chunk that opens a segment is not counted.
	if res.Recording.TotalSpeechChunks != 14 {
		t.Errorf("speech chunks: got %d, want 14", res.Recording.TotalSpeechChunks)
	}
}

func TestRecord_MaxDuration(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Session.MaxDuration = 100 * time.Millisecond
	})
	res := wait(t, f.record(context.Background()))
	if res.Reason != app.StopMaxDuration {
		t.Errorf("reason: got %q, want max_duration", res.Reason)
	}
	if !res.Recording.Empty() {
		t.Error("recording without audio should be empty")
	}
}

func TestRecord_OpenError(t *testing.T) {
	f := newFixture(t, nil)
	f.src.OpenErr = errors.New("no microphone")
	if _, err := f.app.Record(context.Background()); err == nil {
		t.Fatal("expected error when the source cannot be opened")
	}
}

// steppingClock advances by step on every call.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func TestCalibrate_SetsBaseline(t *testing.T) {
	clock := &steppingClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), step: 100 * time.Millisecond}
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	st := sourcemock.NewStream(64)
	src := &sourcemock.Source{Streams: []*sourcemock.Stream{st}}
	a, err := app.New(context.Background(), cfg, &app.Providers{Source: src},
		app.WithHistory(history.NewMemStore(nil)),
		app.WithMetrics(testMetrics(t)),
		app.WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range 64 {
		st.Send(tone(164))
	}

	th, err := a.Calibrate(context.Background())
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if !th.Valid() {
		t.Errorf("thresholds invalid: %v", th)
	}
	if th.NoiseFloor < 0.0049 || th.NoiseFloor > 0.0051 {
		t.Errorf("noise floor: got %v, want about 0.005", th.NoiseFloor)
	}
	if a.Engine().Baseline() != th {
		t.Errorf("baseline: got %v, want %v", a.Engine().Baseline(), th)
	}
	if !st.Closed() {
		t.Error("calibration stream should be closed")
	}
}

func TestCalibrate_TimeoutFallsBack(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.VAD.CalibrationSeconds = 0.05
		c.VAD.CalibrationGraceSeconds = 0.05
		c.VAD.Thresholds = &config.ThresholdsConfig{NoiseFloor: 0.005, Speech: 0.02, Silence: 0.01}
	})
	f.app.Engine().SetBaseline(vad.Thresholds{NoiseFloor: 0.1, Speech: 0.5, Silence: 0.2})

	th, err := f.app.Calibrate(context.Background())
	if !errors.Is(err, vad.ErrCalibrationTimeout) {
		t.Fatalf("Calibrate: got %v, want ErrCalibrationTimeout", err)
	}
	want := vad.Thresholds{NoiseFloor: 0.005, Speech: 0.02, Silence: 0.01}
	if th != want || f.app.Engine().Baseline() != want {
		t.Errorf("fallback: got %v / baseline %v, want %v", th, f.app.Engine().Baseline(), want)
	}
}

func TestCalibrate_SourceEnded(t *testing.T) {
	f := newFixture(t, nil)
	before := f.app.Engine().Baseline()
	f.stream.End(errors.New("device unplugged"))

	_, err := f.app.Calibrate(context.Background())
	if !errors.Is(err, vad.ErrCaptureEnded) {
		t.Fatalf("Calibrate: got %v, want ErrCaptureEnded", err)
	}
	if f.app.Engine().Baseline() != before {
		t.Error("baseline must not change on failure")
	}
}

func TestHandler_Endpoints(t *testing.T) {
	f := newFixture(t, nil)
	_, _ = f.history.Save(context.Background(), history.Entry{Text: "earlier note"})
	var metricsCalled atomic.Bool
	a, err := app.New(context.Background(), &config.Config{}, &app.Providers{Source: f.src},
		app.WithHistory(f.history),
		app.WithMetrics(testMetrics(t)),
		app.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			metricsCalled.Store(true)
			_, _ = w.Write([]byte("# metrics\n"))
		})),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/statusz", "/metrics", "/history"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status %d", path, resp.StatusCode)
		}
	}
	if !metricsCalled.Load() {
		t.Error("/metrics handler was not called")
	}

	resp, err := http.Get(srv.URL + "/statusz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]app.Status
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /statusz: %v", err)
	}
	if s := body["session"]; s.Phase != app.PhaseIdle || s.Recording {
		t.Errorf("statusz session: got %+v", s)
	}
}

func TestRun_ServesAndStopsOnCancel(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Server.ListenAddr = "127.0.0.1:0"
	}, sttmock.Result{Text: "ran"})

	ctx, cancel := context.WithCancel(context.Background())
	type runResult struct {
		res *app.Result
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := f.app.Run(ctx)
		done <- runResult{res, err}
	}()

	f.send(t, loud(), 15)
	cancel()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Run: %v", r.err)
		}
		if r.res.Reason != app.StopCancelled || r.res.Text != "ran" {
			t.Errorf("result: got reason %q text %q", r.res.Reason, r.res.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
