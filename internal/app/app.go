// Package app wires the typefree subsystems into a running dictation tool.
//
// The App struct owns the full lifecycle: New creates the capture engine,
// history store and live-event hub, Run calibrates, records one dictation
// session and serves the local HTTP surface, and Shutdown tears everything
// down in order.
//
// For testing, inject test doubles via functional options (WithHistory,
// WithHub, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/typefree/internal/capture"
	"github.com/MrWong99/typefree/internal/config"
	"github.com/MrWong99/typefree/internal/events"
	"github.com/MrWong99/typefree/internal/gate"
	"github.com/MrWong99/typefree/internal/health"
	"github.com/MrWong99/typefree/internal/history"
	"github.com/MrWong99/typefree/internal/observe"
	"github.com/MrWong99/typefree/internal/vad"
	"github.com/MrWong99/typefree/pkg/audio/source"
	"github.com/MrWong99/typefree/pkg/provider/stt"
)

// shutdownTimeout bounds the graceful HTTP server shutdown.
const shutdownTimeout = 5 * time.Second

// Providers holds the external collaborators built by main.go via the config
// registry.
type Providers struct {
	// STT transcribes speech. Nil disables transcription; speech is still
	// detected and reported.
	STT stt.Provider

	// STTName labels STT metrics and logs.
	STTName string

	// Source supplies PCM audio. Required.
	Source source.Source
}

// App owns all subsystem lifetimes and runs dictation sessions.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	hub            *events.Hub
	history        history.Store
	engine         *capture.Engine
	session        *sessionObserver
	observers      []capture.Observer
	now            func() time.Time

	mu    sync.Mutex
	phase Phase

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistory injects a history store instead of creating one from config.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithHub injects the live-event hub.
func WithHub(h *events.Hub) Option {
	return func(a *App) { a.hub = h }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithObserver adds an engine observer, e.g. a terminal level meter.
func WithObserver(o capture.Observer) Option {
	return func(a *App) { a.observers = append(a.observers, o) }
}

// WithClock replaces time.Now for calibration timing.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Source == nil {
		return nil, errors.New("app: an audio source is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		now:       time.Now,
		phase:     PhaseIdle,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.hub == nil {
		a.hub = events.New(events.WithMetrics(a.metrics))
	}

	// ── 1. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Capture engine ────────────────────────────────────────────────
	a.session = newSessionObserver()
	observers := append(capture.MultiObserver{a.hub, a.session}, a.observers...)
	a.engine = capture.New(providers.STT, observers, capture.Config{
		Format:          cfg.Audio.Format(),
		Segmenter:       cfg.VAD.Segmenter(),
		HistorySize:     cfg.VAD.HistorySize,
		MinHistory:      cfg.VAD.MinHistory,
		FixedThresholds: cfg.VAD.FixedThresholds,
		MaxBufferBytes:  cfg.Audio.MaxBufferBytes,
		FlushOnStop:     cfg.Gate.FlushOnStop,
		Gate: gate.Config{
			MinBytes:     cfg.Gate.MinBytes,
			MinInterval:  cfg.Gate.MinInterval,
			Timeout:      cfg.Gate.Timeout,
			ProviderName: providers.STTName,
		},
		Metrics: a.metrics,
	})
	a.engine.SetBaseline(cfg.VAD.StartThresholds())

	if providers.STT == nil {
		slog.Warn("no STT provider configured; transcripts are disabled")
	}
	return a, nil
}

// initHistory opens the PostgreSQL history store, falls back to memory, or
// uses the injected store.
func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		slog.Info("history.postgres_dsn not set; keeping session history in memory")
		a.history = history.NewMemStore(nil)
		return nil
	}
	store, err := history.NewPostgresStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.history = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the capture engine.
func (a *App) Engine() *capture.Engine { return a.engine }

// Hub returns the live-event hub.
func (a *App) Hub() *events.Hub { return a.hub }

// History returns the session history store.
func (a *App) History() history.Store { return a.history }

// Phase returns the current session phase.
func (a *App) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

func (a *App) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
	a.hub.OnSession(string(p))
	slog.Debug("session phase", "phase", p)
}

// Status is the /statusz snapshot of the session.
type Status struct {
	Phase        Phase          `json:"phase"`
	Recording    bool           `json:"recording"`
	Speaking     bool           `json:"speaking"`
	SpeechChunks int            `json:"speech_chunks"`
	Thresholds   vad.Thresholds `json:"thresholds"`
	Baseline     vad.Thresholds `json:"baseline"`
	Subscribers  int            `json:"event_subscribers"`
}

// Status returns a point-in-time view of the session.
func (a *App) Status() Status {
	return Status{
		Phase:        a.Phase(),
		Recording:    a.engine.Recording(),
		Speaking:     a.engine.Speaking(),
		SpeechChunks: a.engine.TotalSpeechChunks(),
		Thresholds:   a.engine.Thresholds(),
		Baseline:     a.engine.Baseline(),
		Subscribers:  a.hub.Subscribers(),
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the local HTTP surface: health probes, /statusz, /metrics,
// the /events websocket and /history.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	var checks []health.Checker
	if p, ok := a.history.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, health.Checker{Name: "history", Check: p.Ping})
	}
	health.New(checks,
		health.WithReporter("session", func() any { return a.Status() }),
	).Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	mux.Handle("GET /events", a.hub)
	mux.Handle("/history", history.NewHandler(a.history, a.cfg.History.RecentLimit))

	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP surface (when server.listen_addr is set), calibrates
// when vad.calibrate is on, and records one session until it stops on its
// own or ctx is cancelled. Cancellation ends the recording; the final
// transcript is still produced.
func (a *App) Run(ctx context.Context) (*Result, error) {
	sessionCtx, sessionDone := context.WithCancel(ctx)
	defer sessionDone()
	g, gctx := errgroup.WithContext(sessionCtx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("app: listen %q: %w", addr, err)
		}
		srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
		slog.Info("http server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			a.hub.Close()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var res *Result
	g.Go(func() error {
		defer sessionDone()
		if a.cfg.VAD.Calibrate {
			if _, err := a.Calibrate(gctx); err != nil && !errors.Is(err, vad.ErrCalibrationTimeout) {
				return err
			}
		}
		r, err := a.Record(gctx)
		res = r
		return err
	})

	err := g.Wait()
	return res, err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.engine.Recording() {
			if _, err := a.engine.Stop(ctx); err != nil {
				slog.Warn("stopping capture", "err", err)
			}
		}
		a.hub.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
