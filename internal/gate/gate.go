// Package gate admits finished speech segments to the transcription service.
//
// A [Gate] applies three checks, in order, to every submitted segment: a
// minimum byte size, a minimum interval since the previous dispatch, and
// single-flight (at most one request outstanding). A segment that fails any
// check is dropped, never queued. Accepted segments are wrapped in a WAV
// container and transcribed on a separate goroutine so audio ingestion is
// never blocked; successful non-empty results are delivered to the
// transcript callback.
//
// Independently of live segments, [Gate.Flush] transcribes one complete
// recording synchronously at session end.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/typefree/internal/observe"
	"github.com/MrWong99/typefree/pkg/audio"
	"github.com/MrWong99/typefree/pkg/provider/stt"
)

const (
	// DefaultMinBytes is the smallest segment worth transcribing: 100 ms of
	// 16 kHz mono PCM.
	DefaultMinBytes = 3200

	// DefaultMinInterval is the minimum time between two live dispatches.
	DefaultMinInterval = 2 * time.Second

	// DefaultTimeout bounds a single transcription request.
	DefaultTimeout = 30 * time.Second

	// PollInterval is how often [Gate.Wait] re-checks for an idle gate.
	PollInterval = 50 * time.Millisecond
)

// ErrTooSmall is returned by [Gate.Flush] for recordings below the minimum
// size.
var ErrTooSmall = errors.New("gate: audio below minimum size")

// ErrNoProvider is returned by [Gate.Flush] when no transcription service is
// configured.
var ErrNoProvider = errors.New("gate: no transcription provider")

// Decision is the verdict of [Gate.Submit].
type Decision int

const (
	// Dispatched means the segment was accepted and is being transcribed.
	Dispatched Decision = iota
	// DroppedTooSmall means the segment was below the minimum byte size.
	DroppedTooSmall
	// DroppedRateLimited means the previous dispatch was too recent.
	DroppedRateLimited
	// DroppedInFlight means another transcription is still outstanding.
	DroppedInFlight
	// DroppedNoProvider means no transcription service is configured.
	DroppedNoProvider
)

// String returns the metric label of d.
func (d Decision) String() string {
	switch d {
	case Dispatched:
		return "dispatched"
	case DroppedTooSmall:
		return "too_small"
	case DroppedRateLimited:
		return "rate_limited"
	case DroppedInFlight:
		return "in_flight"
	case DroppedNoProvider:
		return "no_provider"
	default:
		return "unknown"
	}
}

// Config tunes a [Gate]. Zero fields take the defaults.
type Config struct {
	MinBytes    int
	MinInterval time.Duration
	Timeout     time.Duration

	// Format is the PCM layout of submitted segments. Default: 16 kHz mono.
	Format audio.Format

	// ProviderName labels metrics and spans.
	ProviderName string

	// Metrics receives gate and provider metrics. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Now replaces time.Now, for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MinBytes <= 0 {
		c.MinBytes = DefaultMinBytes
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Format == (audio.Format{}) {
		c.Format = audio.DefaultFormat()
	}
	if c.ProviderName == "" {
		c.ProviderName = "stt"
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Gate is safe for concurrent use.
type Gate struct {
	cfg          Config
	provider     stt.Provider
	onTranscript func(string)

	// inFlight has weight 1; holding it marks a live dispatch as outstanding.
	inFlight *semaphore.Weighted

	mu           sync.Mutex
	lastDispatch time.Time
	base         context.Context
	cancel       context.CancelFunc
}

// New returns a Gate sending audio to provider. provider may be nil, in which
// case every segment is dropped with [DroppedNoProvider]. onTranscript is
// called from the dispatch goroutine with each non-empty, trimmed result.
func New(provider stt.Provider, onTranscript func(string), cfg Config) *Gate {
	g := &Gate{
		cfg:          cfg.withDefaults(),
		provider:     provider,
		onTranscript: onTranscript,
		inFlight:     semaphore.NewWeighted(1),
	}
	g.base, g.cancel = context.WithCancel(context.Background())
	return g
}

// Submit applies the admission checks to segment and, on acceptance, starts
// an asynchronous transcription. The segment must not be modified afterwards.
func (g *Gate) Submit(segment []byte) Decision {
	d := g.admit(segment)
	g.cfg.Metrics.RecordGateDecision(context.Background(), d.String())
	if d != Dispatched {
		slog.Debug("segment dropped", "reason", d.String(), "bytes", len(segment))
	}
	return d
}

func (g *Gate) admit(segment []byte) Decision {
	if g.provider == nil {
		return DroppedNoProvider
	}
	if len(segment) < g.cfg.MinBytes {
		return DroppedTooSmall
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.cfg.Now()
	if !g.lastDispatch.IsZero() && now.Sub(g.lastDispatch) < g.cfg.MinInterval {
		return DroppedRateLimited
	}
	if !g.inFlight.TryAcquire(1) {
		return DroppedInFlight
	}
	g.lastDispatch = now

	ctx, cancel := context.WithTimeout(g.base, g.cfg.Timeout)
	go func() {
		defer func() {
			cancel()
			g.inFlight.Release(1)
		}()
		g.dispatch(ctx, segment)
	}()
	return Dispatched
}

func (g *Gate) dispatch(ctx context.Context, segment []byte) {
	m := g.cfg.Metrics
	m.TranscriptionsInFlight.Add(ctx, 1)
	defer m.TranscriptionsInFlight.Add(context.WithoutCancel(ctx), -1)

	text, err := g.transcribe(ctx, "gate.dispatch", segment)
	switch {
	case err != nil && ctx.Err() != nil:
		slog.Debug("transcription cancelled", "error", err)
	case err != nil:
		observe.Logger(ctx).Warn("transcription failed", "provider", g.cfg.ProviderName, "error", err)
	case text == "":
		slog.Debug("transcription returned no text")
	default:
		if g.onTranscript != nil {
			g.onTranscript(text)
		}
	}
}

// transcribe encodes pcm, calls the provider under a span, records metrics
// and returns the trimmed text.
func (g *Gate) transcribe(ctx context.Context, op string, pcm []byte) (string, error) {
	m := g.cfg.Metrics
	ctx, span := observe.StartSpan(ctx, op,
		trace.WithAttributes(
			attribute.String("stt.provider", g.cfg.ProviderName),
			attribute.Int("audio.bytes", len(pcm)),
			attribute.Int64("audio.duration_ms", g.cfg.Format.Duration(len(pcm)).Milliseconds()),
		),
	)

	start := time.Now()
	text, err := g.provider.Transcribe(ctx, audio.EncodeWAVFormat(pcm, g.cfg.Format))
	m.STTDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
		if ctx.Err() == nil {
			m.RecordProviderError(context.WithoutCancel(ctx), g.cfg.ProviderName, "stt")
		}
	}
	m.RecordProviderRequest(context.WithoutCancel(ctx), g.cfg.ProviderName, "stt", status)
	observe.EndSpan(span, err)

	if err != nil {
		return "", fmt.Errorf("gate: %s: %w", op, err)
	}
	return strings.TrimSpace(text), nil
}

// Idle reports whether no live dispatch is outstanding. It tests the
// single-flight semaphore under the admission lock, so an idle gate always
// admits the next segment that passes the size and rate checks.
func (g *Gate) Idle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.inFlight.TryAcquire(1) {
		return false
	}
	g.inFlight.Release(1)
	return true
}

// Wait blocks until the gate is idle, checking every [PollInterval]. It
// returns ctx.Err() if ctx is done first.
func (g *Gate) Wait(ctx context.Context) error {
	if g.Idle() {
		return nil
	}
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if g.Idle() {
				return nil
			}
		}
	}
}

// Cancel aborts any outstanding live dispatch. Later submissions are
// unaffected.
func (g *Gate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancel()
	g.base, g.cancel = context.WithCancel(context.Background())
}

// ResetRateLimit forgets the previous dispatch time, so the first segment of
// a new recording is never rate limited by the last one of the previous.
func (g *Gate) ResetRateLimit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastDispatch = time.Time{}
}

// Flush transcribes pcm synchronously. It bypasses the rate limit and the
// single-flight check but still enforces the minimum size.
func (g *Gate) Flush(ctx context.Context, pcm []byte) (string, error) {
	if g.provider == nil {
		return "", ErrNoProvider
	}
	if len(pcm) < g.cfg.MinBytes {
		return "", ErrTooSmall
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return g.transcribe(ctx, "gate.flush", pcm)
}
