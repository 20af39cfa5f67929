// Package events broadcasts live capture events to websocket clients.
//
// A [Hub] implements capture.Observer, so it can be plugged straight into the
// engine, and accepts calibration progress and session lifecycle events from
// the app. Every event is serialised once to JSON and fanned out to all
// connected clients. Slow clients never stall the capture path: an event that
// does not fit a client's buffer is dropped for that client.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/typefree/internal/observe"
	"github.com/MrWong99/typefree/internal/vad"
)

// Kind identifies the type of an [Event].
type Kind string

const (
	KindLevel       Kind = "level"
	KindSpeechStart Kind = "speech_start"
	KindSpeechEnd   Kind = "speech_end"
	KindTranscript  Kind = "transcript"
	KindCalibration Kind = "calibration"
	KindThresholds  Kind = "thresholds"
	KindSession     Kind = "session"
)

const (
	// DefaultBuffer is the per-client event queue length.
	DefaultBuffer = 64

	// writeTimeout bounds a single websocket write.
	writeTimeout = 5 * time.Second
)

// Event is the JSON payload sent to clients. Only the fields relevant to
// Type are set.
type Event struct {
	Type Kind      `json:"type"`
	Time time.Time `json:"time"`

	// Level is the raw RMS level; Meter is the same value scaled for a UI
	// meter and clamped to 1.
	Level *float64 `json:"level,omitempty"`
	Meter *float64 `json:"meter,omitempty"`

	Text        string          `json:"text,omitempty"`
	Calibration *vad.Progress   `json:"calibration,omitempty"`
	Thresholds  *vad.Thresholds `json:"thresholds,omitempty"`

	// State is the session phase for [KindSession] events
	// ("calibrating", "recording", "stopped").
	State string `json:"state,omitempty"`
}

// meterGain maps typical speech levels (0.01 to 0.1) onto a full-scale meter.
const meterGain = 100

// Option configures a [Hub].
type Option func(*Hub)

// WithBuffer sets the per-client queue length.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithMetrics sets the metrics used for the subscriber gauge.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithOriginPatterns allows cross-origin websocket upgrades from the given
// host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// Hub fans events out to subscribers. It is safe for concurrent use.
type Hub struct {
	buffer  int
	metrics *observe.Metrics
	origins []string
	now     func() time.Time

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// New returns an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		buffer: DefaultBuffer,
		now:    time.Now,
		subs:   make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Publish stamps ev if needed and delivers it to every subscriber whose
// queue has room.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("events: marshal failed", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- data:
		default:
			slog.Debug("events: client queue full, dropping event", "type", ev.Type)
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// OnLevel publishes a [KindLevel] event.
func (h *Hub) OnLevel(level float64) {
	meter := min(level*meterGain, 1)
	h.Publish(Event{Type: KindLevel, Level: &level, Meter: &meter})
}

// OnSpeechStart publishes a [KindSpeechStart] event.
func (h *Hub) OnSpeechStart() { h.Publish(Event{Type: KindSpeechStart}) }

// OnSpeechEnd publishes a [KindSpeechEnd] event.
func (h *Hub) OnSpeechEnd() { h.Publish(Event{Type: KindSpeechEnd}) }

// OnTranscript publishes a [KindTranscript] event.
func (h *Hub) OnTranscript(text string) {
	h.Publish(Event{Type: KindTranscript, Text: text})
}

// OnCalibration publishes calibration progress.
func (h *Hub) OnCalibration(p vad.Progress) {
	h.Publish(Event{Type: KindCalibration, Calibration: &p})
}

// OnThresholds publishes the thresholds a session starts with.
func (h *Hub) OnThresholds(th vad.Thresholds) {
	h.Publish(Event{Type: KindThresholds, Thresholds: &th})
}

// OnSession publishes a session phase change.
func (h *Hub) OnSession(state string) {
	h.Publish(Event{Type: KindSession, State: state})
}

// ServeHTTP upgrades the request to a websocket and streams events until the
// client disconnects or the hub is closed. Messages from the client are
// ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Warn("events: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sub, ok := h.add()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(sub)

	slog.Debug("events: client connected", "remote", r.RemoteAddr)
	// CloseRead handles control frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-sub.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data := <-sub.ch:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("events: write failed, dropping client", "remote", r.RemoteAddr, "err", err)
				conn.CloseNow()
				return
			}
		}
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		s.close()
	}
}

func (h *Hub) add() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	s := &subscriber{ch: make(chan []byte, h.buffer), done: make(chan struct{})}
	h.subs[s] = struct{}{}
	h.metrics.EventSubscribers.Add(context.Background(), 1)
	return s, true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	s.close()
	h.metrics.EventSubscribers.Add(context.Background(), -1)
}
