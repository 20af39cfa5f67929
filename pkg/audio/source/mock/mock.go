// Package mock provides test doubles for source.Source and source.Stream.
//
// A test typically feeds chunks by hand and ends the stream explicitly:
//
//	st := mock.NewStream(64)
//	src := &mock.Source{Streams: []*mock.Stream{st}}
//	// ... engine opens src ...
//	st.Send(chunk)
//	st.End(errors.New("device unplugged"))
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/typefree/pkg/audio"
	"github.com/MrWong99/typefree/pkg/audio/source"
)

// Stream is a manually driven source.Stream.
type Stream struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.RWMutex
	ended  bool
	err    error
	closed atomic.Bool
}

// NewStream returns a live stream whose channel holds up to buffer chunks.
func NewStream(buffer int) *Stream {
	return &Stream{
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Chunks implements source.Stream.
func (s *Stream) Chunks() <-chan []byte { return s.ch }

// Send delivers chunk, blocking while the buffer is full. It returns false
// once the stream has ended.
func (s *Stream) Send(chunk []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ended {
		return false
	}
	select {
	case s.ch <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// End terminates the stream with err, as a failing device would.
func (s *Stream) End(err error) {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.ended = true
		s.err = err
		close(s.ch)
		s.mu.Unlock()
	})
}

// Err implements source.Stream.
func (s *Stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Close implements source.Stream.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.End(nil)
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool { return s.closed.Load() }

// Source is a mock source.Source.
type Source struct {
	mu sync.Mutex

	// Streams are returned by Open in order. Once exhausted, Open returns a
	// fresh NewStream(64).
	Streams []*Stream

	// OpenErr, if set, is returned by every Open call.
	OpenErr error

	opened []audio.Format
	last   *Stream
}

// Open implements source.Source.
func (s *Source) Open(_ context.Context, f audio.Format) (source.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, f)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	st := NewStream(64)
	if len(s.Streams) > 0 {
		st = s.Streams[0]
		s.Streams = s.Streams[1:]
	}
	s.last = st
	return st, nil
}

// Opened returns the formats passed to Open. Thread-safe.
func (s *Source) Opened() []audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Format(nil), s.opened...)
}

// Last returns the stream returned by the most recent Open, or nil.
func (s *Source) Last() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Ensure the mocks implement the interfaces at compile time.
var (
	_ source.Source = (*Source)(nil)
	_ source.Stream = (*Stream)(nil)
)
