// Package source defines the boundary between the capture engine and the
// thing that produces raw PCM.
//
// A [Source] opens a [Stream] for a requested [audio.Format]. The stream
// delivers interleaved 16-bit little-endian chunks on [Stream.Chunks] until
// it ends, at which point the channel is closed and [Stream.Err] reports why.
// A stream that ends for any reason other than [Stream.Close] is a "capture
// ended" condition; the engine does not restart it.
//
// Implementations in this package:
//
//   - [FFmpeg] spawns an ffmpeg process reading the platform capture device.
//   - [WAVFile] replays a PCM WAV file, optionally at real-time pace.
//   - [PortAudio] reads the default microphone (build tag "portaudio").
package source

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/typefree/pkg/audio"
)

// DefaultChunkDuration is the nominal length of one delivered chunk.
const DefaultChunkDuration = 100 * time.Millisecond

// ErrFormatMismatch is returned by [Source.Open] when the source cannot
// deliver the requested format.
var ErrFormatMismatch = errors.New("source: format mismatch")

// Source opens audio streams.
type Source interface {
	// Open starts capture in format f. Cancelling ctx ends the stream.
	Open(ctx context.Context, f audio.Format) (Stream, error)
}

// Stream is a live push-based PCM stream.
//
// Implementations must be safe for concurrent use. Close may be called more
// than once.
type Stream interface {
	// Chunks returns the channel of PCM chunks. It is closed when the stream
	// ends. Received slices are owned by the receiver.
	Chunks() <-chan []byte

	// Err reports why the stream ended. It returns nil while the stream is
	// live, after Close, and after a clean end of input.
	Err() error

	// Close stops capture and releases resources. Chunks is closed before
	// Close returns.
	Close() error
}

// stream is the shared channel and termination bookkeeping for the
// implementations in this package. Exactly one producer goroutine sends on
// chunks and calls finish.
type stream struct {
	chunks   chan []byte
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool

	mu  sync.Mutex
	err error
}

func newStream() *stream {
	return &stream{
		chunks:   make(chan []byte, 16),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (s *stream) Chunks() <-chan []byte { return s.chunks }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// send delivers chunk unless the stream is being closed.
func (s *stream) send(chunk []byte) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// stop signals the producer to exit. It reports whether this was the first
// call.
func (s *stream) stop() bool {
	first := false
	s.stopOnce.Do(func() {
		close(s.done)
		first = true
	})
	return first
}

// markClosed records that the consumer asked for the stream to end, then
// stops the producer.
func (s *stream) markClosed() bool {
	s.closed.Store(true)
	return s.stop()
}

// watch stops the producer when ctx is done.
func (s *stream) watch(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.stop()
		case <-s.finished:
		}
	}()
}

// finish records the termination cause and closes the chunk channel. A
// stream ended by Close reports no error.
func (s *stream) finish(err error) {
	if s.closed.Load() {
		err = nil
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.chunks)
	close(s.finished)
}

// pump reads fixed-size chunks from r and sends them until r is exhausted or
// the stream is stopped. A short final read is delivered as is. End of input
// returns nil.
func (s *stream) pump(r io.Reader, size int) error {
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if !s.send(buf[:n]) {
				return nil
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// chunkBytes returns the chunk size for d in format f, never less than one
// frame.
func chunkBytes(f audio.Format, d time.Duration) int {
	if d <= 0 {
		d = DefaultChunkDuration
	}
	return max(f.ChunkSize(d), f.Channels*audio.BytesPerSample)
}
