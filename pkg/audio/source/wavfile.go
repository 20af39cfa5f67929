package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/typefree/pkg/audio"
)

// WAVFile replays a 16-bit PCM WAV file as a capture stream. The file's
// sample rate and channel count must match the requested format; no
// resampling is done.
type WAVFile struct {
	// Path is the file to read.
	Path string

	// ChunkDuration sets the chunk size. Default: [DefaultChunkDuration].
	ChunkDuration time.Duration

	// Realtime paces delivery at one chunk per ChunkDuration, as a
	// microphone would. Otherwise chunks are delivered as fast as they are
	// consumed.
	Realtime bool
}

// Open implements [Source].
func (w *WAVFile) Open(ctx context.Context, af audio.Format) (Stream, error) {
	f, err := os.Open(w.Path)
	if err != nil {
		return nil, fmt.Errorf("source: wav: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("source: wav %s: %w", w.Path, audio.ErrInvalidWAV)
	}
	if int(dec.BitDepth) != audio.BitsPerSample {
		f.Close()
		return nil, fmt.Errorf("source: wav %s: %w: %d-bit samples", w.Path, audio.ErrInvalidWAV, dec.BitDepth)
	}
	got := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if got != af {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrFormatMismatch, w.Path, got, af)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("source: wav %s: %w", w.Path, err)
	}

	d := w.ChunkDuration
	if d <= 0 {
		d = DefaultChunkDuration
	}
	s := &fileStream{stream: newStream()}
	s.watch(ctx)
	go func() {
		defer f.Close()
		err := s.replay(dec, chunkBytes(af, d)/audio.BytesPerSample, w.pace(d))
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		s.finish(err)
	}()
	return s, nil
}

func (w *WAVFile) pace(d time.Duration) time.Duration {
	if !w.Realtime {
		return 0
	}
	return d
}

type fileStream struct {
	*stream
}

// replay decodes the PCM chunk in blocks of samples and re-encodes each block
// as little-endian bytes.
func (s *fileStream) replay(dec *wav.Decoder, samples int, pace time.Duration) error {
	var tick <-chan time.Time
	if pace > 0 {
		t := time.NewTicker(pace)
		defer t.Stop()
		tick = t.C
	}

	buf := &goaudio.IntBuffer{Data: make([]int, samples), Format: dec.Format()}
	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return fmt.Errorf("source: wav: decode: %w", err)
		}
		if n == 0 {
			return nil
		}
		chunk := make([]byte, n*audio.BytesPerSample)
		for i, v := range buf.Data[:n] {
			binary.LittleEndian.PutUint16(chunk[i*audio.BytesPerSample:], uint16(int16(v)))
		}
		if !s.send(chunk) {
			return nil
		}
		if tick != nil {
			select {
			case <-tick:
			case <-s.done:
				return nil
			}
		}
	}
}

// Close stops the replay.
func (s *fileStream) Close() error {
	s.markClosed()
	<-s.finished
	return nil
}
