//go:build portaudio

package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/typefree/pkg/audio"
)

// PortAudio captures from the default input device through the PortAudio C
// library. Building it requires the "portaudio" build tag and libportaudio.
type PortAudio struct {
	// ChunkDuration sets the frames read per chunk. Default:
	// [DefaultChunkDuration].
	ChunkDuration time.Duration
}

// Available reports whether this binary was built with PortAudio support.
func (PortAudio) Available() bool { return true }

// Open implements [Source].
func (p *PortAudio) Open(ctx context.Context, af audio.Format) (Stream, error) {
	if err := af.Validate(); err != nil {
		return nil, fmt.Errorf("source: portaudio: %w", err)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("source: portaudio: initialize: %w", err)
	}

	frames := chunkBytes(af, p.ChunkDuration) / (af.Channels * audio.BytesPerSample)
	in := make([]int16, frames*af.Channels)
	pa, err := portaudio.OpenDefaultStream(af.Channels, 0, float64(af.SampleRate), frames, in)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("source: portaudio: open default stream: %w", err)
	}
	if err := pa.Start(); err != nil {
		pa.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("source: portaudio: start: %w", err)
	}

	s := &portAudioStream{stream: newStream()}
	s.watch(ctx)
	go func() {
		defer func() {
			_ = pa.Stop()
			_ = pa.Close()
			_ = portaudio.Terminate()
		}()
		err := s.read(pa, in)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		s.finish(err)
	}()
	return s, nil
}

type portAudioStream struct {
	*stream
}

func (s *portAudioStream) read(pa *portaudio.Stream, in []int16) error {
	for {
		select {
		case <-s.done:
			return nil
		default:
		}
		if err := pa.Read(); err != nil {
			return fmt.Errorf("source: portaudio: read: %w", err)
		}
		chunk := make([]byte, len(in)*audio.BytesPerSample)
		for i, v := range in {
			binary.LittleEndian.PutUint16(chunk[i*audio.BytesPerSample:], uint16(v))
		}
		if !s.send(chunk) {
			return nil
		}
	}
}

// Close stops capture after the current read completes.
func (s *portAudioStream) Close() error {
	s.markClosed()
	<-s.finished
	return nil
}
