//go:build !portaudio

package source

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/typefree/pkg/audio"
)

// ErrPortAudioUnavailable is returned by [PortAudio.Open] in builds without
// the "portaudio" tag.
var ErrPortAudioUnavailable = errors.New("source: portaudio support not compiled in (build with -tags portaudio)")

// PortAudio captures from the default input device through the PortAudio C
// library. This build does not include it; Open always fails.
type PortAudio struct {
	ChunkDuration time.Duration
}

// Available reports whether this binary was built with PortAudio support.
func (PortAudio) Available() bool { return false }

// Open implements [Source].
func (p *PortAudio) Open(context.Context, audio.Format) (Stream, error) {
	return nil, ErrPortAudioUnavailable
}
