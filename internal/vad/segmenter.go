package vad

import "github.com/MrWong99/typefree/pkg/audio"

const (
	// DefaultPreRollChunks is how many already-captured chunks seed a new
	// segment, so the first syllable is not clipped (~1 s at typical chunk
	// sizes).
	DefaultPreRollChunks = 10

	// DefaultSilenceChunks is the number of consecutive below-silence chunks
	// that ends a segment.
	DefaultSilenceChunks = 10

	// DefaultMinSpeechChunks is the minimum number of chunks a segment must
	// span after its start for it to be dispatched rather than discarded.
	DefaultMinSpeechChunks = 10
)

// SegmenterConfig tunes the speech state machine.
type SegmenterConfig struct {
	PreRollChunks   int
	SilenceChunks   int
	MinSpeechChunks int

	// MaxSegmentBytes caps the in-progress segment buffer.
	MaxSegmentBytes int
}

// DefaultSegmenterConfig returns the stock tuning.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		PreRollChunks:   DefaultPreRollChunks,
		SilenceChunks:   DefaultSilenceChunks,
		MinSpeechChunks: DefaultMinSpeechChunks,
		MaxSegmentBytes: audio.DefaultMaxBufferBytes,
	}
}

func (c SegmenterConfig) withDefaults() SegmenterConfig {
	d := DefaultSegmenterConfig()
	if c.PreRollChunks <= 0 {
		c.PreRollChunks = d.PreRollChunks
	}
	if c.SilenceChunks <= 0 {
		c.SilenceChunks = d.SilenceChunks
	}
	if c.MinSpeechChunks <= 0 {
		c.MinSpeechChunks = d.MinSpeechChunks
	}
	if c.MaxSegmentBytes <= 0 {
		c.MaxSegmentBytes = d.MaxSegmentBytes
	}
	return c
}

// State is the segmenter's position in the Idle/Speaking machine.
type State struct {
	Speaking bool

	// SpeechChunks counts chunks appended since the current (or most recent)
	// speech start.
	SpeechChunks int

	// SilenceChunks counts consecutive below-silence chunks while speaking.
	SilenceChunks int

	// TotalSpeechChunks counts chunks appended while speaking over the whole
	// recording session.
	TotalSpeechChunks int
}

// Effect is a set of actions requested by a [Step].
type Effect uint8

const (
	// EffectSpeechStart: seed a new segment with the pre-roll.
	EffectSpeechStart Effect = 1 << iota
	// EffectAppend: append the current chunk to the segment.
	EffectAppend
	// EffectSpeechEnd: speaking has stopped.
	EffectSpeechEnd
	// EffectDispatch: hand the finished segment to the transcription gate.
	EffectDispatch
	// EffectDiscard: drop the finished segment as noise.
	EffectDiscard
)

// Has reports whether e contains f.
func (e Effect) Has(f Effect) bool { return e&f != 0 }

// Step is the pure transition function of the speech state machine. It maps
// the current state and one chunk's level to the next state and the effects
// the caller must perform.
//
// A segment opens when level reaches th.Speech and closes after
// cfg.SilenceChunks consecutive chunks below th.Silence. The chunk that
// opens a segment is not appended; it is already the newest pre-roll chunk.
func Step(cfg SegmenterConfig, s State, level float64, th Thresholds) (State, Effect) {
	cfg = cfg.withDefaults()

	if !s.Speaking {
		if level >= th.Speech {
			s.Speaking = true
			s.SpeechChunks = 0
			s.SilenceChunks = 0
			return s, EffectSpeechStart
		}
		return s, 0
	}

	eff := EffectAppend
	s.SpeechChunks++
	s.TotalSpeechChunks++

	if level >= th.Silence {
		s.SilenceChunks = 0
		return s, eff
	}

	s.SilenceChunks++
	if s.SilenceChunks < cfg.SilenceChunks {
		return s, eff
	}

	s.Speaking = false
	s.SilenceChunks = 0
	eff |= EffectSpeechEnd
	if s.SpeechChunks >= cfg.MinSpeechChunks {
		eff |= EffectDispatch
	} else {
		eff |= EffectDiscard
	}
	return s, eff
}

// Outcome reports what a [Segmenter.Process] call did.
type Outcome struct {
	Effects Effect

	// Segment holds the finished PCM when Effects has EffectDispatch.
	// Ownership passes to the caller.
	Segment []byte

	// SpeechChunks is the chunk count of the segment that just ended.
	SpeechChunks int
}

// Segmenter applies [Step] to a stream of chunks and maintains the
// in-progress segment buffer.
type Segmenter struct {
	cfg     SegmenterConfig
	state   State
	segment *audio.ChunkBuffer
}

// NewSegmenter returns an idle segmenter.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	cfg = cfg.withDefaults()
	return &Segmenter{
		cfg:     cfg,
		segment: audio.NewChunkBuffer(cfg.MaxSegmentBytes),
	}
}

// Process advances the machine by one chunk. history is the capture buffer,
// which must already contain chunk; its tail seeds the pre-roll.
func (s *Segmenter) Process(chunk []byte, level float64, th Thresholds, history *audio.ChunkBuffer) Outcome {
	next, eff := Step(s.cfg, s.state, level, th)
	s.state = next
	out := Outcome{Effects: eff}

	if eff.Has(EffectSpeechStart) {
		s.segment.Reset()
		s.segment.PushAll(history.Tail(s.cfg.PreRollChunks))
	}
	if eff.Has(EffectAppend) {
		s.segment.Push(chunk)
	}
	if eff.Has(EffectSpeechEnd) {
		out.SpeechChunks = next.SpeechChunks
	}
	switch {
	case eff.Has(EffectDispatch):
		out.Segment = s.segment.Drain()
	case eff.Has(EffectDiscard):
		s.segment.Reset()
	}
	return out
}

// Flush ends an in-progress segment immediately, as at the end of a
// recording. It returns the segment when it is long enough to dispatch.
func (s *Segmenter) Flush() ([]byte, bool) {
	if !s.state.Speaking {
		return nil, false
	}
	n := s.state.SpeechChunks
	s.state.Speaking = false
	s.state.SilenceChunks = 0
	if n < s.cfg.MinSpeechChunks {
		s.segment.Reset()
		return nil, false
	}
	return s.segment.Drain(), true
}

// Reset returns the segmenter to a fresh idle state, including the session
// total.
func (s *Segmenter) Reset() {
	s.state = State{}
	s.segment.Reset()
}

// State returns the current machine state.
func (s *Segmenter) State() State { return s.state }

// Speaking reports whether a segment is open.
func (s *Segmenter) Speaking() bool { return s.state.Speaking }

// Buffered returns the number of bytes in the in-progress segment.
func (s *Segmenter) Buffered() int { return s.segment.Size() }
