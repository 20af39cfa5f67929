package capture

// Observer receives engine events. Methods are called from the capture
// goroutine (levels and speech boundaries) or from the transcription
// goroutine (transcripts) and must not block for long.
type Observer interface {
	// OnLevel receives the RMS level of every processed chunk, and a final 0
	// when recording stops.
	OnLevel(level float64)

	// OnSpeechStart fires when a segment opens.
	OnSpeechStart()

	// OnSpeechEnd fires when a segment closes after the silence debounce.
	OnSpeechEnd()

	// OnTranscript receives each non-empty live transcript.
	OnTranscript(text string)
}

// ObserverFuncs adapts optional functions to [Observer]. Nil fields are
// skipped.
type ObserverFuncs struct {
	Level       func(level float64)
	SpeechStart func()
	SpeechEnd   func()
	Transcript  func(text string)
}

func (f ObserverFuncs) OnLevel(level float64) {
	if f.Level != nil {
		f.Level(level)
	}
}

func (f ObserverFuncs) OnSpeechStart() {
	if f.SpeechStart != nil {
		f.SpeechStart()
	}
}

func (f ObserverFuncs) OnSpeechEnd() {
	if f.SpeechEnd != nil {
		f.SpeechEnd()
	}
}

func (f ObserverFuncs) OnTranscript(text string) {
	if f.Transcript != nil {
		f.Transcript(text)
	}
}

// MultiObserver fans every event out to each member in order.
type MultiObserver []Observer

func (m MultiObserver) OnLevel(level float64) {
	for _, o := range m {
		o.OnLevel(level)
	}
}

func (m MultiObserver) OnSpeechStart() {
	for _, o := range m {
		o.OnSpeechStart()
	}
}

func (m MultiObserver) OnSpeechEnd() {
	for _, o := range m {
		o.OnSpeechEnd()
	}
}

func (m MultiObserver) OnTranscript(text string) {
	for _, o := range m {
		o.OnTranscript(text)
	}
}

var (
	_ Observer = ObserverFuncs{}
	_ Observer = MultiObserver(nil)
)
