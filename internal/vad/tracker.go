package vad

const (
	// DefaultHistorySize is the capacity of the quiet-sample history.
	DefaultHistorySize = 100

	// DefaultMinHistory is the number of quiet samples required before the
	// tracker starts replacing thresholds.
	DefaultMinHistory = 30

	// quietAdmitRatio admits a level into the history when it is below this
	// fraction of the current speech threshold.
	quietAdmitRatio = 0.5
)

// Tracker re-estimates thresholds during live capture from a rolling window
// of levels that are probably not speech. It lets detection follow slow drift
// in background noise without a new calibration pass.
type Tracker struct {
	history []float64
	next    int
	full    bool
	minLen  int
}

// NewTracker returns a tracker holding up to size samples that starts
// re-estimating after minLen of them. Non-positive arguments take the
// defaults; minLen is capped at size.
func NewTracker(size, minLen int) *Tracker {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if minLen <= 0 {
		minLen = DefaultMinHistory
	}
	return &Tracker{
		history: make([]float64, size),
		minLen:  min(minLen, size),
	}
}

// Observe offers level to the tracker. When the level passes the quiet filter
// and enough history has accumulated, it returns freshly estimated thresholds
// and true; otherwise it returns current unchanged and false.
func (t *Tracker) Observe(level float64, current Thresholds) (Thresholds, bool) {
	if level >= current.Speech*quietAdmitRatio {
		return current, false
	}

	t.history[t.next] = level
	t.next++
	if t.next == len(t.history) {
		t.next = 0
		t.full = true
	}

	if t.Len() < t.minLen {
		return current, false
	}
	th, _ := Estimate(t.samples())
	return th, true
}

// Len returns the number of samples held.
func (t *Tracker) Len() int {
	if t.full {
		return len(t.history)
	}
	return t.next
}

// Reset discards the history.
func (t *Tracker) Reset() {
	t.next = 0
	t.full = false
}

// samples returns the held values in ring order; order is irrelevant to
// Estimate, which sorts its own copy.
func (t *Tracker) samples() []float64 {
	return t.history[:t.Len()]
}
