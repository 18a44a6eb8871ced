package frames

import (
	"sync"
	"sync/atomic"
	"time"
)

// Throttler admits frames for analysis at a bounded cadence with at most
// one analysis in flight. Frames failing either gate are dropped, never
// queued — a queue would reintroduce backlog and latency under load.
//
// The caller must pair every true Admit with exactly one Done once the
// analysis completes.
type Throttler struct {
	minInterval time.Duration

	inFlight atomic.Bool

	mu           sync.Mutex
	lastAdmitted time.Time

	dropped atomic.Uint64
}

// NewThrottler creates a throttler that admits at most maxRate frames
// per second. A maxRate of zero disables the cadence gate (the in-flight
// gate still applies).
func NewThrottler(maxRate float64) *Throttler {
	t := &Throttler{}
	if maxRate > 0 {
		t.minInterval = time.Duration(float64(time.Second) / maxRate)
	}
	return t
}

// Admit reports whether a frame observed at now may start analysis. On
// true the in-flight flag is taken and the cadence clock advances; the
// caller must call Done when the analysis finishes.
func (t *Throttler) Admit(now time.Time) bool {
	if !t.inFlight.CompareAndSwap(false, true) {
		t.dropped.Add(1)
		return false
	}

	t.mu.Lock()
	if t.minInterval > 0 && !t.lastAdmitted.IsZero() && now.Sub(t.lastAdmitted) < t.minInterval {
		t.mu.Unlock()
		t.inFlight.Store(false)
		t.dropped.Add(1)
		return false
	}
	t.lastAdmitted = now
	t.mu.Unlock()
	return true
}

// Done releases the in-flight flag after an admitted analysis completes.
func (t *Throttler) Done() {
	t.inFlight.Store(false)
}

// Dropped returns the number of frames rejected so far.
func (t *Throttler) Dropped() uint64 {
	return t.dropped.Load()
}

// Reset clears the cadence clock and drop counter for a new session.
// The in-flight flag is left alone: an analysis admitted before the
// reset still owns it and releases it through its own Done call, which
// keeps the one-analysis-at-a-time guarantee across session restarts.
func (t *Throttler) Reset() {
	t.mu.Lock()
	t.lastAdmitted = time.Time{}
	t.mu.Unlock()
	t.dropped.Store(0)
}
