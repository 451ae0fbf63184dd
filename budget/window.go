package budget

import (
	"sync"
	"time"
)

// Window keeps a sliding sum of cost samples over a fixed duration. The
// watchdog reads the per-minute rate from here; slight staleness between
// a record and a read is acceptable.
type Window struct {
	span time.Duration

	mu      sync.Mutex
	samples []windowSample

	timeNow func() time.Time // Injectable for testing
}

type windowSample struct {
	at   time.Time
	cost float64
}

// NewWindow creates a window spanning the trailing 60 seconds.
func NewWindow() *Window {
	return NewWindowWithClock(time.Now)
}

// NewWindowWithClock creates a window with an injectable clock (for testing).
func NewWindowWithClock(timeNow func() time.Time) *Window {
	return &Window{
		span:    60 * time.Second,
		timeNow: timeNow,
	}
}

// Add records a cost sample at the given time. Samples older than the
// window span are dropped on the next read.
func (w *Window) Add(at time.Time, cost float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, windowSample{at: at, cost: cost})
}

// RatePerMinute returns the summed cost of samples inside the trailing
// window. With a 60-second span the sum is the per-minute rate directly.
func (w *Window) RatePerMinute() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.timeNow()
	w.expire(now)

	total := 0.0
	for _, s := range w.samples {
		total += s.cost
	}
	return total
}

// expire drops samples outside the window. Must be called with lock held.
func (w *Window) expire(now time.Time) {
	cutoff := now.Add(-w.span)

	expired := 0
	for _, s := range w.samples {
		if !s.at.After(cutoff) {
			expired++
		} else {
			break
		}
	}
	w.samples = w.samples[expired:]
}
