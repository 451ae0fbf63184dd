package breaker

import (
	"sync"
	"time"
)

// Registry owns one breaker per model, created lazily with shared
// settings.
type Registry struct {
	failureThreshold int
	cooldown         time.Duration
	timeNow          func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry with real time.
func NewRegistry(failureThreshold int, cooldown time.Duration) *Registry {
	return NewRegistryWithClock(failureThreshold, cooldown, time.Now)
}

// NewRegistryWithClock creates a registry with an injectable clock (for testing).
func NewRegistryWithClock(failureThreshold int, cooldown time.Duration, timeNow func() time.Time) *Registry {
	return &Registry{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		timeNow:          timeNow,
		breakers:         make(map[string]*Breaker),
	}
}

// For returns the breaker guarding model, creating it on first use.
func (r *Registry) For(model string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[model]; ok {
		return b
	}
	b := NewWithClock(model, r.failureThreshold, r.cooldown, r.timeNow)
	r.breakers[model] = b
	return b
}

// ShouldCall reports whether model may be called right now.
func (r *Registry) ShouldCall(model string) bool {
	return r.For(model).ShouldCall()
}

// RecordSuccess forwards to the model's breaker.
func (r *Registry) RecordSuccess(model string) {
	r.For(model).RecordSuccess()
}

// RecordFailure forwards to the model's breaker.
func (r *Registry) RecordFailure(model, kind string) {
	r.For(model).RecordFailure(kind)
}

// AllBlocked reports whether every listed model is currently refused.
// The fallback rotation uses this to fail fast instead of spinning
// through a fully open chain.
//
// Checking consumes no probe slots: a HALF_OPEN breaker with a free probe
// counts as callable, and the later ShouldCall claims the slot.
func (r *Registry) AllBlocked(models []string) bool {
	for _, model := range models {
		b := r.For(model)
		b.mu.Lock()
		callable := b.state == Closed ||
			(b.state == HalfOpen && !b.probeInFlight) ||
			(b.state == Open && b.timeNow().Sub(b.openedAt) >= b.cooldown)
		b.mu.Unlock()
		if callable {
			return false
		}
	}
	return true
}

// Snapshots returns a view of every breaker, for `drover status`.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}
