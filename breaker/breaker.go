// Package breaker implements per-model circuit breakers for delegate
// calls.
//
// A breaker trips after a run of consecutive failures, blocks calls for a
// cooldown, then lets exactly one probe through; the probe's outcome
// decides between closing and reopening. Authentication failures never
// count against a breaker because retrying them cannot help, while a
// model_unavailable failure forces the breaker open immediately.
package breaker

import (
	"sync"
	"time"

	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/logger"
)

// State of a breaker.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Breaker guards a single model.
type Breaker struct {
	model            string
	failureThreshold int
	cooldown         time.Duration

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	timeNow func() time.Time // Injectable for testing
}

// New creates a closed breaker with real time.
func New(model string, failureThreshold int, cooldown time.Duration) *Breaker {
	return NewWithClock(model, failureThreshold, cooldown, time.Now)
}

// NewWithClock creates a closed breaker with an injectable clock (for testing).
func NewWithClock(model string, failureThreshold int, cooldown time.Duration, timeNow func() time.Time) *Breaker {
	return &Breaker{
		model:            model,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		state:            Closed,
		timeNow:          timeNow,
	}
}

// ShouldCall reports whether a delegate call may proceed. An OPEN breaker
// whose cooldown elapsed moves to HALF_OPEN and admits the caller as the
// single probe; concurrent callers are refused until the probe resolves.
func (b *Breaker) ShouldCall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.timeNow().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.probeInFlight = true
		logger.Infow("Circuit breaker half-open, probing",
			"model", b.model,
			"cooldown_s", int(b.cooldown.Seconds()),
		)
		return true
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure run. A successful probe closes a
// HALF_OPEN breaker; a straggler success while OPEN only clears the count
// and lets the probe confirm recovery.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == HalfOpen {
		b.state = Closed
		b.probeInFlight = false
		logger.Infow("Circuit breaker closed", "model", b.model)
	}
}

// RecordFailure counts a classified failure. auth_error and rate_limit
// are neutral: auth failures are fatal to the caller and say nothing
// about model health, and pacing rejections are self-inflicted.
// model_unavailable forces the breaker open regardless of the count.
func (b *Breaker) RecordFailure(kind string) {
	if kind == errors.KindAuthError || kind == errors.KindRateLimit {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if kind == errors.KindModelUnavailable {
		b.open()
		return
	}

	b.consecutiveFailures++
	switch b.state {
	case HalfOpen:
		// Probe failed; back to cooling down.
		b.open()
	case Closed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.open()
		}
	}
}

// open transitions to OPEN and restarts the cooldown.
// Must be called with lock held.
func (b *Breaker) open() {
	b.state = Open
	b.openedAt = b.timeNow()
	b.probeInFlight = false
	logger.Warnw("Circuit breaker opened",
		"model", b.model,
		"consecutive_failures", b.consecutiveFailures,
	)
}

// Snapshot is a point-in-time view for status displays.
type Snapshot struct {
	Model               string    `json:"model"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the breaker's current state without mutating it.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Model:               b.model,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
}
