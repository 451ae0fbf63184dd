package budget

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/droverhq/drover/errors"
)

// Limiter paces delegate launches per model, keyed off
// delegate.<model>.max_calls_per_minute. A nil bucket means pacing is
// disabled.
type Limiter struct {
	bucket *rate.Limiter
	max    int
}

// NewLimiter creates a limiter. maxCallsPerMinute <= 0 disables pacing.
func NewLimiter(maxCallsPerMinute int) *Limiter {
	if maxCallsPerMinute <= 0 {
		return &Limiter{}
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Every(time.Minute/time.Duration(maxCallsPerMinute)), maxCallsPerMinute),
		max:    maxCallsPerMinute,
	}
}

// Allow claims a launch slot if one is open, or returns ErrRateLimit
// without blocking.
func (l *Limiter) Allow() error {
	if l.bucket == nil {
		return nil
	}
	if !l.bucket.Allow() {
		return errors.Wrapf(errors.ErrRateLimit,
			"launch pacing exceeded (limit %d/min)", l.max)
	}
	return nil
}

// Wait blocks until a launch slot opens or the context ends. The caller
// bounds the context by the task timeout; a slot that never opens inside
// that window classifies as rate_limit.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.bucket == nil {
		return nil
	}
	if err := l.bucket.Wait(ctx); err != nil {
		return errors.Wrap(errors.ErrRateLimit, "gave up waiting for a launch slot")
	}
	return nil
}

// allowAt is Allow against an explicit clock, for tests.
func (l *Limiter) allowAt(now time.Time) bool {
	if l.bucket == nil {
		return true
	}
	return l.bucket.AllowN(now, 1)
}
