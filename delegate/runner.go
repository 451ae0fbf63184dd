package delegate

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/breaker"
	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/errors"
)

// BackoffConfig shapes the retry delay curve.
type BackoffConfig struct {
	Base      time.Duration // First-retry delay
	Max       time.Duration // Delay ceiling
	JitterPct int           // +/- percentage applied to each delay
}

// Backoff returns the delay before retry attempt n (1-based):
// min(base * 2^(n-1) +/- jitter, max).
func (b BackoffConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.JitterPct > 0 {
		spread := delay * float64(b.JitterPct) / 100
		delay += (rand.Float64()*2 - 1) * spread
	}
	if capped := float64(b.Max); delay > capped {
		delay = capped
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// caller is the slice of Invoker the runner drives. Narrowed to an
// interface so retry policy can be tested without spawning processes.
type caller interface {
	Invoke(ctx context.Context, req Request) (*Envelope, error)
	Available(model string) bool
}

// Runner drives one task execution across the retry matrix and the
// fallback chain. A single Execute call may invoke several models; the
// per-kind retry budgets apply within that one execution, while the
// task-level retry budget (requeue on terminal failure) belongs to the
// worker.
type Runner struct {
	invoker  caller
	breakers *breaker.Registry
	chain    []string
	backoff  BackoffConfig
	log      *zap.SugaredLogger

	sleep func(context.Context, time.Duration) error // Injectable for testing
}

// NewRunner builds a runner over the configured fallback chain.
func NewRunner(cfg *config.Config, invoker *Invoker, breakers *breaker.Registry, log *zap.SugaredLogger) *Runner {
	chain := cfg.Delegate.Chain
	if len(chain) == 0 {
		chain = config.KnownModels()
	}
	return &Runner{
		invoker:  invoker,
		breakers: breakers,
		chain:    chain,
		backoff: BackoffConfig{
			Base:      time.Duration(cfg.Retry.BaseS) * time.Second,
			Max:       time.Duration(cfg.Retry.MaxS) * time.Second,
			JitterPct: cfg.Retry.JitterPct,
		},
		log:   log.Named("runner"),
		sleep: sleepCtx,
	}
}

// Execute runs req against its model, retrying and falling back per the
// policy matrix. req.Model selects the chain start; an empty model
// starts at the head of the chain. The chain is cyclic but truncated at
// its own length, so each model is tried at most once per execution.
func (r *Runner) Execute(ctx context.Context, req Request) (*Envelope, error) {
	order := r.chainFrom(req.Model)
	if len(order) == 0 {
		return nil, errors.Wrap(errors.ErrModelUnavailable, "no delegate models configured")
	}
	if r.breakers.AllBlocked(order) {
		return nil, errors.Wrap(errors.ErrModelUnavailable, "all delegate breakers are open")
	}

	var lastErr error
	for _, model := range order {
		// A model whose breaker is already open is skipped without
		// burning retries or backoff: the chain rotates immediately.
		if !r.invoker.Available(model) {
			lastErr = errors.Wrapf(errors.ErrModelUnavailable, "model %s is blocked", model)
			continue
		}
		req.Model = model
		env, err := r.tryModel(ctx, req)
		if err == nil {
			return env, nil
		}
		lastErr = err

		kind := errors.KindOf(err)
		policy := PolicyFor(kind)
		if policy.Fatal {
			return nil, err
		}
		if !policy.Fallback && kind != errors.KindModelUnavailable {
			// transient exhausts its retries on one model and stops.
			return nil, err
		}
		r.log.Infow("Falling back to next model",
			"task_id", req.TaskID, "model", model, "kind", kind)
	}
	return nil, lastErr
}

// tryModel retries a single model up to the failing kind's budget.
func (r *Runner) tryModel(ctx context.Context, req Request) (*Envelope, error) {
	attempt := 0
	for {
		env, err := r.invoker.Invoke(ctx, req)
		if err == nil {
			return env, nil
		}

		kind := errors.KindOf(err)
		policy := PolicyFor(kind)
		attempt++
		if policy.Fatal || attempt > policy.MaxRetries {
			return nil, err
		}

		delay := r.backoff.Backoff(attempt)
		r.log.Infow("Retrying delegate call",
			"task_id", req.TaskID,
			"model", req.Model,
			"kind", kind,
			"attempt", attempt,
			"delay", delay)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, errors.Wrap(err, "execution cancelled during backoff")
		}
	}
}

// chainFrom rotates the fallback chain to start at model. Unknown or
// empty models start at the head.
func (r *Runner) chainFrom(model string) []string {
	start := 0
	for idx, m := range r.chain {
		if m == model {
			start = idx
			break
		}
	}
	out := make([]string, 0, len(r.chain))
	for n := 0; n < len(r.chain); n++ {
		out = append(out, r.chain[(start+n)%len(r.chain)])
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
