package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/delegate"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/task"
)

// heartbeatInterval paces liveness writes while a delegate runs.
const heartbeatInterval = 10 * time.Second

// executor runs one task end to end across retries and fallback.
// Satisfied by *delegate.Runner; narrowed so pool tests can script
// outcomes without subprocesses.
type executor interface {
	Execute(ctx context.Context, req delegate.Request) (*delegate.Envelope, error)
}

// pauser reports whether new claims are suspended. Satisfied by
// *budget.Controls.
type pauser interface {
	IsPaused() bool
}

// Pool runs the configured number of workers.
type Pool struct {
	cfg      *config.Config
	tasks    *task.Store
	registry *Registry
	runner   executor
	controls pauser
	log      *zap.SugaredLogger

	size     int
	bindings []config.PoolBinding
	minPoll  time.Duration
	maxPoll  time.Duration
	backoff  delegate.BackoffConfig
	shutdown time.Duration

	claimCancel context.CancelFunc
	execCancel  context.CancelFunc
	wg          sync.WaitGroup
}

// NewPool builds a pool from config. Unbound workers claim without shard
// or model restriction; pool.bindings adds workers restricted to a model
// or shard so assigned tasks have a claimant.
func NewPool(cfg *config.Config, tasks *task.Store, registry *Registry, runner *delegate.Runner, controls pauser, log *zap.SugaredLogger) *Pool {
	return newPool(cfg, tasks, registry, runner, controls, log)
}

func newPool(cfg *config.Config, tasks *task.Store, registry *Registry, runner executor, controls pauser, log *zap.SugaredLogger) *Pool {
	size := cfg.Pool.Size
	if size <= 0 && len(cfg.Pool.Bindings) == 0 {
		size = 3
	}
	if size < 0 {
		size = 0
	}
	minPoll := time.Duration(cfg.Pool.MinPollMS) * time.Millisecond
	if minPoll <= 0 {
		minPoll = 500 * time.Millisecond
	}
	maxPoll := time.Duration(cfg.Pool.MaxPollMS) * time.Millisecond
	if maxPoll < minPoll {
		maxPoll = 5 * time.Second
	}
	grace := time.Duration(cfg.Pool.ShutdownGraceS) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		tasks:    tasks,
		registry: registry,
		runner:   runner,
		controls: controls,
		log:      log.Named("pool"),
		size:     size,
		bindings: cfg.Pool.Bindings,
		minPoll:  minPoll,
		maxPoll:  maxPoll,
		backoff: delegate.BackoffConfig{
			Base:      time.Duration(cfg.Retry.BaseS) * time.Second,
			Max:       time.Duration(cfg.Retry.MaxS) * time.Second,
			JitterPct: cfg.Retry.JitterPct,
		},
		shutdown: grace,
	}
}

// Start registers and launches every worker: size unbound ones plus the
// configured bindings.
func (p *Pool) Start(ctx context.Context) error {
	claimCtx, claimCancel := context.WithCancel(ctx)
	// Execution outlives claim cancellation: in-flight delegates get the
	// drain window before this context is killed.
	execCtx, execCancel := context.WithCancel(context.Background())
	p.claimCancel = claimCancel
	p.execCancel = execCancel

	launch := func(model, shard string) error {
		id := NewWorkerID()
		if err := p.registry.Register(id, model, shard); err != nil {
			return err
		}
		p.wg.Add(1)
		go p.runWorker(claimCtx, execCtx, id, model, shard)
		return nil
	}

	for n := 0; n < p.size; n++ {
		if err := launch("", ""); err != nil {
			return err
		}
	}
	bound := 0
	for _, b := range p.bindings {
		count := b.Count
		if count <= 0 {
			count = 1
		}
		for n := 0; n < count; n++ {
			if err := launch(b.Model, b.Shard); err != nil {
				return err
			}
			bound++
		}
	}
	p.log.Infow("Worker pool started", "size", p.size, "bound", bound)
	return nil
}

// Stop drains in two phases: claims stop immediately, then in-flight
// delegates get the shutdown grace to finish on their own. Only when the
// grace expires is the execution context cancelled, which kills the
// delegate process group; the loop releases the claim on its way out.
func (p *Pool) Stop() {
	if p.claimCancel != nil {
		p.claimCancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Infow("Worker pool stopped")
	case <-time.After(p.shutdown):
		p.log.Warnw("Drain window expired; killing in-flight delegates", "grace", p.shutdown)
		p.execCancel()
		<-done
		p.log.Infow("Worker pool stopped after kill")
	}
	if p.execCancel != nil {
		p.execCancel()
	}
}

// runWorker is one worker's loop: pause check, stale sweep, claim,
// execute, adaptive idle backoff. claimCtx gates new claims; execCtx
// bounds the task in flight.
func (p *Pool) runWorker(claimCtx, execCtx context.Context, workerID, model, shard string) {
	defer p.wg.Done()
	log := p.log.With("worker_id", workerID)
	if model != "" {
		log = log.With("model", model)
	}

	poll := p.minPoll
	for {
		if claimCtx.Err() != nil {
			p.retire(workerID, log)
			return
		}

		if p.controls != nil && p.controls.IsPaused() {
			p.beatIdle(workerID)
			if !sleepOrDone(claimCtx, p.maxPoll) {
				p.retire(workerID, log)
				return
			}
			continue
		}

		if n, err := p.tasks.RecoverStale(p.cfg.StaleTimeoutFor); err != nil {
			log.Errorw("Stale recovery failed", "error", err)
		} else if n > 0 {
			log.Infow("Recovered stale tasks", "count", n)
		}

		claimed, err := p.tasks.Claim(workerID, model, shard)
		if err != nil {
			log.Errorw("Claim failed", "error", err)
			if !sleepOrDone(claimCtx, poll) {
				p.retire(workerID, log)
				return
			}
			continue
		}
		if claimed == nil {
			p.beatIdle(workerID)
			if !sleepOrDone(claimCtx, poll) {
				p.retire(workerID, log)
				return
			}
			// Idle backoff: stretch the poll up to the ceiling.
			poll = time.Duration(float64(poll) * 1.5)
			if poll > p.maxPoll {
				poll = p.maxPoll
			}
			continue
		}

		poll = p.minPoll
		p.runTask(execCtx, workerID, claimed, log)
	}
}

// runTask executes one claimed task to its next durable state.
func (p *Pool) runTask(ctx context.Context, workerID string, t *task.Task, log *zap.SugaredLogger) {
	log = log.With("task_id", t.ID, "trace_id", t.TraceID)
	timeout := p.cfg.TimeoutFor(string(t.Type))

	if err := p.registry.Heartbeat(workerID, Beat{
		Status:           StatusBusy,
		TaskID:           t.ID,
		TaskType:         string(t.Type),
		ExpectedTimeoutS: int(timeout.Seconds()),
	}); err != nil {
		log.Warnw("Failed to write busy heartbeat", "error", err)
	}

	workspace, err := p.prepareWorkspace(t)
	if err != nil {
		log.Errorw("Failed to prepare workspace", "error", err)
		p.spendRetry(workerID, t, errors.KindTransient, err.Error(), log)
		return
	}

	stopBeats := p.startHeartbeats(ctx, workerID, t)
	env, execErr := p.runner.Execute(ctx, delegate.Request{
		Model:    t.AssignedModel,
		Prompt:   BuildPrompt(t),
		TaskType: string(t.Type),
		TaskID:   t.ID,
		TraceID:  t.TraceID,
		Timeout:  timeout,
	})
	stopBeats()

	if ctx.Err() != nil {
		// The drain window expired and the call was killed: hand the
		// claim back without spending a retry.
		if err := p.tasks.Release(t.ID, workerID); err != nil {
			log.Warnw("Failed to release task on shutdown", "error", err)
		} else {
			log.Infow("Released task on shutdown")
		}
		return
	}
	if execErr != nil {
		kind := errors.KindOf(execErr)
		log.Warnw("Task execution failed",
			"kind", kind,
			"error", execErr,
			"retry_count", t.RetryCount,
		)
		p.spendRetry(workerID, t, kind, execErr.Error(), log)
		return
	}

	if err := p.finishWorkspace(workspace, t, env); err != nil {
		log.Errorw("Failed to write workspace artifacts", "error", err)
		p.spendRetry(workerID, t, errors.KindTransient, err.Error(), log)
		return
	}
	if err := p.tasks.Submit(t.ID, workerID, env.Output); err != nil {
		log.Errorw("Failed to submit task", "error", err)
		return
	}
	if err := p.promoteWorkspace(t.ID); err != nil {
		log.Warnw("Failed to move workspace to review", "error", err)
	}
	if err := p.registry.TaskCompleted(workerID); err != nil {
		log.Warnw("Failed to bump completion counter", "error", err)
	}
	log.Infow("Task submitted for review", "model", env.Model, "decision", env.Decision)
}

// spendRetry requeues the task with backoff, or fails it when the budget
// is spent.
func (p *Pool) spendRetry(workerID string, t *task.Task, kind, message string, log *zap.SugaredLogger) {
	if err := p.registry.TaskFailed(workerID); err != nil {
		log.Warnw("Failed to bump failure counter", "error", err)
	}
	if t.CanRetry() {
		notBefore := time.Now().UTC().Add(p.backoff.Backoff(t.RetryCount + 1))
		if err := p.tasks.RequeueForRetry(t.ID, workerID, kind, message, notBefore); err != nil {
			log.Errorw("Failed to requeue task", "error", err)
		}
		return
	}
	if err := p.tasks.Fail(t.ID, workerID, kind, message); err != nil {
		log.Errorw("Failed to fail task", "error", err)
		return
	}
	if err := p.archiveFailedWorkspace(t.ID); err != nil {
		log.Warnw("Failed to archive workspace", "error", err)
	}
}

// startHeartbeats refreshes task and registry liveness while the
// delegate runs. The returned stop function is idempotent enough for a
// single deferred call.
func (p *Pool) startHeartbeats(ctx context.Context, workerID string, t *task.Task) func() {
	beatCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
				if err := p.tasks.UpdateHeartbeat(t.ID, workerID); err != nil {
					// Conflict means the task was recovered out from
					// under us; the submit path will see the same.
					p.log.Debugw("Heartbeat rejected",
						"worker_id", workerID, "task_id", t.ID, "error", err)
					return
				}
				_ = p.registry.Heartbeat(workerID, Beat{
					Status:   StatusBusy,
					TaskID:   t.ID,
					TaskType: string(t.Type),
				})
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (p *Pool) beatIdle(workerID string) {
	_ = p.registry.Heartbeat(workerID, Beat{Status: StatusIdle})
}

func (p *Pool) retire(workerID string, log *zap.SugaredLogger) {
	if err := p.registry.Stopped(workerID); err != nil {
		log.Warnw("Failed to mark worker stopped", "error", err)
	}
	log.Infow("Worker stopped")
}

// sleepOrDone waits d, returning false when ctx ends first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
