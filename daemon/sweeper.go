package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/task"
	"github.com/droverhq/drover/worker"
)

// sweeper runs the liveness recovery on a fixed interval: stale tasks by
// their own heartbeat, zombies by the registry heartbeat, and an
// immediate reap for registered workers whose pid no longer exists. The
// pid probe catches workers from a previous daemon run; in-process
// workers share the daemon's pid and always probe alive.
type sweeper struct {
	cfg      *config.Config
	tasks    *task.Store
	registry *worker.Registry
	log      *zap.SugaredLogger

	interval time.Duration
	pidAlive func(pid int) bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSweeper(cfg *config.Config, tasks *task.Store, registry *worker.Registry, log *zap.SugaredLogger) *sweeper {
	interval := time.Duration(cfg.Recovery.SweepS) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &sweeper{
		cfg:      cfg,
		tasks:    tasks,
		registry: registry,
		log:      log.Named("recovery"),
		interval: interval,
		pidAlive: pidAlive,
	}
}

func pidAlive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func (s *sweeper) Name() string { return "recovery" }

func (s *sweeper) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Sweep once at startup so tasks orphaned by a crash come back
		// before the first tick.
		s.Sweep()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
	s.log.Infow("Recovery sweeper started", "interval", s.interval)
	return nil
}

func (s *sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep runs one full recovery pass.
func (s *sweeper) Sweep() {
	if n, err := s.tasks.RecoverStale(s.cfg.StaleTimeoutFor); err != nil {
		s.log.Errorw("Stale sweep failed", "error", err)
	} else if n > 0 {
		s.log.Infow("Recovered stale tasks", "count", n)
	}
	if n, err := s.tasks.RecoverZombies(s.cfg.ZombieTimeoutFor); err != nil {
		s.log.Errorw("Zombie sweep failed", "error", err)
	} else if n > 0 {
		s.log.Infow("Recovered zombie tasks", "count", n)
	}
	s.reapDeadWorkers()
}

// reapDeadWorkers recovers tasks held by workers whose process is gone.
func (s *sweeper) reapDeadWorkers() {
	infos, err := s.registry.List()
	if err != nil {
		s.log.Errorw("Failed to list workers", "error", err)
		return
	}
	for _, w := range infos {
		if w.Status == worker.StatusStopped || w.Status == worker.StatusDead {
			continue
		}
		if w.PID <= 0 || s.pidAlive(w.PID) {
			continue
		}
		n, err := s.tasks.RecoverWorkerTasks(w.WorkerID)
		if err != nil {
			s.log.Errorw("Failed to reap dead worker",
				"worker_id", w.WorkerID, "pid", w.PID, "error", err)
			continue
		}
		s.log.Warnw("Reaped dead worker",
			"worker_id", w.WorkerID, "pid", w.PID, "tasks_recovered", n)
	}
}
