// Package daemon assembles and supervises the always-on process: the
// intake watcher, the worker pool, the review supervisor, the budget
// watchdog and the recovery sweeper, wired over one SQLite database.
//
// Components are started in dependency order with restart backoff.
// SIGTERM and SIGINT drain and exit; SIGUSR1 pauses claims and SIGUSR2
// resumes them. A budget kill skips the graceful farewell: BUDGET_KILL
// is the last event on the log and the process exits non-zero.
package daemon

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/breaker"
	"github.com/droverhq/drover/budget"
	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/consensus"
	"github.com/droverhq/drover/db"
	"github.com/droverhq/drover/delegate"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/event"
	"github.com/droverhq/drover/gates"
	"github.com/droverhq/drover/intake"
	"github.com/droverhq/drover/locks"
	"github.com/droverhq/drover/phase"
	"github.com/droverhq/drover/supervisor"
	"github.com/droverhq/drover/task"
	"github.com/droverhq/drover/worker"
)

const actorDaemon = "daemon"

// Exit codes. The drain-timeout code matches the conventional timeout
// exit so service managers can tell a wedged drain from a clean stop.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitConfig       = 2
	ExitDrainTimeout = 124
)

// Daemon owns the component set and the shared stores.
type Daemon struct {
	cfg *config.Config
	log *zap.SugaredLogger

	conn     *sql.DB
	events   *event.Log
	tasks    *task.Store
	controls *budget.Controls
	tracker  *budget.Tracker

	components     []Component
	started        []Component
	maxRestarts    int
	restartBackoff time.Duration

	mu     sync.Mutex
	killed bool
}

// New opens the database and wires every component. The caller runs the
// result with Run and closes it with Close.
func New(cfg *config.Config, log *zap.SugaredLogger) (*Daemon, error) {
	if err := cfg.EnsureLayout(); err != nil {
		return nil, err
	}
	conn, err := db.OpenWithMigrations(cfg.GetDatabasePath(), log)
	if err != nil {
		return nil, err
	}
	events, err := event.NewLog(conn, cfg.EventsLogPath())
	if err != nil {
		conn.Close()
		return nil, err
	}

	tasks := task.NewStore(conn, events)
	registry := worker.NewRegistry(conn)
	controls := budget.NewControls(conn)
	tracker, err := budget.NewTracker(conn, priceTable(cfg), cfg.CostsDir(), log)
	if err != nil {
		conn.Close()
		return nil, err
	}

	breakers := breaker.NewRegistry(
		cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.CooldownSeconds)*time.Second,
	)
	invoker, err := delegate.NewInvoker(cfg, breakers, tracker, events, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	runner := delegate.NewRunner(cfg, invoker, breakers, log)

	lockMgr, err := locks.NewManager(cfg.LocksDir())
	if err != nil {
		conn.Close()
		return nil, err
	}
	consEngine := consensus.NewEngine(cfg, invoker, log)
	gateEngine := gates.NewEngine(cfg, supervisor.NewConsensusReviewer(consEngine), log)
	phases := phase.NewMachine(tasks, log)

	watcher := intake.NewWatcher(cfg, tasks, events, log)
	pool := worker.NewPool(cfg, tasks, registry, runner, controls, log)
	sup := supervisor.New(cfg, tasks, events, gateEngine, consEngine, lockMgr, phases, log)
	sweep := newSweeper(cfg, tasks, registry, log)

	maxRestarts := cfg.Daemon.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = 5
	}

	d := &Daemon{
		cfg:      cfg,
		log:      log.Named("daemon"),
		conn:     conn,
		events:   events,
		tasks:    tasks,
		controls: controls,
		tracker:  tracker,
		components: []Component{
			sweep,
			named("intake", watcher.Start, watcher.Stop),
			named("pool", pool.Start, pool.Stop),
			named("supervisor", func(ctx context.Context) error {
				sup.Start(ctx)
				return nil
			}, sup.Stop),
		},
		maxRestarts:    maxRestarts,
		restartBackoff: time.Second,
	}
	return d, nil
}

// Close releases the database. Call after Run returns.
func (d *Daemon) Close() error {
	if d.events != nil {
		d.events.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Run starts everything and blocks until a stop signal, a budget kill,
// or parent cancellation. The return value is the process exit code.
func (d *Daemon) Run(parent context.Context) int {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	if err := d.events.Append(event.New(event.DaemonStarted, actorDaemon, "", "", map[string]interface{}{
		"pid": os.Getpid(),
	})); err != nil {
		d.log.Errorw("Failed to append start event", "error", err)
	}

	watchdog := budget.NewWatchdog(ctx, d.tracker, d.controls, d.events, budget.WatchdogConfig{
		SoftPausePerMin: d.cfg.Budget.SoftPausePerMin,
		KillPerMin:      d.cfg.Budget.KillPerMin,
		Tick:            time.Duration(d.cfg.Budget.WatchdogTickS) * time.Second,
	}, func(reason string) {
		d.requestKill(reason, cancel)
	}, d.log)

	if err := d.startComponents(ctx); err != nil {
		d.log.Errorw("Component startup failed", "error", err)
		d.stopComponents()
		return ExitFailure
	}
	watchdog.Start()
	d.log.Infow("Daemon running", "pid", os.Getpid(), "components", len(d.started))

	reason := "shutdown"
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				if err := d.controls.Pause(budget.PauseReasonOperator); err != nil {
					d.log.Errorw("Operator pause failed", "error", err)
				} else {
					d.log.Infow("Claims paused by operator signal")
				}
			case syscall.SIGUSR2:
				if err := d.controls.Resume(budget.PauseReasonOperator); err != nil {
					d.log.Warnw("Operator resume refused", "error", err)
				} else {
					d.log.Infow("Claims resumed by operator signal")
				}
			default:
				reason = "signal " + sig.String()
				break loop
			}
		}
	}
	cancel()
	watchdog.Stop()

	drained := d.stopComponents()
	if d.wasKilled() {
		// BUDGET_KILL is already on the log and stays the last word.
		d.log.Errorw("Daemon terminated by budget kill")
		return ExitFailure
	}

	exit := ExitOK
	if !drained {
		exit = ExitDrainTimeout
	}
	if err := d.events.Append(event.New(event.DaemonStopped, actorDaemon, "", "", map[string]interface{}{
		"reason":  reason,
		"drained": drained,
	})); err != nil {
		d.log.Errorw("Failed to append stop event", "error", err)
	}
	d.log.Infow("Daemon stopped", "reason", reason, "exit_code", exit)
	return exit
}

// requestKill records the budget kill and cancels the run context.
func (d *Daemon) requestKill(reason string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.killed = true
	d.mu.Unlock()
	d.log.Errorw("Kill requested", "reason", reason)
	cancel()
}

func (d *Daemon) wasKilled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.killed
}

// startComponents brings every component up in order, retrying failed
// starts with exponential backoff until the restart budget is spent.
func (d *Daemon) startComponents(ctx context.Context) error {
	for _, c := range d.components {
		if err := d.startWithRetry(ctx, c); err != nil {
			return err
		}
		d.started = append(d.started, c)
	}
	return nil
}

func (d *Daemon) startWithRetry(ctx context.Context, c Component) error {
	backoff := d.restartBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for attempt := 0; ; attempt++ {
		err := c.Start(ctx)
		if err == nil {
			if attempt > 0 {
				d.log.Infow("Component recovered", "component", c.Name(), "restarts", attempt)
			}
			return nil
		}
		if attempt >= d.maxRestarts {
			d.appendComponentEvent(event.ComponentFatal, c.Name(), err, attempt)
			return errors.Wrapf(err, "component %s failed after %d restarts", c.Name(), attempt)
		}
		d.appendComponentEvent(event.ComponentRestart, c.Name(), err, attempt+1)
		d.log.Warnw("Component start failed, retrying",
			"component", c.Name(), "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// stopComponents winds down in reverse start order. The wait is bounded
// so a wedged component cannot hold the process open forever.
func (d *Daemon) stopComponents() bool {
	grace := time.Duration(d.cfg.Pool.ShutdownGraceS)*time.Second + 10*time.Second
	done := make(chan struct{})
	go func() {
		for i := len(d.started) - 1; i >= 0; i-- {
			d.started[i].Stop()
		}
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		d.log.Errorw("Component drain timed out", "grace", grace)
		return false
	}
}

func (d *Daemon) appendComponentEvent(t event.Type, name string, cause error, attempts int) {
	e := event.New(t, actorDaemon, "", "", map[string]interface{}{
		"component": name,
		"error":     cause.Error(),
		"attempts":  attempts,
	})
	if err := d.events.Append(e); err != nil {
		d.log.Errorw("Failed to append component event", "type", string(t), "error", err)
	}
}

// priceTable lifts the per-model token prices out of the strategy table.
func priceTable(cfg *config.Config) budget.PriceTable {
	table := make(budget.PriceTable, len(config.KnownModels()))
	for _, name := range config.KnownModels() {
		m, _ := cfg.Delegate.Model(name)
		table[name] = budget.Pricing{
			InputUSDPer1K:  m.InputUSDPer1K,
			OutputUSDPer1K: m.OutputUSDPer1K,
		}
	}
	return table
}
