package budget

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/event"
)

// WatchdogConfig contains the spend-rate ceilings.
type WatchdogConfig struct {
	SoftPausePerMin float64       // $/min that pauses new claims (0 = disabled)
	KillPerMin      float64       // $/min that terminates the daemon
	Tick            time.Duration // Evaluation interval (default: 30s)
}

// Watchdog evaluates the spend rate on a fixed tick. Above the soft rate
// it pauses claims; below it again it resumes them; above the kill rate
// it writes BUDGET_KILL and hands control to the kill callback. In-flight
// delegates are the daemon's problem, not the watchdog's: kill semantics
// (drain window, process-group kill, exit code) live with the caller.
type Watchdog struct {
	tracker  *Tracker
	controls *Controls
	events   *event.Log
	cfg      WatchdogConfig
	kill     func(reason string)
	log      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	killedOnce bool
}

// NewWatchdog creates a watchdog. kill is invoked at most once.
func NewWatchdog(ctx context.Context, tracker *Tracker, controls *Controls, events *event.Log, cfg WatchdogConfig, kill func(reason string), log *zap.SugaredLogger) *Watchdog {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	wCtx, cancel := context.WithCancel(ctx)
	return &Watchdog{
		tracker:  tracker,
		controls: controls,
		events:   events,
		cfg:      cfg,
		kill:     kill,
		log:      log.Named("watchdog"),
		ctx:      wCtx,
		cancel:   cancel,
	}
}

// Start begins the evaluation loop.
func (w *Watchdog) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Infow("Budget watchdog started",
		"tick", w.cfg.Tick,
		"soft_pause_per_min", w.cfg.SoftPausePerMin,
		"kill_per_min", w.cfg.KillPerMin)
}

// Stop halts the loop and waits for the current evaluation to finish.
func (w *Watchdog) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Watchdog) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Evaluate()
		}
	}
}

// Evaluate runs one watchdog decision against the current spend rate.
// Exported so tests and the daemon's preflight can tick it directly.
func (w *Watchdog) Evaluate() {
	rate := w.tracker.SpendRatePerMinute()

	if w.cfg.KillPerMin > 0 && rate > w.cfg.KillPerMin {
		w.fireKill(rate)
		return
	}

	paused, reason, err := w.controls.State()
	if err != nil {
		w.log.Errorw("Failed to read pause state", "error", err)
		return
	}

	switch {
	case w.cfg.SoftPausePerMin > 0 && rate > w.cfg.SoftPausePerMin:
		if paused {
			return
		}
		if err := w.controls.Pause(PauseReasonBudget); err != nil {
			w.log.Errorw("Failed to pause on budget", "error", err)
			return
		}
		w.appendEvent(event.BudgetPause, rate)
		w.log.Warnw("Spend rate above soft ceiling, claims paused",
			"rate_per_min", rate, "soft_pause_per_min", w.cfg.SoftPausePerMin)

	case paused && reason == PauseReasonBudget:
		// Rate dropped back under the ceiling; release our own pause.
		if err := w.controls.Resume(PauseReasonBudget); err != nil {
			w.log.Errorw("Failed to resume after budget pause", "error", err)
			return
		}
		w.appendEvent(event.BudgetResume, rate)
		w.log.Infow("Spend rate back under ceiling, claims resumed", "rate_per_min", rate)
	}
}

// fireKill pauses claims, writes the BUDGET_KILL event, then invokes the
// kill callback exactly once. The event goes down before the callback so
// it is durable even if shutdown is abrupt.
func (w *Watchdog) fireKill(rate float64) {
	w.mu.Lock()
	if w.killedOnce {
		w.mu.Unlock()
		return
	}
	w.killedOnce = true
	w.mu.Unlock()

	if err := w.controls.Pause(PauseReasonBudget); err != nil {
		w.log.Errorw("Failed to pause before budget kill", "error", err)
	}
	w.appendEvent(event.BudgetKill, rate)
	w.log.Errorw("Spend rate above kill ceiling, terminating",
		"rate_per_min", rate, "kill_per_min", w.cfg.KillPerMin)

	if w.kill != nil {
		w.kill("budget kill")
	}
}

func (w *Watchdog) appendEvent(t event.Type, rate float64) {
	e := event.New(t, "watchdog", "", "", map[string]interface{}{
		"rate_per_min": rate,
	})
	if err := w.events.Append(e); err != nil {
		w.log.Errorw("Failed to append budget event", "type", string(t), "error", err)
	}
}
