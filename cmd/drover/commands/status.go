package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/budget"
	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/event"
	"github.com/droverhq/drover/task"
	"github.com/droverhq/drover/worker"
)

// StatusCmd renders the pipeline at a glance.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline, worker and spend status",
	Long: `Display the state of the pipeline: task counts per state, the
registered workers and their liveness, spend aggregates per model, and
whether claims are currently paused.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	events, err := event.NewLog(database, "")
	if err != nil {
		return err
	}
	tasks := task.NewStore(database, events)
	registry := worker.NewRegistry(database)
	controls := budget.NewControls(database)
	spend := budget.NewStore(database)

	pterm.DefaultHeader.WithFullWidth().Println("drover status")
	pterm.Println()

	printDaemon(events, controls)
	pterm.Println()
	if err := printTasks(tasks); err != nil {
		return err
	}
	pterm.Println()
	if err := printWorkers(registry); err != nil {
		return err
	}
	pterm.Println()
	return printSpend(spend, cfg)
}

// printDaemon reports daemon liveness from the event log and the pid
// recorded at startup.
func printDaemon(events *event.Log, controls *budget.Controls) {
	running := false
	var pid int
	if last, err := lastDaemonEvent(events); err == nil && last != nil && last.Type == event.DaemonStarted {
		if v, ok := last.Payload["pid"].(float64); ok {
			pid = int(v)
			alive, err := process.PidExists(int32(pid))
			running = err == nil && alive
		}
	}

	if running {
		pterm.Success.Printf("Daemon running (pid %d)\n", pid)
	} else {
		pterm.Warning.Println("Daemon not running")
	}

	paused, reason, err := controls.State()
	switch {
	case err != nil:
		pterm.Error.Printf("Pause state unavailable: %v\n", err)
	case paused:
		pterm.Warning.Printf("Claims paused (%s)\n", reason)
	default:
		pterm.Info.Println("Claims active")
	}
}

// lastDaemonEvent finds the most recent DAEMON_STARTED or DAEMON_STOPPED.
func lastDaemonEvent(events *event.Log) (*event.Event, error) {
	recent, err := events.ListRecent(200)
	if err != nil {
		return nil, err
	}
	for _, e := range recent {
		if e.Type == event.DaemonStarted || e.Type == event.DaemonStopped {
			return e, nil
		}
	}
	return nil, nil
}

func printTasks(tasks *task.Store) error {
	counts, err := tasks.CountByState()
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println("Tasks")
	rows := pterm.TableData{{"State", "Count"}}
	order := []task.State{
		task.StateQueued, task.StateRunning, task.StateReview,
		task.StateApproved, task.StateCompleted, task.StateRejected,
		task.StateRejectedTerminal, task.StateFailed,
	}
	for _, state := range order {
		if counts[state] == 0 {
			continue
		}
		rows = append(rows, []string{string(state), fmt.Sprintf("%d", counts[state])})
	}
	if len(rows) == 1 {
		pterm.Info.Println("No tasks yet")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func printWorkers(registry *worker.Registry) error {
	infos, err := registry.List()
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println("Workers")
	if len(infos) == 0 {
		pterm.Info.Println("No workers registered")
		return nil
	}

	rows := pterm.TableData{{"Worker", "Status", "Task", "Done", "Failed", "Last heartbeat"}}
	for _, w := range infos {
		beat := "never"
		if !w.LastHeartbeat.IsZero() {
			beat = time.Since(w.LastHeartbeat).Round(time.Second).String() + " ago"
		}
		rows = append(rows, []string{
			w.WorkerID, w.Status, w.CurrentTask,
			fmt.Sprintf("%d", w.TasksCompleted),
			fmt.Sprintf("%d", w.TasksFailed),
			beat,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func printSpend(spend *budget.Store, cfg *config.Config) error {
	pterm.DefaultSection.Println("Spend")

	today, err := spend.SpendToday()
	if err != nil {
		return err
	}
	pterm.Info.Printf("Today: $%.4f (kill ceiling $%.2f/min)\n", today, cfg.Budget.KillPerMin)

	byModel, err := spend.SpendByModel(time.Now().UTC().AddDate(0, 0, -7))
	if err != nil {
		return err
	}
	if len(byModel) == 0 {
		pterm.Info.Println("No delegate calls in the last 7 days")
		return nil
	}
	rows := pterm.TableData{{"Model", "Calls", "Cost (7d)", "Tokens in", "Tokens out"}}
	for _, m := range byModel {
		rows = append(rows, []string{
			m.Model,
			fmt.Sprintf("%d", m.Calls),
			fmt.Sprintf("$%.4f", m.CostUSD),
			fmt.Sprintf("%d", m.InTokens),
			fmt.Sprintf("%d", m.OutTokens),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
