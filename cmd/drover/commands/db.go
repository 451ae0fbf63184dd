package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/event"
)

// DbCmd groups state store maintenance commands.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the state store",
	Long: `Manage the SQLite state store.

Examples:
  drover db stats      # Row counts and event breakdown
  drover db migrate    # Apply pending schema migrations`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show state store statistics",
	RunE:  runDbStats,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Open the state store and apply any schema migrations that have not
run yet. The daemon does this on startup; the command exists for
upgrading a stopped installation.`,
	RunE: runDbMigrate,
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	pterm.DefaultSection.Println("State store")
	fmt.Printf("Path: %s\n\n", cfg.GetDatabasePath())

	rows := pterm.TableData{{"Table", "Rows"}}
	for _, table := range []string{"tasks", "events", "workers", "heartbeats", "cost_samples"} {
		var count int
		if err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return errors.Wrapf(err, "failed to count %s", table)
		}
		rows = append(rows, []string{table, fmt.Sprintf("%d", count)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}

	log, err := event.NewLog(database, "")
	if err != nil {
		return err
	}
	counts, err := log.CountByType()
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		return nil
	}

	pterm.DefaultSection.Println("Events by type")
	eventRows := pterm.TableData{{"Type", "Count"}}
	for _, t := range eventTypeOrder {
		if counts[t] == 0 {
			continue
		}
		eventRows = append(eventRows, []string{string(t), fmt.Sprintf("%d", counts[t])})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(eventRows).Render()
}

// eventTypeOrder keeps the breakdown stable across runs.
var eventTypeOrder = []event.Type{
	event.TaskCreated, event.TaskInvalid, event.TaskClaimed, event.TaskSubmitted,
	event.TaskCompleted, event.TaskRejected, event.TaskRequeued, event.TaskFailed,
	event.Escalation, event.PhaseChange,
	event.DelegateSuccess, event.DelegateFailure,
	event.GatesRun, event.ConsensusApprove, event.ConsensusReject, event.NoConsensus,
	event.StaleRecovered, event.ZombieRecovered,
	event.BudgetPause, event.BudgetResume, event.BudgetKill,
	event.ComponentRestart, event.ComponentFatal,
	event.DaemonStarted, event.DaemonStopped,
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	pterm.Success.Println("Migrations applied")
	return nil
}
