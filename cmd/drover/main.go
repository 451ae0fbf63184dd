package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/cmd/drover/commands"
	"github.com/droverhq/drover/logger"
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "drover - unattended task orchestration over delegate models",
	Long: `drover - an always-on orchestrator that dispatches tasks to external
AI delegates and herds the results through quality gates.

Tasks arrive as artifacts dropped into the queue directory (or via
"drover enqueue"), are executed by delegate processes with retry,
fallback and circuit breaking, and must clear the gate table and a
multi-model consensus review before they complete. Every state change
lands on a durable event log.

Examples:
  drover start                       # Run the daemon in the foreground
  drover enqueue fix-parser --priority HIGH --file task.md
  drover status                      # Pipeline, workers and spend at a glance
  drover tasks ls --state QUEUED     # List queued tasks
  drover events --task fix-parser    # A task's full audit trail
  drover db stats                    # State store statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.EnqueueCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.TasksCmd)
	rootCmd.AddCommand(commands.EventsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
