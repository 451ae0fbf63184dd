package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/daemon"
	"github.com/droverhq/drover/logger"
)

// StartCmd runs the daemon in the foreground.
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the drover daemon",
	Long: `Start the daemon in foreground mode.

The daemon runs the full pipeline:
- Intake watcher ingesting queue artifacts (fsnotify + polling)
- Worker pool claiming and executing tasks via delegate processes
- Review supervisor running quality gates and consensus rounds
- Budget watchdog enforcing spend-rate ceilings
- Recovery sweeper requeueing stale and zombie tasks

Signals:
  SIGTERM / SIGINT   graceful drain and exit
  SIGUSR1            pause new claims (operator pause)
  SIGUSR2            resume claims

Exit codes:
  0    clean shutdown
  1    budget kill or component failure
  2    configuration error
  124  drain timed out`,
	RunE: runStart,
}

var startPoolSize int

func init() {
	StartCmd.Flags().IntVar(&startPoolSize, "workers", 0, "Worker pool size (overrides pool.size)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(daemon.ExitConfig)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(daemon.ExitConfig)
	}
	if startPoolSize > 0 {
		cfg.Pool.Size = startPoolSize
	}

	d, err := daemon.New(cfg, logger.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
		os.Exit(daemon.ExitFailure)
	}

	code := d.Run(context.Background())
	d.Close()
	logger.Cleanup()
	os.Exit(code)
	return nil
}
