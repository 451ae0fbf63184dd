package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/errors"
)

// ConfigCmd groups configuration commands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage drover configuration",
	Long: `Manage the layered drover configuration.

Precedence, lowest to highest: /etc/drover/config.toml, then
~/.drover/drover.toml, then the project drover.toml (or
.drover/config.toml), then DROVER_* environment variables.

Examples:
  drover config show                       # Effective configuration
  drover config path                       # Where "config set" writes
  drover config set pool.size 5
  drover config set budget.kill_per_min 2.50`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the user config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.UserConfigPath())
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Persist a configuration value",
	Long: `Write a dotted configuration key to ~/.drover/drover.toml with
backup rotation. Values parse as bool, int, or float where possible and
fall back to string.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configPathCmd)
	ConfigCmd.AddCommand(configSetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	fmt.Printf("Root:                  %s\n", cfg.RootDir())
	fmt.Printf("Database:              %s\n", cfg.GetDatabasePath())
	fmt.Printf("Pool size:             %d\n", cfg.Pool.Size)
	fmt.Printf("Queue poll:            %ds\n", cfg.Queue.PollS)
	fmt.Printf("Max retries:           %d\n", cfg.Task.MaxRetries)
	fmt.Printf("Max rejection retries: %d\n", cfg.Task.MaxRejectionRetries)
	fmt.Printf("Breaker threshold:     %d failures, %ds cooldown\n",
		cfg.Breaker.FailureThreshold, cfg.Breaker.CooldownSeconds)
	fmt.Printf("Budget ceilings:       soft $%.2f/min, kill $%.2f/min\n",
		cfg.Budget.SoftPausePerMin, cfg.Budget.KillPerMin)
	fmt.Printf("Consensus:             %s (quorum %d) over %v\n",
		cfg.Consensus.Mode, cfg.Consensus.QuorumK, cfg.Consensus.Models)
	fmt.Printf("Delegate chain:        %v\n", cfg.Delegate.Chain)
	fmt.Printf("Enabled models:        %v\n", cfg.EnabledModels())
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	if err := config.SetValue(key, parseValue(raw)); err != nil {
		return err
	}
	fmt.Printf("Set %s = %s in %s\n", key, raw, config.UserConfigPath())
	return nil
}

// parseValue guesses the TOML type for a raw CLI value.
func parseValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
