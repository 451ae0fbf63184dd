package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Path defaults
	v.SetDefault("paths.root", "~/.drover")

	// Logging defaults
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.theme", "everforest")

	// Worker pool defaults
	v.SetDefault("pool.size", 3)
	v.SetDefault("pool.min_poll_ms", 500)
	v.SetDefault("pool.max_poll_ms", 5000)
	v.SetDefault("pool.shutdown_grace_s", 30)

	// Intake defaults
	v.SetDefault("queue.poll_s", 5)

	// Task execution defaults
	v.SetDefault("task.max_retries", 3)
	v.SetDefault("task.max_rejection_retries", 2)
	for taskType, seconds := range defaultTimeoutS {
		v.SetDefault("task.timeout."+taskType, seconds)
	}

	// Retry backoff defaults
	v.SetDefault("retry.base_s", 5)
	v.SetDefault("retry.max_s", 300)
	v.SetDefault("retry.jitter_pct", 20)

	// Circuit breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown_seconds", 60)

	// Budget watchdog defaults
	v.SetDefault("budget.soft_pause_per_min", 0.0) // 0 = soft pause disabled
	v.SetDefault("budget.kill_per_min", 1.00)      // Hard $/min ceiling
	v.SetDefault("budget.watchdog_tick_s", 30)

	// Quality gate defaults
	v.SetDefault("gates.coverage_threshold_pct", 80)
	v.SetDefault("gates.missing_tool_policy", MissingToolFailBlocking)
	v.SetDefault("gates.max_diff_lines", 1500)
	v.SetDefault("gates.perf_regression_pct", 10.0)

	// Consensus defaults
	v.SetDefault("consensus.quorum_k", 2)
	v.SetDefault("consensus.mode", ConsensusMajority)
	v.SetDefault("consensus.models", KnownModels())

	// Recovery sweeper defaults
	v.SetDefault("recovery.sweep_s", 15)
	v.SetDefault("recovery.grace_s", 30)

	// Supervisor defaults
	v.SetDefault("supervisor.poll_s", 5)

	// Daemon supervision defaults
	v.SetDefault("daemon.max_restarts", 5)

	// Delegate strategy table defaults
	v.SetDefault("delegate.chain", KnownModels())
	for _, model := range KnownModels() {
		v.SetDefault("delegate."+model+".command", model)
		v.SetDefault("delegate."+model+".enabled", true)
		v.SetDefault("delegate."+model+".max_calls_per_minute", 10)
		v.SetDefault("delegate."+model+".weight", 1.0)
	}
	// Each CLI's own credential is forwarded; everything else in the
	// daemon environment stays out of the child.
	v.SetDefault("delegate.claude.env_passthrough", []string{"ANTHROPIC_API_KEY"})
	v.SetDefault("delegate.codex.env_passthrough", []string{"OPENAI_API_KEY"})
	v.SetDefault("delegate.gemini.env_passthrough", []string{"GEMINI_API_KEY"})
}

// BindSensitiveEnvVars explicitly binds operational overrides to environment
// variables so they work even without a config file on disk
func BindSensitiveEnvVars(v *viper.Viper) {
	// Root location
	v.BindEnv("paths.root", "DROVER_PATHS_ROOT")

	// Budget ceiling (ops kill switch)
	v.BindEnv("budget.kill_per_min", "DROVER_BUDGET_KILL_PER_MIN")

	// Delegate launch commands
	v.BindEnv("delegate.claude.command", "DROVER_DELEGATE_CLAUDE_COMMAND")
	v.BindEnv("delegate.codex.command", "DROVER_DELEGATE_CODEX_COMMAND")
	v.BindEnv("delegate.gemini.command", "DROVER_DELEGATE_GEMINI_COMMAND")
}

// GetLogTheme returns the log theme (default: everforest)
func (c *Config) GetLogTheme() string {
	if c.Logging.Theme == "" {
		return "everforest"
	}
	return c.Logging.Theme
}

// EnabledModels returns the chain-ordered models that are enabled and have a
// launch command.
func (c *Config) EnabledModels() []string {
	chain := c.Delegate.Chain
	if len(chain) == 0 {
		chain = KnownModels()
	}
	out := make([]string, 0, len(chain))
	for _, name := range chain {
		m, ok := c.Delegate.Model(name)
		if ok && m.Enabled && m.Command != "" {
			out = append(out, name)
		}
	}
	return out
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Root: %s, Pool: {Size: %d}, Consensus: {Mode: %s}}",
		c.RootDir(), c.Pool.Size, c.Consensus.Mode)
}
