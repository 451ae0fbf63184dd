package config

// Config represents the core drover configuration
type Config struct {
	Paths      PathsConfig      `mapstructure:"paths"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Task       TaskConfig       `mapstructure:"task"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Gates      GatesConfig      `mapstructure:"gates"`
	Consensus  ConsensusConfig  `mapstructure:"consensus"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Daemon     DaemonConfig     `mapstructure:"daemon"`
	Delegate   DelegateConfig   `mapstructure:"delegate"`
}

// PathsConfig configures the on-disk root everything else hangs off
type PathsConfig struct {
	Root string `mapstructure:"root"` // default: ~/.drover
}

// LoggingConfig configures log output
type LoggingConfig struct {
	JSON  bool   `mapstructure:"json"`  // structured JSON output for daemon mode (default: false)
	Theme string `mapstructure:"theme"` // Color theme: gruvbox, everforest
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Size           int           `mapstructure:"size"`             // Number of unbound workers (default: 3)
	MinPollMS      int           `mapstructure:"min_poll_ms"`      // Idle poll floor in ms (default: 500)
	MaxPollMS      int           `mapstructure:"max_poll_ms"`      // Idle poll ceiling in ms (default: 5000)
	ShutdownGraceS int           `mapstructure:"shutdown_grace_s"` // Seconds in-flight tasks get on shutdown (default: 30)
	Bindings       []PoolBinding `mapstructure:"bindings"`         // Model/shard-bound workers, in addition to Size
}

// PoolBinding declares workers restricted to a model and/or shard.
// Model- and shard-assigned tasks are only claimable by a matching
// worker, so every assignment used in intake artifacts needs a binding.
type PoolBinding struct {
	Model string `mapstructure:"model"`
	Shard string `mapstructure:"shard"`
	Count int    `mapstructure:"count"` // default: 1
}

// QueueConfig configures the intake watcher
type QueueConfig struct {
	PollS int `mapstructure:"poll_s"` // Queue directory scan interval (default: 5)
}

// TaskConfig configures per-task execution limits
type TaskConfig struct {
	// Timeout maps a task type name to its heartbeat timeout in seconds.
	// Types not present fall back to the defaults in TimeoutFor.
	Timeout             map[string]int `mapstructure:"timeout"`
	MaxRetries          int            `mapstructure:"max_retries"`           // default: 3
	MaxRejectionRetries int            `mapstructure:"max_rejection_retries"` // default: 2
}

// RetryConfig configures the backoff schedule for requeued tasks
type RetryConfig struct {
	BaseS     int `mapstructure:"base_s"`     // First-retry delay in seconds (default: 5)
	MaxS      int `mapstructure:"max_s"`      // Backoff ceiling in seconds (default: 300)
	JitterPct int `mapstructure:"jitter_pct"` // +/- jitter applied to each delay (default: 20)
}

// BreakerConfig configures per-model circuit breakers
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"` // Consecutive failures before OPEN (default: 5)
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`  // OPEN -> HALF_OPEN wait (default: 60)
}

// BudgetConfig configures spend-rate enforcement
type BudgetConfig struct {
	SoftPausePerMin float64 `mapstructure:"soft_pause_per_min"` // $/min that pauses new claims (0 = disabled)
	KillPerMin      float64 `mapstructure:"kill_per_min"`       // $/min that terminates the daemon (default: 1.00)
	WatchdogTickS   int     `mapstructure:"watchdog_tick_s"`    // Watchdog evaluation interval (default: 30)
}

// GatesConfig configures the quality gate engine
type GatesConfig struct {
	CoverageThresholdPct int               `mapstructure:"coverage_threshold_pct"` // default: 80
	MissingToolPolicy    string            `mapstructure:"missing_tool_policy"`    // fail_blocking | skip (default: fail_blocking)
	MaxDiffLines         int               `mapstructure:"max_diff_lines"`         // default: 1500
	PerfRegressionPct    float64           `mapstructure:"perf_regression_pct"`    // default: 10.0
	Disabled             []string          `mapstructure:"disabled"`               // check ids to skip entirely
	Commands             map[string]string `mapstructure:"commands"`               // check id -> command override
}

// Missing-tool policies
const (
	MissingToolFailBlocking = "fail_blocking"
	MissingToolSkip         = "skip"
)

// ConsensusConfig configures multi-model decision aggregation
type ConsensusConfig struct {
	QuorumK int                `mapstructure:"quorum_k"` // default: 2
	Mode    string             `mapstructure:"mode"`     // majority | quorum | weighted | veto
	Weights map[string]float64 `mapstructure:"weights"`  // model -> vote weight (weighted mode)
	Models  []string           `mapstructure:"models"`   // models polled for consensus
}

// Consensus modes
const (
	ConsensusMajority = "majority"
	ConsensusQuorum   = "quorum"
	ConsensusWeighted = "weighted"
	ConsensusVeto     = "veto"
)

// RecoveryConfig configures the stale/zombie sweeper
type RecoveryConfig struct {
	StaleTimeoutS  int `mapstructure:"stale_timeout_s"`  // 0 = derive from task type timeout
	ZombieTimeoutS int `mapstructure:"zombie_timeout_s"` // 0 = derive from task type timeout
	SweepS         int `mapstructure:"sweep_s"`          // Sweep interval (default: 15)
	GraceS         int `mapstructure:"grace_s"`          // Slack added to timeouts before recovery (default: 30)
}

// SupervisorConfig configures the review loop
type SupervisorConfig struct {
	PollS int `mapstructure:"poll_s"` // REVIEW queue scan interval (default: 5)
}

// DaemonConfig configures component supervision
type DaemonConfig struct {
	MaxRestarts int `mapstructure:"max_restarts"` // Component restarts before COMPONENT_FATAL (default: 5)
}

// DelegateConfig configures the external model processes. The model set is a
// closed enumeration; adding one is a strategy-table edit here, not a code
// change elsewhere.
type DelegateConfig struct {
	Chain  []string    `mapstructure:"chain"` // fallback order (default: [claude codex gemini])
	Claude ModelConfig `mapstructure:"claude"`
	Codex  ModelConfig `mapstructure:"codex"`
	Gemini ModelConfig `mapstructure:"gemini"`
}

// ModelConfig is the per-model strategy entry
type ModelConfig struct {
	Command           string   `mapstructure:"command"`              // shell-quoted launch command
	Enabled           bool     `mapstructure:"enabled"`              // default: true
	MaxCallsPerMinute int      `mapstructure:"max_calls_per_minute"` // launch pacing (default: 10)
	InputUSDPer1K     float64  `mapstructure:"input_usd_per_1k"`     // input token price
	OutputUSDPer1K    float64  `mapstructure:"output_usd_per_1k"`    // output token price
	Weight            float64  `mapstructure:"weight"`               // weighted-consensus fallback weight (default: 1.0)
	EnvPassthrough    []string `mapstructure:"env_passthrough"`      // env vars forwarded to the delegate process
}

// Known model names
const (
	ModelClaude = "claude"
	ModelCodex  = "codex"
	ModelGemini = "gemini"
)

// Model returns the strategy entry for a known model name.
func (d DelegateConfig) Model(name string) (ModelConfig, bool) {
	switch name {
	case ModelClaude:
		return d.Claude, true
	case ModelCodex:
		return d.Codex, true
	case ModelGemini:
		return d.Gemini, true
	}
	return ModelConfig{}, false
}

// KnownModels returns the closed model enumeration in chain order.
func KnownModels() []string {
	return []string{ModelClaude, ModelCodex, ModelGemini}
}

// WeightFor resolves a model's consensus weight: explicit consensus.weights
// entry first, then the model's own weight, then 1.0.
func (c *Config) WeightFor(model string) float64 {
	if w, ok := c.Consensus.Weights[model]; ok {
		return w
	}
	if m, ok := c.Delegate.Model(model); ok && m.Weight > 0 {
		return m.Weight
	}
	return 1.0
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
