package config

import "github.com/droverhq/drover/errors"

// Validate checks that the configuration is valid. The daemon runs this as
// preflight and refuses to start on any error.
func (c *Config) Validate() error {
	// Pool size: 0 = no workers (enqueue-only node), negative = invalid
	if c.Pool.Size < 0 {
		return errors.Newf("pool.size must be >= 0, got %d", c.Pool.Size)
	}
	if c.Pool.MinPollMS <= 0 {
		return errors.Newf("pool.min_poll_ms must be > 0, got %d", c.Pool.MinPollMS)
	}
	if c.Pool.MaxPollMS < c.Pool.MinPollMS {
		return errors.Newf("pool.max_poll_ms must be >= pool.min_poll_ms, got %d < %d",
			c.Pool.MaxPollMS, c.Pool.MinPollMS)
	}
	if c.Pool.ShutdownGraceS < 0 {
		return errors.Newf("pool.shutdown_grace_s must be >= 0, got %d", c.Pool.ShutdownGraceS)
	}
	for i, b := range c.Pool.Bindings {
		if b.Model == "" && b.Shard == "" {
			return errors.Newf("pool.bindings[%d] must set model or shard", i)
		}
		if b.Model != "" {
			if _, ok := c.Delegate.Model(b.Model); !ok {
				return errors.Newf("pool.bindings[%d] references unknown model %q", i, b.Model)
			}
		}
		if b.Count < 0 {
			return errors.Newf("pool.bindings[%d].count must be >= 0, got %d", i, b.Count)
		}
	}

	// Queue and loop intervals: these drive tickers so 0 is invalid
	if c.Queue.PollS <= 0 {
		return errors.Newf("queue.poll_s must be > 0, got %d", c.Queue.PollS)
	}
	if c.Recovery.SweepS <= 0 {
		return errors.Newf("recovery.sweep_s must be > 0, got %d", c.Recovery.SweepS)
	}
	if c.Supervisor.PollS <= 0 {
		return errors.Newf("supervisor.poll_s must be > 0, got %d", c.Supervisor.PollS)
	}

	// Retry limits: 0 = no retries (valid), negative = invalid
	if c.Task.MaxRetries < 0 {
		return errors.Newf("task.max_retries must be >= 0, got %d", c.Task.MaxRetries)
	}
	if c.Task.MaxRejectionRetries < 0 {
		return errors.Newf("task.max_rejection_retries must be >= 0, got %d", c.Task.MaxRejectionRetries)
	}
	for taskType, seconds := range c.Task.Timeout {
		if seconds <= 0 {
			return errors.Newf("task.timeout.%s must be > 0, got %d", taskType, seconds)
		}
	}

	// Backoff schedule
	if c.Retry.BaseS <= 0 {
		return errors.Newf("retry.base_s must be > 0, got %d", c.Retry.BaseS)
	}
	if c.Retry.MaxS < c.Retry.BaseS {
		return errors.Newf("retry.max_s must be >= retry.base_s, got %d < %d", c.Retry.MaxS, c.Retry.BaseS)
	}
	if c.Retry.JitterPct < 0 || c.Retry.JitterPct > 100 {
		return errors.Newf("retry.jitter_pct must be in [0,100], got %d", c.Retry.JitterPct)
	}

	// Circuit breaker
	if c.Breaker.FailureThreshold < 1 {
		return errors.Newf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.CooldownSeconds < 1 {
		return errors.Newf("breaker.cooldown_seconds must be >= 1, got %d", c.Breaker.CooldownSeconds)
	}

	// Budget thresholds: 0 = disabled, negative = invalid
	if c.Budget.SoftPausePerMin < 0 {
		return errors.Newf("budget.soft_pause_per_min must be >= 0, got %f", c.Budget.SoftPausePerMin)
	}
	if c.Budget.KillPerMin < 0 {
		return errors.Newf("budget.kill_per_min must be >= 0, got %f", c.Budget.KillPerMin)
	}
	if c.Budget.SoftPausePerMin > 0 && c.Budget.KillPerMin > 0 &&
		c.Budget.SoftPausePerMin > c.Budget.KillPerMin {
		return errors.Newf("budget.soft_pause_per_min (%f) must not exceed budget.kill_per_min (%f)",
			c.Budget.SoftPausePerMin, c.Budget.KillPerMin)
	}
	if c.Budget.WatchdogTickS <= 0 {
		return errors.Newf("budget.watchdog_tick_s must be > 0, got %d", c.Budget.WatchdogTickS)
	}

	// Quality gates
	if c.Gates.CoverageThresholdPct < 0 || c.Gates.CoverageThresholdPct > 100 {
		return errors.Newf("gates.coverage_threshold_pct must be in [0,100], got %d", c.Gates.CoverageThresholdPct)
	}
	if c.Gates.MissingToolPolicy != MissingToolFailBlocking && c.Gates.MissingToolPolicy != MissingToolSkip {
		return errors.Newf("gates.missing_tool_policy must be %q or %q, got %q",
			MissingToolFailBlocking, MissingToolSkip, c.Gates.MissingToolPolicy)
	}
	if c.Gates.MaxDiffLines < 0 {
		return errors.Newf("gates.max_diff_lines must be >= 0, got %d", c.Gates.MaxDiffLines)
	}
	if c.Gates.PerfRegressionPct < 0 {
		return errors.Newf("gates.perf_regression_pct must be >= 0, got %f", c.Gates.PerfRegressionPct)
	}

	// Consensus
	if c.Consensus.QuorumK < 1 {
		return errors.Newf("consensus.quorum_k must be >= 1, got %d", c.Consensus.QuorumK)
	}
	switch c.Consensus.Mode {
	case ConsensusMajority, ConsensusQuorum, ConsensusWeighted, ConsensusVeto:
	default:
		return errors.Newf("consensus.mode must be one of majority|quorum|weighted|veto, got %q", c.Consensus.Mode)
	}
	for model, weight := range c.Consensus.Weights {
		if weight < 0 {
			return errors.Newf("consensus.weights.%s must be >= 0, got %f", model, weight)
		}
	}
	for _, model := range c.Consensus.Models {
		if _, ok := c.Delegate.Model(model); !ok {
			return errors.Newf("consensus.models contains unknown model %q", model)
		}
	}

	// Recovery overrides: 0 = derive from task type, negative = invalid
	if c.Recovery.StaleTimeoutS < 0 {
		return errors.Newf("recovery.stale_timeout_s must be >= 0, got %d", c.Recovery.StaleTimeoutS)
	}
	if c.Recovery.ZombieTimeoutS < 0 {
		return errors.Newf("recovery.zombie_timeout_s must be >= 0, got %d", c.Recovery.ZombieTimeoutS)
	}
	if c.Recovery.GraceS < 0 {
		return errors.Newf("recovery.grace_s must be >= 0, got %d", c.Recovery.GraceS)
	}

	// Daemon supervision
	if c.Daemon.MaxRestarts < 0 {
		return errors.Newf("daemon.max_restarts must be >= 0, got %d", c.Daemon.MaxRestarts)
	}

	// Delegate strategy table
	if len(c.Delegate.Chain) == 0 {
		return errors.New("delegate.chain cannot be empty")
	}
	for _, model := range c.Delegate.Chain {
		if _, ok := c.Delegate.Model(model); !ok {
			return errors.Newf("delegate.chain contains unknown model %q", model)
		}
	}
	for _, name := range KnownModels() {
		m, _ := c.Delegate.Model(name)
		if m.Enabled && m.Command == "" {
			return errors.Newf("delegate.%s.command cannot be empty when enabled", name)
		}
		if m.MaxCallsPerMinute < 0 {
			return errors.Newf("delegate.%s.max_calls_per_minute must be >= 0, got %d", name, m.MaxCallsPerMinute)
		}
		if m.InputUSDPer1K < 0 || m.OutputUSDPer1K < 0 {
			return errors.Newf("delegate.%s token prices must be >= 0", name)
		}
		if m.Weight < 0 {
			return errors.Newf("delegate.%s.weight must be >= 0, got %f", name, m.Weight)
		}
	}

	return nil
}
