package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Queue priority subdirectories under <root>/tasks/queue, highest first.
var QueuePriorities = []string{"CRITICAL", "HIGH", "MEDIUM", "LOW"}

// Task state directories under <root>/tasks that hold per-task workspaces.
var TaskStateDirs = []string{"running", "review", "completed", "rejected", "failed"}

// RootDir returns paths.root with a leading ~ expanded.
func (c *Config) RootDir() string {
	root := c.Paths.Root
	if root == "" {
		root = "~/.drover"
	}
	if root == "~" || strings.HasPrefix(root, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, strings.TrimPrefix(root, "~"))
		}
	}
	return root
}

// QueueDir returns <root>/tasks/queue.
func (c *Config) QueueDir() string {
	return filepath.Join(c.RootDir(), "tasks", "queue")
}

// QueueSubdir returns the priority subdirectory of the queue.
func (c *Config) QueueSubdir(priority string) string {
	return filepath.Join(c.QueueDir(), priority)
}

// TaskDir returns the workspace directory for a task in a given state
// directory (running, review, completed, rejected, failed).
func (c *Config) TaskDir(state, taskID string) string {
	return filepath.Join(c.RootDir(), "tasks", state, taskID)
}

// StateDir returns <root>/state.
func (c *Config) StateDir() string {
	return filepath.Join(c.RootDir(), "state")
}

// CostsDir returns <root>/state/costs, holding daily cost sample journals.
func (c *Config) CostsDir() string {
	return filepath.Join(c.StateDir(), "costs")
}

// LocksDir returns <root>/state/locks, holding flock files for named locks.
func (c *Config) LocksDir() string {
	return filepath.Join(c.StateDir(), "locks")
}

// LogsDir returns <root>/logs.
func (c *Config) LogsDir() string {
	return filepath.Join(c.RootDir(), "logs")
}

// EventsLogPath returns the masked JSONL event mirror.
func (c *Config) EventsLogPath() string {
	return filepath.Join(c.LogsDir(), "events.log")
}

// GetDatabasePath returns the state store path. DROVER_DB_PATH overrides
// the derived location (for dev mode and tests).
func (c *Config) GetDatabasePath() string {
	if dbPath := os.Getenv("DROVER_DB_PATH"); dbPath != "" {
		return dbPath
	}
	return filepath.Join(c.StateDir(), "store.db")
}

// EnsureLayout creates every directory the daemon expects under the root.
// Called by preflight before anything opens the store or queue.
func (c *Config) EnsureLayout() error {
	dirs := []string{
		c.QueueDir(),
		c.StateDir(),
		c.CostsDir(),
		c.LocksDir(),
		c.LogsDir(),
	}
	for _, p := range QueuePriorities {
		dirs = append(dirs, c.QueueSubdir(p))
	}
	for _, s := range TaskStateDirs {
		dirs = append(dirs, filepath.Join(c.RootDir(), "tasks", s))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat timeout defaults by task type, in seconds. Configured
// task.timeout.<type> entries override these.
var defaultTimeoutS = map[string]int{
	"LINT":           300,
	"FORMAT":         300,
	"REVIEW_CODE":    300,
	"IMPLEMENTATION": 900,
	"BUGFIX":         900,
	"GENERAL":        900,
	"RESEARCH":       900,
	"DESIGN":         900,
	"TEST_SUITE":     1800,
	"SECURITY_AUDIT": 1800,
	"COVERAGE":       1800,
}

// TimeoutFor returns the heartbeat timeout for a task type. Unknown types
// get the GENERAL default. Viper lowercases TOML keys, so the configured
// map is consulted case-insensitively.
func (c *Config) TimeoutFor(taskType string) time.Duration {
	if s, ok := c.Task.Timeout[taskType]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	if s, ok := c.Task.Timeout[strings.ToLower(taskType)]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	if s, ok := defaultTimeoutS[strings.ToUpper(taskType)]; ok {
		return time.Duration(s) * time.Second
	}
	return time.Duration(defaultTimeoutS["GENERAL"]) * time.Second
}

// StaleTimeoutFor returns how long a RUNNING task may go without a heartbeat
// before the recovery sweeper requeues it: an explicit recovery override, or
// the task type timeout, plus the recovery grace.
func (c *Config) StaleTimeoutFor(taskType string) time.Duration {
	base := c.TimeoutFor(taskType)
	if c.Recovery.StaleTimeoutS > 0 {
		base = time.Duration(c.Recovery.StaleTimeoutS) * time.Second
	}
	return base + time.Duration(c.Recovery.GraceS)*time.Second
}

// ZombieTimeoutFor returns how long a claimed task may sit with a dead
// worker process before zombie recovery requeues it.
func (c *Config) ZombieTimeoutFor(taskType string) time.Duration {
	base := c.TimeoutFor(taskType)
	if c.Recovery.ZombieTimeoutS > 0 {
		base = time.Duration(c.Recovery.ZombieTimeoutS) * time.Second
	}
	return base + time.Duration(c.Recovery.GraceS)*time.Second
}
