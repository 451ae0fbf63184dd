package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/redact"
	"github.com/droverhq/drover/task"
)

// EnqueueCmd writes a task artifact into the queue directory. The
// daemon's intake watcher picks it up from there; enqueue never touches
// the database, so it works whether or not the daemon is running.
var EnqueueCmd = &cobra.Command{
	Use:   "enqueue ID",
	Short: "Drop a task artifact into the queue",
	Long: `Write a task artifact into the queue directory for the daemon to ingest.

The ID becomes the artifact stem and the task id. The payload comes from
--payload, --file, or stdin, in that order of preference. Task metadata
beyond the priority directory is written as TOML front-matter.

Examples:
  drover enqueue fix-parser --priority HIGH --payload "Fix the parser"
  drover enqueue add-tests --type TEST_SUITE --file instructions.md
  cat TASK.md | drover enqueue refactor-store --model claude`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

var (
	enqueuePriority   string
	enqueueType       string
	enqueueName       string
	enqueueModel      string
	enqueueShard      string
	enqueueLane       string
	enqueueMaxRetries int
	enqueuePayload    string
	enqueueFile       string
)

func init() {
	EnqueueCmd.Flags().StringVar(&enqueuePriority, "priority", "MEDIUM", "Queue priority: CRITICAL, HIGH, MEDIUM, LOW")
	EnqueueCmd.Flags().StringVar(&enqueueType, "type", "", "Task type (e.g. IMPLEMENTATION, BUGFIX, TEST_SUITE)")
	EnqueueCmd.Flags().StringVar(&enqueueName, "name", "", "Display name (defaults to the id)")
	EnqueueCmd.Flags().StringVar(&enqueueModel, "model", "", "Pin execution to one delegate model")
	EnqueueCmd.Flags().StringVar(&enqueueShard, "shard", "", "Restrict the task to a worker shard")
	EnqueueCmd.Flags().StringVar(&enqueueLane, "lane", "", "Scheduling lane label")
	EnqueueCmd.Flags().IntVar(&enqueueMaxRetries, "max-retries", 0, "Override the retry budget")
	EnqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "Task instructions as a string")
	EnqueueCmd.Flags().StringVar(&enqueueFile, "file", "", "Read task instructions from a file")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	id := args[0]
	if strings.ContainsAny(id, "/\\") || strings.HasPrefix(id, ".") {
		return errors.Newf("invalid task id %q: must be a plain file stem", id)
	}
	if redact.IsSensitivePath(id) {
		return errors.Newf("refusing to enqueue %q: the id matches a sensitive file pattern", id)
	}

	priority, ok := task.ParsePriority(enqueuePriority)
	if !ok {
		return errors.Newf("unknown priority %q", enqueuePriority)
	}

	payload, err := resolvePayload()
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.EnsureLayout(); err != nil {
		return err
	}

	content := renderArtifact(payload)
	path := filepath.Join(cfg.QueueSubdir(string(priority)), id+".task")
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("artifact %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(content), config.DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write artifact %s", path)
	}

	fmt.Printf("Enqueued %s\n", path)
	return nil
}

// resolvePayload picks the instruction source: flag, file, then stdin.
func resolvePayload() (string, error) {
	if enqueuePayload != "" && enqueueFile != "" {
		return "", errors.New("cannot specify both --payload and --file")
	}
	if enqueuePayload != "" {
		return enqueuePayload, nil
	}
	if enqueueFile != "" {
		if redact.IsSensitivePath(enqueueFile) {
			return "", errors.Newf("refusing to read %s: sensitive file pattern", enqueueFile)
		}
		data, err := os.ReadFile(enqueueFile)
		if err != nil {
			return "", errors.Wrapf(err, "failed to read %s", enqueueFile)
		}
		return string(data), nil
	}

	stat, err := os.Stdin.Stat()
	if err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", errors.Wrap(err, "failed to read stdin")
		}
		return string(data), nil
	}
	return "", errors.New("no payload: use --payload, --file, or pipe instructions on stdin")
}

// renderArtifact emits the artifact body, with a TOML front-matter block
// when any metadata flag was set.
func renderArtifact(payload string) string {
	var fm strings.Builder
	writeKey := func(key, value string) {
		if value != "" {
			fm.WriteString(key)
			fm.WriteString(" = \"")
			fm.WriteString(value)
			fm.WriteString("\"\n")
		}
	}
	writeKey("name", enqueueName)
	writeKey("type", enqueueType)
	writeKey("model", enqueueModel)
	writeKey("shard", enqueueShard)
	writeKey("lane", enqueueLane)
	if enqueueMaxRetries > 0 {
		fmt.Fprintf(&fm, "max_retries = %d\n", enqueueMaxRetries)
	}

	if fm.Len() == 0 {
		return payload
	}
	return "+++\n" + fm.String() + "+++\n" + payload
}
