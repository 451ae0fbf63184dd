package worker

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/delegate"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/task"
)

// Workspace artifact names. TASK.md is the input the delegate saw;
// OUTPUT.md is what it produced.
const (
	taskArtifact   = "TASK.md"
	outputArtifact = "OUTPUT.md"
)

// prepareWorkspace creates tasks/running/<id>/ with the task artifact.
// A leftover directory from a previous attempt is reused.
func (p *Pool) prepareWorkspace(t *task.Task) (string, error) {
	dir := p.cfg.TaskDir("running", t.ID)
	if err := os.MkdirAll(dir, config.DefaultDirPermissions); err != nil {
		return "", errors.Wrapf(err, "failed to create workspace %s", dir)
	}
	content := "# " + t.Name + "\n\n" + t.Payload + "\n"
	if err := os.WriteFile(filepath.Join(dir, taskArtifact), []byte(content), config.DefaultFilePermissions); err != nil {
		return "", errors.Wrap(err, "failed to write task artifact")
	}
	return dir, nil
}

// finishWorkspace records the delegate's output next to the task
// artifact.
func (p *Pool) finishWorkspace(dir string, t *task.Task, env *delegate.Envelope) error {
	out := env.Output
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, outputArtifact), []byte(out), config.DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write output artifact")
	}
	return nil
}

// promoteWorkspace moves tasks/running/<id> to tasks/review/<id> after a
// successful submit.
func (p *Pool) promoteWorkspace(taskID string) error {
	return moveWorkspace(p.cfg, taskID, "running", "review")
}

// archiveFailedWorkspace moves the workspace to tasks/failed/<id> when
// the retry budget is spent.
func (p *Pool) archiveFailedWorkspace(taskID string) error {
	return moveWorkspace(p.cfg, taskID, "running", "failed")
}

// moveWorkspace relocates a task directory between state directories.
// A source that never existed is not an error: not every attempt wrote
// artifacts.
func moveWorkspace(cfg *config.Config, taskID, from, to string) error {
	src := cfg.TaskDir(from, taskID)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dst := cfg.TaskDir(to, taskID)
	if err := os.RemoveAll(dst); err != nil {
		return errors.Wrapf(err, "failed to clear %s", dst)
	}
	if err := os.Rename(src, dst); err != nil {
		return errors.Wrapf(err, "failed to move workspace %s -> %s", src, dst)
	}
	return nil
}
