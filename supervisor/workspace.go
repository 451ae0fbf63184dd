package supervisor

import (
	"os"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/errors"
)

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
