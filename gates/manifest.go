package gates

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/droverhq/drover/errors"
)

// ManifestName is the workspace-relative path of the gate manifest.
const ManifestName = ".drover/gates.toml"

// Manifest binds tool-backed checks to commands for one workspace.
//
//	[commands]
//	"EXE-001" = "go test ./..."
//	"EXE-003" = "golangci-lint run"
type Manifest struct {
	Commands map[string]string `toml:"commands"`
}

// LoadManifest reads the workspace manifest. A missing manifest is not an
// error: the engine falls back to the global command table for every
// check.
func LoadManifest(workspace string) (*Manifest, error) {
	path := filepath.Join(workspace, ManifestName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read gate manifest %s", path)
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "malformed gate manifest %s", path)
	}
	return &m, nil
}

// CommandFor resolves a check's command: workspace manifest first, global
// table second. Empty means the check is not configured.
func (m *Manifest) CommandFor(id string, global map[string]string) string {
	if cmd, ok := m.Commands[id]; ok && cmd != "" {
		return cmd
	}
	return global[id]
}
