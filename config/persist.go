package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/droverhq/drover/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	// Check if file exists before backing up
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate backups: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	// Delete oldest backup if exists
	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		// Log deletion failures (but don't fail config save)
		fmt.Printf("warning: failed to delete old backup %s: %v\n", back3, err)
	}

	// Rotate .back2 to .back3
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	// Rotate .back1 to .back2
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	// Copy current to .back1
	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// loadOrInitializeFile loads a TOML config file as a raw map, or starts an
// empty one if it doesn't exist yet
func loadOrInitializeFile(configPath string) (map[string]interface{}, error) {
	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create config directory")
	}

	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		// File exists, parse it
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	} else {
		// File doesn't exist, start empty
		config = make(map[string]interface{})
	}

	return config, nil
}

// saveFile writes the config map to disk with backup rotation
func saveFile(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write config")
	}

	return nil
}

// setValueInFile sets a dotted key in the given TOML file, creating nested
// sections as needed
func setValueInFile(configPath, key string, value interface{}) error {
	config, err := loadOrInitializeFile(configPath)
	if err != nil {
		return err
	}

	parts := strings.Split(key, ".")
	if len(parts) == 0 || parts[0] == "" {
		return errors.Newf("invalid config key %q", key)
	}

	// Walk to the parent section, creating maps as we go
	section := config
	for _, part := range parts[:len(parts)-1] {
		child, ok := section[part].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			section[part] = child
		}
		section = child
	}
	section[parts[len(parts)-1]] = value

	return saveFile(config, configPath)
}

// SetValue persists a dotted configuration key to the user config file at
// ~/.drover/drover.toml with backup rotation
func SetValue(key string, value interface{}) error {
	configPath := UserConfigPath()
	if configPath == "" {
		return errors.New("could not determine home directory")
	}
	return setValueInFile(configPath, key, value)
}

// UpdateBudgetKillPerMin updates the hard spend-rate ceiling in user config
func UpdateBudgetKillPerMin(killPerMin float64) error {
	return SetValue("budget.kill_per_min", killPerMin)
}

// UpdateBudgetSoftPause updates the soft spend-rate threshold in user config
func UpdateBudgetSoftPause(softPausePerMin float64) error {
	return SetValue("budget.soft_pause_per_min", softPausePerMin)
}

// UpdatePoolSize updates the worker pool size in user config
func UpdatePoolSize(size int) error {
	return SetValue("pool.size", size)
}
