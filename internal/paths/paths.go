// Package paths provides centralized path resolution for wabridge.
// This package has NO internal imports (only stdlib) to avoid import cycles.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the name of the bridge config file.
const ConfigFileName = "wabridge.json"

// BaseDir returns the wabridge base directory (~/.wabridge).
// WABRIDGE_HOME overrides it.
func BaseDir() (string, error) {
	if dir := os.Getenv("WABRIDGE_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".wabridge"), nil
}

// DataPath returns a path within the wabridge data directory (~/.wabridge/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the config file to use.
// Priority: explicit path > ./wabridge.json > ~/.wabridge/wabridge.json.
// When nothing exists yet, the global location is returned so the loader
// knows where to write a template.
func ConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return filepath.Abs(explicit)
	}

	if _, err := os.Stat(ConfigFileName); err == nil {
		absPath, err := filepath.Abs(ConfigFileName)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	return DataPath(ConfigFileName)
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}
