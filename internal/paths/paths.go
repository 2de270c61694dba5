// Package paths provides centralized path resolution for tablesage.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns the tablesage base directory (~/.tablesage).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".tablesage"), nil
}

// DataPath returns a path within the tablesage data directory (~/.tablesage/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active tablesage.json path.
// Priority: TABLESAGE_CONFIG env > ./tablesage.json (current dir) > ~/.tablesage/tablesage.json
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	if env := os.Getenv("TABLESAGE_CONFIG"); env != "" {
		return env, nil
	}

	// Check local first
	localPath := "tablesage.json"
	if _, err := os.Stat(localPath); err == nil {
		absPath, err := filepath.Abs(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	// Check global
	globalPath, err := DataPath("tablesage.json")
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	// No config found - valid state
	return "", nil
}

// DefaultConfigPath returns the default location for new configs (~/.tablesage/tablesage.json).
func DefaultConfigPath() (string, error) {
	return DataPath("tablesage.json")
}

// DefaultSessionDBPath returns the default session database path (~/.tablesage/sessions.db).
func DefaultSessionDBPath() (string, error) {
	return DataPath("sessions.db")
}

// DefaultRulesPath returns the default sanitizer rules path (~/.tablesage/redaction.toml).
func DefaultRulesPath() (string, error) {
	return DataPath("redaction.toml")
}

// DefaultCatalogPath returns the default schema catalog path (~/.tablesage/catalog.yaml).
func DefaultCatalogPath() (string, error) {
	return DataPath("catalog.yaml")
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

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
