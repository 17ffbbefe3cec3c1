// Package paths provides centralized path resolution for wagate.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	baseOverride string
	baseMu       sync.RWMutex
)

// SetBaseDir overrides the data directory (config "dataDir").
// An empty dir restores the default ~/.wagate.
func SetBaseDir(dir string) error {
	expanded, err := ExpandTilde(dir)
	if err != nil {
		return err
	}
	baseMu.Lock()
	defer baseMu.Unlock()
	baseOverride = expanded
	return nil
}

// BaseDir returns the wagate base directory (~/.wagate unless overridden).
func BaseDir() (string, error) {
	baseMu.RLock()
	override := baseOverride
	baseMu.RUnlock()
	if override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".wagate"), nil
}

// DataPath returns a path within the data directory (<base>/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ValidateTenantID rejects ids that cannot be used as a directory name.
func ValidateTenantID(tenantID string) error {
	if tenantID == "" || strings.ContainsAny(tenantID, `/\`) || tenantID == "." || tenantID == ".." {
		return fmt.Errorf("invalid tenant id %q", tenantID)
	}
	return nil
}

// AuthDir returns the directory holding materialized credentials for a tenant.
func AuthDir(tenantID string) (string, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	return DataPath(filepath.Join("auth", tenantID))
}

// ConfigPath returns the active wagate.json path.
// Priority: ./wagate.json (current dir) > ~/.wagate/wagate.json
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	localPath := "wagate.json"
	if _, err := os.Stat(localPath); err == nil {
		absPath, err := filepath.Abs(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	globalPath, err := DefaultConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", nil
}

// DefaultConfigPath returns the default location for new configs.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".wagate", "wagate.json"), nil
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
