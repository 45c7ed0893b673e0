// Package autoconfig provides automatic configuration management for zero-configuration setup.
package autoconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// defaultStateDir is the fallback overlay state directory per spec.md §6 when
// XDG_DATA_HOME is unset. Operators are expected to back this with a
// memory-only filesystem; this package never assumes that, it only picks
// the path.
const defaultStateDir = "/var/lib/tor/state"

// OverlayStateDir returns the directory the overlay client should use for
// its state (consensus cache, key material). Honors XDG_DATA_HOME per
// spec.md §6; falls back to defaultStateDir.
func OverlayStateDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "torgate")
	}
	return defaultStateDir
}

// OverlayCacheDir returns the directory the overlay client should use for
// its cache. Honors XDG_CACHE_HOME; falls back to OverlayStateDir per
// spec.md §6 ("same as state").
func OverlayCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "torgate")
	}
	return OverlayStateDir()
}

// EnsureDataDir creates the data directory if it doesn't exist and sets proper permissions.
// On Unix systems, sets permissions to 700 (owner read/write/execute only).
func EnsureDataDir(path string) error {
	// Check if directory exists
	info, err := os.Stat(path)
	if err == nil {
		// Directory exists, verify it's a directory
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", path)
		}
		// Verify permissions on Unix systems
		if runtime.GOOS != "windows" {
			mode := info.Mode().Perm()
			if mode != 0o700 {
				// Fix permissions
				if err := os.Chmod(path, 0o700); err != nil {
					return fmt.Errorf("failed to set directory permissions: %w", err)
				}
			}
		}
		return nil
	}

	// Directory doesn't exist, create it
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check directory: %w", err)
	}

	// Create directory with proper permissions
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	return nil
}

// EnsureSubDir creates a subdirectory within the data directory.
func EnsureSubDir(dataDir, subDir string) (string, error) {
	path := filepath.Join(dataDir, subDir)
	if err := EnsureDataDir(path); err != nil {
		return "", err
	}
	return path, nil
}

// CleanupTempFiles removes temporary files from the data directory.
func CleanupTempFiles(dataDir string) error {
	// Look for common temporary file patterns
	patterns := []string{"*.tmp", "*.temp", "*.lock~"}

	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dataDir, pattern))
		if err != nil {
			return fmt.Errorf("failed to search for temp files: %w", err)
		}

		for _, match := range matches {
			if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
				// Skip files that cannot be deleted; don't fail the sweep
				continue
			}
		}
	}

	return nil
}
