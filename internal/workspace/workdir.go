// Package workspace manages session working directories.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Prepare returns the absolute form of dir, creating it when missing.
func Prepare(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", abs)
	}
	return abs, nil
}

// SessionDir creates a dedicated directory for one session under base.
func SessionDir(base, sessionID string) (string, error) {
	if base == "" {
		base = os.TempDir()
	}
	return Prepare(filepath.Join(base, "pycoder-"+sessionID))
}
