// Package workspace owns the per-run build directories.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager owns run-specific working directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates a fresh directory for the given run identifier, removing
// any leftover from a previous attempt first.
func (m *Manager) Prepare(runID string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run identifier cannot be empty")
	}
	dir := filepath.Join(m.root, runID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("reset workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a run workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the given run.
func (m *Manager) CleanupByID(runID string) error {
	if runID == "" {
		return fmt.Errorf("run identifier cannot be empty")
	}
	return m.Cleanup(filepath.Join(m.root, runID))
}

// Sweep removes run directories older than maxAge. Used at startup to clear
// leftovers from interrupted runs.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := m.Cleanup(filepath.Join(m.root, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
