// Package workspace allocates per-build checkout directories.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths that escape the workspace root.
var ErrOutsideRoot = errors.New("workspace: path outside root")

// Manager owns build-specific working directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, errors.New("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root is the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates an empty directory for a build, replacing any leftover one.
func (m *Manager) Prepare(buildID string) (string, error) {
	dir, err := m.path(buildID)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a build's directory.
func (m *Manager) Cleanup(buildID string) error {
	dir, err := m.path(buildID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (m *Manager) path(buildID string) (string, error) {
	if strings.TrimSpace(buildID) == "" {
		return "", errors.New("workspace identifier cannot be empty")
	}
	dir := filepath.Join(m.root, buildID)
	rel, err := filepath.Rel(m.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return "", ErrOutsideRoot
	}
	return dir, nil
}
