// Package sandbox manages per-run working directories populated from a
// template tree.
package sandbox

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/logging"
)

// Manager hands out sandboxes under a runs root. It is safe for concurrent
// use: uniqueness comes from the run id and an exclusive Mkdir.
type Manager struct {
	root     string
	template string
	logger   *logging.Logger
}

// New returns a Manager. The template directory must exist; the runs root is
// created if needed.
func New(root, template string, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	info, err := os.Stat(template)
	if err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "sandbox", "New", err).
			WithMessage("template directory")
	}
	if !info.IsDir() {
		return nil, apperr.Configuration("sandbox", "template %s is not a directory", template)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "sandbox", "New", err)
	}
	absTemplate, err := filepath.Abs(template)
	if err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "sandbox", "New", err)
	}
	// Either nesting would copy sandboxes into sandboxes.
	if within(absTemplate, absRoot) {
		return nil, apperr.Configuration("sandbox", "runs directory %s lies inside the template", root)
	}
	if within(absRoot, absTemplate) {
		return nil, apperr.Configuration("sandbox", "template %s lies inside the runs directory", template)
	}

	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "sandbox", "New", err).
			WithMessage("runs directory")
	}

	return &Manager{
		root:     absRoot,
		template: absTemplate,
		logger:   logger.WithField("component", "sandbox"),
	}, nil
}

// Root returns the runs directory.
func (m *Manager) Root() string { return m.root }

// Acquire creates runs/<runID> and copies the template tree into it. An
// existing directory with the same name is an error.
func (m *Manager) Acquire(runID string) (string, error) {
	if runID == "" || runID != filepath.Base(runID) || runID == "." || runID == ".." {
		return "", apperr.E(apperr.KindEvaluation, "sandbox", "Acquire",
			fmt.Errorf("invalid run id %q", runID))
	}

	path := filepath.Join(m.root, runID)
	if err := os.Mkdir(path, 0o755); err != nil {
		return "", apperr.E(apperr.KindEvaluation, "sandbox", "Acquire", err)
	}
	if err := copyTree(m.template, path); err != nil {
		m.Release(path)
		return "", apperr.E(apperr.KindEvaluation, "sandbox", "Acquire", err).
			WithMessage("copying template")
	}
	return path, nil
}

// Release removes a sandbox. Failures are logged and never returned.
func (m *Manager) Release(path string) {
	abs, err := filepath.Abs(path)
	if err != nil || !within(m.root, abs) || abs == m.root {
		m.logger.Error("Refusing to remove path outside runs directory", map[string]interface{}{
			"path": path,
		})
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		m.logger.WithError(apperr.E(apperr.KindCleanup, "sandbox", "Release", err)).
			Warn("Failed to remove sandbox", map[string]interface{}{"path": abs})
	}
}

// Leftovers lists sandboxes still present under the runs root.
func (m *Manager) Leftovers() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// copyTree copies src into the existing directory dst, keeping file modes.
// Symlinks are recreated rather than followed.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.Mkdir(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile's mode is filtered by umask.
	return os.Chmod(dst, mode)
}
