// Package security holds the directory-safety guards and the persisted
// auth/connection state under ~/.patze-control.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// forbiddenRoots are absolute prefixes an openclawDir may never fall under.
var forbiddenRoots = []string{
	"/etc", "/var", "/proc", "/sys", "/dev", "/boot", "/bin", "/sbin", "/lib", "/tmp",
}

// forbiddenHomeDirs are home-relative prefixes an openclawDir may never fall
// under.
var forbiddenHomeDirs = []string{".ssh", ".gnupg", ".config"}

// allowedHomeDirs are the home-relative prefixes an openclawDir must resolve
// under.
var allowedHomeDirs = []string{".openclaw", ".patze-control", "openclaw"}

// PathGuard validates filesystem paths supplied by operators or bridges
// against the user-home allowlist. All checks fail fast, before any I/O on
// the path.
type PathGuard struct {
	home string
}

// NewPathGuard creates a guard rooted at the given home directory. An empty
// home falls back to os.UserHomeDir.
func NewPathGuard(home string) (*PathGuard, error) {
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		home = h
	}
	abs, err := filepath.Abs(home)
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &PathGuard{home: filepath.Clean(abs)}, nil
}

// Home returns the guard's home directory.
func (g *PathGuard) Home() string { return g.home }

// resolve expands a leading ~, makes the path absolute relative to home, and
// follows symlinks for the longest existing ancestor so a link cannot escape
// the allowlist.
func (g *PathGuard) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if path == "~" {
		path = g.home
	} else if strings.HasPrefix(path, "~/") {
		path = filepath.Join(g.home, path[2:])
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.home, path)
	}
	path = filepath.Clean(path)

	// EvalSymlinks on the deepest existing ancestor, then re-append the
	// non-existing remainder.
	remainder := ""
	probe := path
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, remainder)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return path, nil
		}
		remainder = filepath.Join(filepath.Base(probe), remainder)
		probe = parent
	}
}

func isUnder(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// ValidateOpenClawDir checks that dir resolves under one of the allowlisted
// home prefixes and not under any forbidden tree, and returns the resolved
// absolute path.
func (g *PathGuard) ValidateOpenClawDir(dir string) (string, error) {
	resolved, err := g.resolve(dir)
	if err != nil {
		return "", fmt.Errorf("invalid openclaw directory")
	}
	if resolved == "/" || resolved == g.home {
		return "", fmt.Errorf("openclaw directory may not be the filesystem root or the home directory")
	}
	if isUnder(resolved, g.home) {
		for _, rel := range forbiddenHomeDirs {
			if isUnder(resolved, filepath.Join(g.home, rel)) {
				return "", fmt.Errorf("openclaw directory falls under a protected home path")
			}
		}
		for _, rel := range allowedHomeDirs {
			if isUnder(resolved, filepath.Join(g.home, rel)) {
				return resolved, nil
			}
		}
		return "", fmt.Errorf("openclaw directory must resolve under the user-home allowlist")
	}
	for _, root := range forbiddenRoots {
		if isUnder(resolved, root) {
			return "", fmt.Errorf("openclaw directory falls under a forbidden system path")
		}
	}
	return "", fmt.Errorf("openclaw directory must resolve under the user-home allowlist")
}

// ValidateSSHKeyPath checks that the private key path resolves under ~/.ssh/
// and returns the resolved absolute path. Any path above that tree fails.
func (g *PathGuard) ValidateSSHKeyPath(path string) (string, error) {
	resolved, err := g.resolve(path)
	if err != nil {
		return "", fmt.Errorf("invalid ssh key path")
	}
	sshDir := filepath.Join(g.home, ".ssh")
	if resolved == sshDir || !isUnder(resolved, sshDir) {
		return "", fmt.Errorf("ssh key path must resolve under ~/.ssh/")
	}
	return resolved, nil
}
