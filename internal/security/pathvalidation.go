// Package security guards the file paths a process-mode worker reads from
// its job file.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned for a path that resolves outside its directory.
var ErrPathEscape = errors.New("path escapes directory")

// ValidatePathWithinDirectory checks that filePath resolves inside dir.
// Symlinks along the longest existing prefix of either path are followed, so
// a link that points out of dir is rejected too. Paths that do not exist yet
// are checked lexically below their nearest existing parent.
func ValidatePathWithinDirectory(filePath, dir string) error {
	canonicalPath, err := canonical(filePath)
	if err != nil {
		return err
	}
	canonicalDir, err := canonical(dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(canonicalDir, canonicalPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrPathEscape, filePath, dir)
	}
	return nil
}

// canonical returns the absolute form of p with symlinks resolved in its
// longest existing prefix.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	for prefix := abs; ; {
		if resolved, err := filepath.EvalSymlinks(prefix); err == nil {
			rest, _ := filepath.Rel(prefix, abs)
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(prefix)
		if parent == prefix {
			return abs, nil
		}
		prefix = parent
	}
}
