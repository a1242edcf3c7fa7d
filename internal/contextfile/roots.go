package contextfile

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// ErrOutsideRoots is returned for a context path no configured root contains.
var ErrOutsideRoots = errors.New("context path is outside the allowed directories")

// Roots is the set of directories remote clients may attach context from.
// A nil or empty Roots allows nothing.
type Roots struct {
	dirs []string
}

// NewRoots resolves each directory to its absolute, symlink-free form.
func NewRoots(dirs []string) (*Roots, error) {
	r := &Roots{}
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("context root %s: %w", dir, err)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("context root %s: %w", dir, err)
		}
		if onPseudoFS(resolved) {
			return nil, fmt.Errorf("context root %s: kernel pseudo-filesystems cannot be roots", dir)
		}
		r.dirs = append(r.dirs, resolved)
	}
	return r, nil
}

// Resolve returns path with symlinks evaluated when it lies inside one of
// the roots. path must be absolute.
func (r *Roots) Resolve(path string) (string, error) {
	if r == nil || len(r.dirs) == 0 {
		return "", fmt.Errorf("%w: no context roots are configured", ErrOutsideRoots)
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s is not absolute", ErrOutsideRoots, path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("resolving context path %s: %w", path, err)
	}
	for _, dir := range r.dirs {
		if within(dir, resolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOutsideRoots, path)
}

// Dirs returns the resolved root directories.
func (r *Roots) Dirs() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.dirs...)
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
