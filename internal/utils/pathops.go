package utils

import (
	"fmt"
	"os"
	"strings"

	"github.com/kairos-io/magic-mount/internal/constants"
)

// JoinPath concatenates base and name with a single "/" separator, matching
// the source implementation's path_join: no "." or ".." resolution, just
// separator bookkeeping, and a PATH_MAX length guard.
func JoinPath(base, name string) (string, error) {
	if name == "" {
		return base, nil
	}

	var out string
	switch {
	case base == "/":
		out = "/" + strings.TrimPrefix(name, "/")
	case strings.HasSuffix(base, "/"):
		out = base + strings.TrimPrefix(name, "/")
	default:
		out = base + "/" + strings.TrimPrefix(name, "/")
	}

	if len(out) > constants.PathMax-1 {
		return "", fmt.Errorf("%w: %q", constants.ErrNameTooLong, out)
	}
	return out, nil
}

// Exists reports whether path has an entry at all (lstat-based, so it is
// true for dangling symlinks too).
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// IsDirectory reports whether path exists and, once symlinks are followed,
// is a directory.
func IsDirectory(path string) bool {
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	return st.IsDir()
}

// IsSymlink reports whether path itself (not what it points to) is a symlink.
func IsSymlink(path string) bool {
	st, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeSymlink != 0
}

// MkdirP creates every missing ancestor of path with mode 0755. It is
// idempotent: calling it twice has the same observable effect as once.
func MkdirP(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	if !IsDirectory(path) {
		return fmt.Errorf("mkdirP: %q is not a directory after creation", path)
	}
	return nil
}
