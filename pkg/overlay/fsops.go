package overlay

import (
	"os"
	"path"
	"syscall"

	"github.com/kairos-io/magic-mount/internal/utils"
)

// dirOf returns p's parent directory using plain string surgery, matching
// JoinPath's own no-"."/".." semantics rather than reaching for filepath's
// OS-specific cleaning.
func dirOf(p string) string {
	d := path.Dir(p)
	if d == "" {
		return "/"
	}
	return d
}

// touchFile ensures path exists as an empty regular file, succeeding
// silently if it already exists as one. It is the Go equivalent of the
// source implementation's mknod-a-mountpoint step: bind mounts need an
// existing file to land on.
func touchFile(path string) error {
	if utils.Exists(path) {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

// copyDirMeta copies mode, ownership, and SELinux context from src onto an
// already-created directory dst.
func copyDirMeta(src, dst string) error {
	st, err := os.Lstat(src)
	if err != nil {
		return err
	}

	if err := os.Chmod(dst, st.Mode().Perm()); err != nil {
		utils.Log.Debug().Err(err).Str("path", dst).Msg("chmod failed")
	}

	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		if err := os.Chown(dst, int(sys.Uid), int(sys.Gid)); err != nil {
			utils.Log.Debug().Err(err).Str("path", dst).Msg("chown failed")
		}
	}

	return utils.CopyContext(src, dst)
}
