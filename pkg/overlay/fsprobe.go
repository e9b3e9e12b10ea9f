package overlay

import (
	"os"
	"syscall"

	"github.com/pkg/xattr"

	"github.com/kairos-io/magic-mount/internal/constants"
	"github.com/kairos-io/magic-mount/internal/utils"
)

// ClassifyStat turns an lstat result into a Kind, applying the overlayfs
// whiteout convention: a character device with rdev == 0 is a Whiteout,
// taking priority over every other type. Anything that is none of
// regular/directory/symlink/whiteout (sockets, block/char devices with a
// nonzero rdev, FIFOs) also classifies as Whiteout, the catch-all per
// spec.md §4.2.
func ClassifyStat(st os.FileInfo) Kind {
	sys, ok := st.Sys().(*syscall.Stat_t)
	mode := st.Mode()
	if ok && mode&os.ModeCharDevice != 0 && sys.Rdev == 0 {
		return Whiteout
	}
	switch {
	case mode.IsRegular():
		return Regular
	case mode.IsDir():
		return Directory
	case mode&os.ModeSymlink != 0:
		return Symlink
	default:
		return Whiteout
	}
}

// IsReplaceDir reports whether path is an "opaque replace" directory: the
// trusted.overlay.opaque xattr reads exactly "y", or a .replace sentinel
// file exists directly inside it. Any error (missing xattr, unreadable
// directory) is treated as "not replace", never propagated.
func IsReplaceDir(path string) bool {
	v, err := xattr.LGet(path, constants.ReplaceDirXattr)
	if err == nil && string(v) == "y" {
		return true
	}

	sentinel, err := utils.JoinPath(path, constants.ReplaceDirFileName)
	if err != nil {
		return false
	}
	return utils.Exists(sentinel)
}
