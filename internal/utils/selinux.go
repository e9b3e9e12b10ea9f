package utils

import (
	"github.com/pkg/xattr"

	"github.com/kairos-io/magic-mount/internal/constants"
)

// GetContext reads the security.selinux label from path via the
// link-itself xattr call, so it never follows a symlink target.
func GetContext(path string) string {
	if path == "" {
		Log.Debug().Msg("GetContext: empty path, no-op")
		return ""
	}
	b, err := xattr.LGet(path, constants.SelinuxXattr)
	if err != nil {
		Log.Debug().Err(err).Str("path", path).Msg("GetContext: no selinux label")
		return ""
	}
	return string(b)
}

// SetContext writes the security.selinux label on path via the
// link-itself xattr call.
func SetContext(path, label string) error {
	if path == "" || label == "" {
		Log.Debug().Msg("SetContext: empty path or label, no-op")
		return nil
	}
	if err := xattr.LSet(path, constants.SelinuxXattr, []byte(label)); err != nil {
		Log.Debug().Err(err).Str("path", path).Str("label", label).Msg("SetContext failed")
		return err
	}
	return nil
}

// CopyContext copies src's security.selinux label onto dst. A missing
// label on src is a silent no-op, not an error.
func CopyContext(src, dst string) error {
	label := GetContext(src)
	if label == "" {
		return nil
	}
	return SetContext(dst, label)
}
