package overlay

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/kairos-io/magic-mount/internal/constants"
	"github.com/kairos-io/magic-mount/internal/utils"
)

// tmpfsMagic is the f_type statfs(2) reports for a tmpfs mount.
const tmpfsMagic = 0x01021994

// TempdirSelector picks a writable tmpfs-backed parent directory for the
// Applier's workdir, per spec.md §4.6.
type TempdirSelector struct {
	// Root overrides the filesystem root candidates are resolved against.
	// Defaults to "/". Tests point this at a fake filesystem root.
	Root string
}

// NewTempdirSelector returns a TempdirSelector probing the real root.
func NewTempdirSelector() *TempdirSelector {
	return &TempdirSelector{Root: "/"}
}

func (s *TempdirSelector) root() string {
	if s.Root == "" {
		return "/"
	}
	return s.Root
}

// Select walks constants.TempdirCandidates in order, returning the first
// one that is a live tmpfs-backed directory writable by this process,
// joined with "/.magic_mount". Falls back to constants.TempdirFallback if
// every candidate fails.
func (s *TempdirSelector) Select() string {
	for _, candidate := range constants.TempdirCandidates {
		path, err := utils.JoinPath(s.root(), candidate)
		if err != nil {
			continue
		}

		if !utils.IsDirectory(path) {
			continue
		}
		if !isTmpfs(path) {
			continue
		}
		if !isWritable(path) {
			continue
		}

		workdir, err := utils.JoinPath(path, constants.WorkdirName)
		if err != nil {
			continue
		}
		return workdir
	}

	utils.Log.Warn().Msg("no tmpfs-backed candidate qualified, falling back")
	fallback, err := utils.JoinPath(s.root(), constants.TempdirFallback)
	if err != nil {
		return constants.TempdirFallback
	}
	return fallback
}

func isTmpfs(path string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false
	}
	return int64(st.Type) == tmpfsMagic
}

// isWritable validates writability the way mkstemp-and-unlink does: create
// a throwaway file inside path and remove it immediately.
func isWritable(path string) bool {
	probe, err := utils.JoinPath(path, ".magic_mount.probe")
	if err != nil {
		return false
	}
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
