package overlay

import (
	"os"

	"github.com/kairos-io/magic-mount/internal/constants"
	"github.com/kairos-io/magic-mount/internal/utils"
)

// ModuleEntry is one enabled module discovered under the module root.
type ModuleEntry struct {
	Name       string // directory name under ModuleDir
	Path       string // absolute path to the module directory
	SystemPath string // absolute path to <module>/system
}

var disableSentinels = []string{
	constants.DisableFileName,
	constants.RemoveFileName,
	constants.SkipMountFileName,
}

// IsModuleDisabled reports whether modDir carries any of the disable
// sentinel files as a direct child.
func IsModuleDisabled(modDir string) bool {
	for _, f := range disableSentinels {
		p, err := utils.JoinPath(modDir, f)
		if err != nil {
			continue
		}
		if utils.Exists(p) {
			return true
		}
	}
	return false
}

// EnumerateModules lists every enabled module under moduleDir that carries
// a system/ subdirectory, sorted by directory name (the order that drives
// first-module-wins merge priority in the Builder).
func EnumerateModules(moduleDir string) ([]ModuleEntry, error) {
	entries, err := os.ReadDir(moduleDir)
	if err != nil {
		return nil, err
	}

	var out []ModuleEntry
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}

		modPath, err := utils.JoinPath(moduleDir, name)
		if err != nil {
			utils.Log.Warn().Err(err).Str("module", name).Msg("skipping module: path too long")
			continue
		}

		if !utils.IsDirectory(modPath) {
			continue
		}

		if IsModuleDisabled(modPath) {
			utils.Log.Info().Str("module", name).Msg("module disabled, skipping")
			continue
		}

		sysPath, err := utils.JoinPath(modPath, constants.SystemNodeName)
		if err != nil {
			utils.Log.Warn().Err(err).Str("module", name).Msg("skipping module: system path too long")
			continue
		}

		if !utils.IsDirectory(sysPath) {
			utils.Log.Debug().Str("module", name).Msg("module has no system/ directory, skipping")
			continue
		}

		out = append(out, ModuleEntry{Name: name, Path: modPath, SystemPath: sysPath})
	}
	return out, nil
}

// partitionDirInModule returns the absolute path to <moduleDir>/<name> if
// it is a directory on disk, and ok == true.
func partitionDirInModule(modulePath, name string) (string, bool) {
	p, err := utils.JoinPath(modulePath, name)
	if err != nil {
		return "", false
	}
	if !utils.IsDirectory(p) {
		return "", false
	}
	return p, true
}
