package overlay

import (
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/kairos-io/magic-mount/internal/constants"
	"github.com/kairos-io/magic-mount/internal/utils"
)

// Builder constructs the in-memory overlay tree from a Context. It holds
// no state of its own between calls; Build is the only entry point.
type Builder struct {
	// LiveRoot overrides the root the builder probes for promotion/symlink
	// decisions (Phases B/C/D). Defaults to "/". Tests point this at a
	// fake filesystem root.
	LiveRoot string
}

// NewBuilder returns a Builder probing the real root filesystem.
func NewBuilder() *Builder {
	return &Builder{LiveRoot: "/"}
}

func (b *Builder) liveRoot() string {
	if b.LiveRoot == "" {
		return "/"
	}
	return b.LiveRoot
}

func (b *Builder) livePath(segments ...string) (string, error) {
	p := b.liveRoot()
	var err error
	for _, s := range segments {
		p, err = utils.JoinPath(p, s)
		if err != nil {
			return "", err
		}
	}
	return p, nil
}

// Build runs Phases A-E of spec.md §4.4 and returns the finished tree. It
// returns constants.ErrNoContent (not a tree) when every module
// contributed zero effective entries — callers should treat that as "apply
// is not invoked", not as a failure.
func (b *Builder) Build(ctx *Context) (*Node, error) {
	root := NewNode("", Directory)
	system := NewNode(constants.SystemNodeName, Directory)

	hasAny, buildErr := b.scanAndMerge(ctx, system)
	if buildErr != nil {
		return nil, buildErr
	}
	if !hasAny {
		utils.Log.Warn().Msg("build_mount_tree: no module contributed any content, abort")
		return nil, constants.ErrNoContent
	}

	ctx.Stats.NodesTotal += 2 // root + system

	var errs *multierror.Error
	if err := b.resolveSymlinkCompatibility(ctx, system); err != nil {
		errs = multierror.Append(errs, err)
		utils.Log.Warn().Err(err).Msg("symlink compatibility handling encountered errors (continuing anyway)")
	}

	for _, p := range constants.PromotionOrder {
		if err := b.promotePartition(root, system, p.Name, p.NeedsSymlink); err != nil {
			return nil, err
		}
	}

	for _, name := range ctx.ExtraPartitions {
		if err := b.attachExtraPartition(ctx, root, name); err != nil {
			return nil, err
		}
	}

	root.AppendChild(system)
	utils.Log.Info().Msg("build_mount_tree: root tree successfully built")
	return root, errs.ErrorOrNil()
}

// --- Phase A: scan-and-merge ---

func (b *Builder) scanAndMerge(ctx *Context, system *Node) (bool, error) {
	modules, err := EnumerateModules(ctx.ModuleDir)
	if err != nil {
		return false, err
	}

	hasAny := false
	for _, m := range modules {
		ctx.Stats.ModulesTotal++

		sub, err := scanDir(ctx, system, m.SystemPath, m.Name)
		if err != nil {
			utils.Log.Error().Err(err).Str("module", m.Name).Msg("scanning module system/ failed")
			continue
		}
		if sub {
			hasAny = true
		}
	}
	return hasAny, nil
}

// scanDir recursively merges the real directory dir into self, attributing
// newly created nodes to moduleName. First-module-wins: if a child with
// this name already exists, its identity is left untouched and the call
// only recurses to create missing descendants.
func scanDir(ctx *Context, self *Node, dir, moduleName string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}

	any := false
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}

		path, err := utils.JoinPath(dir, name)
		if err != nil {
			return any, err
		}

		child := self.ChildByName(name)
		if child == nil {
			n := createNodeFromFS(ctx, name, path, moduleName)
			if n != nil {
				self.AppendChild(n)
				child = n
			}
		}

		if child == nil {
			continue
		}

		if child.Kind == Directory {
			sub, err := scanDir(ctx, child, path, moduleName)
			if err != nil {
				utils.Log.Error().Err(err).Str("path", path).Msg("node_scan_dir: recurse failed, skipping subtree")
				continue
			}
			if sub || child.Replace {
				any = true
			}
		} else {
			any = true
		}
	}
	return any, nil
}

// createNodeFromFS classifies path and, if it is a type the tree can
// represent (regular, directory, symlink, or a char-device whiteout),
// returns a populated Node. Anything else (socket, FIFO, block device)
// returns nil, mirroring the source implementation's filter.
func createNodeFromFS(ctx *Context, name, path, moduleName string) *Node {
	st, err := os.Lstat(path)
	if err != nil {
		utils.Log.Debug().Err(err).Str("path", path).Msg("node_create_from_fs: lstat failed")
		return nil
	}

	mode := st.Mode()
	supported := mode.IsRegular() || mode.IsDir() || mode&os.ModeSymlink != 0 || mode&os.ModeCharDevice != 0
	if !supported {
		utils.Log.Debug().Str("path", path).Msg("node_create_from_fs: unsupported file type, skipping")
		return nil
	}

	kind := ClassifyStat(st)
	n := NewNode(name, kind)
	n.ModulePath = path
	n.ModuleName = moduleName
	if kind == Directory {
		n.Replace = IsReplaceDir(path)
	}

	ctx.Stats.NodesTotal++
	return n
}

// --- Phase B: symlink compatibility ---

func (b *Builder) resolveSymlinkCompatibility(ctx *Context, system *Node) error {
	var errs *multierror.Error
	for _, name := range constants.BuiltinPartitions {
		if err := b.resolvePartitionSymlink(ctx, system, name); err != nil {
			errs = multierror.Append(errs, err)
			utils.Log.Error().Err(err).Str("partition", name).Msg("failed to handle symlink compatibility")
		}
	}
	for _, name := range ctx.ExtraPartitions {
		if err := b.resolvePartitionSymlink(ctx, system, name); err != nil {
			errs = multierror.Append(errs, err)
			utils.Log.Error().Err(err).Str("partition", name).Msg("failed to handle symlink compatibility for extra partition")
		}
	}
	return errs.ErrorOrNil()
}

func (b *Builder) resolvePartitionSymlink(ctx *Context, system *Node, partName string) error {
	sysChild := system.ChildByName(partName)
	if sysChild == nil || sysChild.Kind != Symlink || sysChild.ModulePath == "" {
		return nil
	}

	target, err := os.Readlink(sysChild.ModulePath)
	if err != nil {
		utils.Log.Warn().Err(err).Str("path", sysChild.ModulePath).Msg("readlink failed")
		return nil
	}

	if !isCompatibleSymlink(target, partName, ctx, sysChild.ModuleName) {
		utils.Log.Debug().Str("partition", partName).Str("target", target).Msg("symlink not compatible")
		return nil
	}

	realPath, realModule, ok := b.findRealPartitionDir(ctx, partName)
	if !ok {
		utils.Log.Debug().Str("partition", partName).Msg("no real directory found, keeping symlink")
		return nil
	}

	newPart := NewNode(partName, Directory)
	hasAny, err := scanDir(ctx, newPart, realPath, realModule)
	if err != nil {
		return err
	}
	if !hasAny {
		utils.Log.Debug().Str("partition", partName).Msg("no content in promoted directory, keeping symlink")
		return nil
	}

	system.DetachChild(partName)
	newPart.ModuleName = realModule
	system.AppendChild(newPart)
	utils.Log.Info().Str("partition", partName).Str("module", realModule).Msg("replaced symlink with directory node")
	return nil
}

// isCompatibleSymlink mirrors is_compatible_symlink: the link target, with
// trailing slashes stripped, must equal exactly "../<part>" or
// "<moduleDir>/<moduleName>/<part>".
func isCompatibleSymlink(target, partName string, ctx *Context, moduleName string) bool {
	target = strings.TrimRight(target, "/")
	if target == "" {
		return false
	}

	if target == "../"+partName {
		return true
	}

	if moduleName != "" {
		expected, err := utils.JoinPath(ctx.ModuleDir, moduleName)
		if err == nil {
			expected, err = utils.JoinPath(expected, partName)
			if err == nil && target == expected {
				return true
			}
		}
	}
	return false
}

// findRealPartitionDir scans every enabled module for a real directory
// named partName, returning the first hit in enumeration order.
func (b *Builder) findRealPartitionDir(ctx *Context, partName string) (path, moduleName string, ok bool) {
	modules, err := listEnabledModuleDirs(ctx.ModuleDir)
	if err != nil {
		utils.Log.Error().Err(err).Str("module_dir", ctx.ModuleDir).Msg("findRealPartitionDir: cannot enumerate module dir")
		return "", "", false
	}

	for _, m := range modules {
		if p, hit := partitionDirInModule(m.path, partName); hit {
			return p, m.name, true
		}
	}
	return "", "", false
}

type enabledModuleDir struct {
	name string
	path string
}

// listEnabledModuleDirs enumerates the module root without requiring a
// system/ subdirectory — used by the partition-promotion/extra-partition
// phases, which scan arbitrary top-level module subdirectories, not just
// "system".
func listEnabledModuleDirs(moduleDir string) ([]enabledModuleDir, error) {
	entries, err := os.ReadDir(moduleDir)
	if err != nil {
		return nil, err
	}

	var out []enabledModuleDir
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}
		p, err := utils.JoinPath(moduleDir, name)
		if err != nil {
			continue
		}
		if !utils.IsDirectory(p) {
			continue
		}
		if IsModuleDisabled(p) {
			continue
		}
		out = append(out, enabledModuleDir{name: name, path: p})
	}
	return out, nil
}

// --- Phase C: partition promotion ---

func (b *Builder) promotePartition(root, system *Node, partName string, needSymlink bool) error {
	realPath, err := b.livePath(partName)
	if err != nil {
		return err
	}
	sysLinkPath, err := b.livePath(constants.SystemNodeName, partName)
	if err != nil {
		return err
	}

	if !utils.IsDirectory(realPath) {
		utils.Log.Debug().Str("partition", partName).Str("real_path", realPath).Msg("promotion skipped: not a live directory")
		return nil
	}
	if needSymlink && !utils.IsSymlink(sysLinkPath) {
		utils.Log.Debug().Str("partition", partName).Str("system_path", sysLinkPath).Msg("promotion skipped: /system/<p> is not a symlink")
		return nil
	}

	child := system.DetachChild(partName)
	if child == nil {
		return nil
	}
	root.AppendChild(child)
	utils.Log.Debug().Str("partition", partName).Msg("promoted from /system to /")
	return nil
}

// --- Phase D: extra partitions ---

func (b *Builder) attachExtraPartition(ctx *Context, root *Node, name string) error {
	realPath, err := b.livePath(name)
	if err != nil {
		return err
	}
	if !utils.IsDirectory(realPath) {
		utils.Log.Debug().Str("partition", name).Str("real_path", realPath).Msg("extra partition skipped: not a live directory")
		return nil
	}

	child := NewNode(name, Directory)

	modules, err := listEnabledModuleDirs(ctx.ModuleDir)
	if err != nil {
		return err
	}

	hasAny := false
	for _, m := range modules {
		partPath, hit := partitionDirInModule(m.path, name)
		if !hit {
			continue
		}
		sub, err := scanDir(ctx, child, partPath, m.name)
		if err != nil {
			utils.Log.Error().Err(err).Str("module", m.name).Str("partition", name).Msg("extra partition scan failed")
			continue
		}
		if sub {
			hasAny = true
		}
	}

	if !hasAny {
		utils.Log.Debug().Str("partition", name).Msg("no content for extra partition, dropping node")
		return nil
	}

	root.AppendChild(child)
	return nil
}
