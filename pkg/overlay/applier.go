package overlay

import (
	"os"
	"syscall"

	"github.com/moby/sys/mountinfo"

	"github.com/kairos-io/magic-mount/internal/constants"
	"github.com/kairos-io/magic-mount/internal/utils"
)

// mounter is the syscall seam MountApplier drives through. The default
// implementation calls the stdlib syscall package with the same
// MS_* flag combinations the teacher uses directly in chroot.go and
// dag_steps.go (rather than routing through containerd's mount.All, which
// has no vocabulary for move-mount or recursive-private propagation).
type mounter interface {
	Bind(src, dst string) error
	SelfBind(path string) error
	MountTmpfs(source, target string) error
	RemountReadonly(target string) error
	MakePrivate(target string) error
	Move(oldPath, newPath string) error
	Unmount(target string, flags int) error
}

type syscallMounter struct{}

func (syscallMounter) Bind(src, dst string) error {
	return syscall.Mount(src, dst, "", syscall.MS_BIND, "")
}

func (syscallMounter) SelfBind(path string) error {
	return syscall.Mount(path, path, "", syscall.MS_BIND, "")
}

func (syscallMounter) MountTmpfs(source, target string) error {
	return syscall.Mount(source, target, "tmpfs", 0, "")
}

func (syscallMounter) RemountReadonly(target string) error {
	return syscall.Mount("", target, "", syscall.MS_REMOUNT|syscall.MS_BIND|syscall.MS_RDONLY, "")
}

func (syscallMounter) MakePrivate(target string) error {
	return syscall.Mount("", target, "", syscall.MS_PRIVATE|syscall.MS_REC, "")
}

func (syscallMounter) Move(oldPath, newPath string) error {
	return syscall.Mount(oldPath, newPath, "", syscall.MS_MOVE, "")
}

func (syscallMounter) Unmount(target string, flags int) error {
	return syscall.Unmount(target, flags)
}

// Applier walks a built tree against the live filesystem, realising it via
// bind-mounts and, where required, synthetic tmpfs directory layers.
type Applier struct {
	Mount  mounter
	Bridge KernelBridge

	// LiveRoot overrides the root Apply realises the tree against (mirrors
	// Builder.LiveRoot). Defaults to "/". Tests point this at a fake
	// filesystem root.
	LiveRoot string
}

// NewApplier returns an Applier wired to the real mount syscalls and kernel
// bridge.
func NewApplier() *Applier {
	return &Applier{Mount: syscallMounter{}, Bridge: NewKernelBridge(), LiveRoot: "/"}
}

func (a *Applier) liveRoot() string {
	if a.LiveRoot == "" {
		return "/"
	}
	return a.LiveRoot
}

// Apply realises root against the live filesystem rooted at LiveRoot,
// staging tmpfs layers under workdir (as selected by TempdirSelector).
// Established mounts are left in place on partial failure; only the
// transient workdir staging tmpfs is torn down unconditionally.
func (a *Applier) Apply(ctx *Context, root *Node, workdir string) error {
	if err := utils.MkdirP(workdir); err != nil {
		return err
	}
	if err := a.Mount.MountTmpfs(ctx.MountSource, workdir); err != nil {
		return err
	}
	if err := a.Mount.MakePrivate(workdir); err != nil {
		utils.Log.Warn().Err(err).Str("path", workdir).Msg("marking workdir private failed")
	}

	applyErr := a.applyNode(ctx, root, false, a.liveRoot(), workdir, "")

	if err := a.Mount.Unmount(workdir, syscall.MNT_DETACH); err != nil {
		utils.Log.Warn().Err(err).Str("path", workdir).Msg("detaching workdir failed")
	}
	if err := os.Remove(workdir); err != nil {
		utils.Log.Warn().Err(err).Str("path", workdir).Msg("removing workdir failed")
	}

	return applyErr
}

func ownerFor(node *Node, inherited string) string {
	if node.ModuleName != "" {
		return node.ModuleName
	}
	return inherited
}

func (a *Applier) applyNode(ctx *Context, node *Node, hasTmpfs bool, livePath, workPath string, owner string) error {
	switch node.Kind {
	case Regular:
		return a.applyRegular(ctx, node, hasTmpfs, livePath, workPath)
	case Symlink:
		return a.applySymlink(ctx, node, workPath)
	case Whiteout:
		a.applyWhiteout(ctx, node)
		return nil
	case Directory:
		return a.applyDirectory(ctx, node, hasTmpfs, livePath, workPath, owner)
	default:
		return nil
	}
}

func (a *Applier) applyRegular(ctx *Context, node *Node, hasTmpfs bool, livePath, workPath string) error {
	target, err := utils.JoinPath(livePath, node.Name)
	if err != nil {
		return err
	}
	if hasTmpfs {
		target, err = utils.JoinPath(workPath, node.Name)
		if err != nil {
			return err
		}
	}

	if err := utils.MkdirP(dirOf(target)); err != nil {
		return err
	}
	if err := touchFile(target); err != nil {
		return err
	}

	if !hasTmpfs {
		if mounted, _ := mountinfo.Mounted(target); mounted {
			utils.Log.Debug().Err(constants.ErrAlreadyMounted).Str("path", target).Msg("skipping bind")
			ctx.Stats.NodesSkipped++
			return nil
		}
	}

	if err := a.Mount.Bind(node.ModulePath, target); err != nil {
		return err
	}

	if !hasTmpfs && ctx.EnableUnmountable {
		if err := a.Bridge.MarkUnmountable(target); err != nil {
			utils.Log.Warn().Err(err).Str("path", target).Msg("markUnmountable failed")
		}
	}

	if err := a.Mount.RemountReadonly(target); err != nil {
		utils.Log.Warn().Err(err).Str("path", target).Msg("remount-ro failed")
	}

	ctx.Stats.NodesMounted++
	return nil
}

func (a *Applier) applySymlink(ctx *Context, node *Node, workPath string) error {
	target, err := utils.JoinPath(workPath, node.Name)
	if err != nil {
		return err
	}

	linkTarget, err := os.Readlink(node.ModulePath)
	if err != nil {
		return err
	}

	if err := utils.MkdirP(dirOf(target)); err != nil {
		return err
	}
	if err := os.Symlink(linkTarget, target); err != nil {
		return err
	}
	if err := utils.CopyContext(node.ModulePath, target); err != nil {
		utils.Log.Debug().Err(err).Str("path", target).Msg("copying selinux context to symlink failed")
	}

	ctx.Stats.NodesMounted++
	return nil
}

func (a *Applier) applyWhiteout(ctx *Context, node *Node) {
	utils.Log.Debug().Str("name", node.Name).Msg("whiteout: entry absent from tmpfs layer")
	ctx.Stats.NodesWhiteout++
}

func (a *Applier) applyDirectory(ctx *Context, node *Node, hasTmpfs bool, livePath, workPath string, owner string) error {
	P, err := utils.JoinPath(livePath, node.Name)
	if err != nil {
		return err
	}
	W, err := utils.JoinPath(workPath, node.Name)
	if err != nil {
		return err
	}

	nowTmp, createTmp := decideTmpfsNess(node, hasTmpfs, P)

	if nowTmp {
		if err := utils.MkdirP(W); err != nil {
			return err
		}
		metaSrc := P
		if !utils.Exists(metaSrc) {
			metaSrc = node.ModulePath
		}
		if metaSrc != "" {
			if err := copyDirMeta(metaSrc, W); err != nil {
				utils.Log.Warn().Err(err).Str("path", W).Msg("copying directory metadata failed")
			}
		}
		if createTmp {
			if err := a.Mount.SelfBind(W); err != nil {
				return err
			}
		}
	}

	thisOwner := ownerFor(node, owner)

	if utils.Exists(P) && utils.IsDirectory(P) && !node.Replace {
		entries, err := os.ReadDir(P)
		if err != nil {
			utils.Log.Error().Err(err).Str("path", P).Msg("reading live directory failed, skipping mirror/overlay pass")
		} else {
			for _, e := range entries {
				name := e.Name()
				child := node.ChildByName(name)
				if child != nil {
					child.Done = true
					if child.Skip {
						continue
					}
					if err := a.applyNode(ctx, child, nowTmp, P, W, thisOwner); err != nil {
						if nowTmp {
							return err
						}
						ctx.Stats.NodesFail++
						ctx.MarkFailed(ownerFor(child, thisOwner))
						utils.Log.Error().Err(err).Str("name", name).Msg("applying existing child failed")
					}
					continue
				}

				if nowTmp {
					if err := a.mirrorEntry(P, W, name); err != nil {
						utils.Log.Error().Err(err).Str("name", name).Str("path", P).Msg("mirroring live entry failed")
					}
				}
			}
		}
	}

	for _, child := range node.Children {
		if child.Skip || child.Done {
			continue
		}
		if err := a.applyNode(ctx, child, nowTmp, P, W, thisOwner); err != nil {
			if nowTmp {
				return err
			}
			ctx.Stats.NodesFail++
			ctx.MarkFailed(ownerFor(child, thisOwner))
			utils.Log.Error().Err(err).Str("name", child.Name).Msg("applying module-only child failed")
		}
	}

	if createTmp {
		if err := a.Mount.RemountReadonly(W); err != nil {
			utils.Log.Warn().Err(err).Str("path", W).Msg("remount-ro on tmpfs failed")
		}
		if err := utils.MkdirP(P); err != nil {
			return err
		}
		if err := a.Mount.Move(W, P); err != nil {
			return err
		}
		if err := a.Mount.MakePrivate(P); err != nil {
			utils.Log.Warn().Err(err).Str("path", P).Msg("marking moved mount private failed")
		}
		if ctx.EnableUnmountable {
			if err := a.Bridge.MarkUnmountable(P); err != nil {
				utils.Log.Warn().Err(err).Str("path", P).Msg("markUnmountable failed")
			}
		}
		ctx.Stats.NodesMounted++
	}

	return nil
}

// decideTmpfsNess implements spec.md §4.5's three-way decision: inherit,
// opaque-replace, or probe children via needsTmpfs.
func decideTmpfsNess(node *Node, hasTmpfs bool, livePath string) (nowTmp, createTmp bool) {
	if hasTmpfs {
		return true, false
	}
	if node.Replace && node.ModulePath != "" {
		return true, true
	}
	need := needsTmpfs(node, livePath)
	return need, need
}

// needsTmpfs walks node's children deciding whether any requires a
// synthetic tmpfs layer to apply safely. Children that require tmpfs but
// whose containing directory has no ModulePath (no source for directory
// metadata/SELinux) are marked Skip instead of propagating the
// requirement, per spec.md §4.5 step 1.
func needsTmpfs(node *Node, livePath string) bool {
	need := false
	for _, child := range node.Children {
		if !childRequiresTmpfs(child, livePath) {
			continue
		}
		if node.ModulePath == "" {
			child.Skip = true
			continue
		}
		need = true
	}
	return need
}

func childRequiresTmpfs(child *Node, livePath string) bool {
	if child.Kind == Symlink {
		return true
	}

	childLive, err := utils.JoinPath(livePath, child.Name)
	if err != nil {
		return false
	}

	st, err := os.Lstat(childLive)
	if err != nil {
		return false
	}

	liveKind := ClassifyStat(st)
	if child.Kind == Whiteout {
		return true
	}
	if liveKind == Symlink {
		return true
	}
	return liveKind != child.Kind
}

// mirrorEntry copies one live filesystem entry (not represented in the
// tree) from srcDir into dstDir inside the tmpfs being built.
func (a *Applier) mirrorEntry(srcDir, dstDir, name string) error {
	src, err := utils.JoinPath(srcDir, name)
	if err != nil {
		return err
	}
	dst, err := utils.JoinPath(dstDir, name)
	if err != nil {
		return err
	}

	st, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch ClassifyStat(st) {
	case Directory:
		if err := os.Mkdir(dst, st.Mode().Perm()); err != nil && !os.IsExist(err) {
			return err
		}
		if err := copyDirMeta(src, dst); err != nil {
			utils.Log.Debug().Err(err).Str("path", dst).Msg("copying mirrored directory metadata failed")
		}
		return a.mirrorTree(src, dst)
	case Symlink:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if err := os.Symlink(target, dst); err != nil {
			return err
		}
		return utils.CopyContext(src, dst)
	case Whiteout:
		return nil
	default: // Regular
		if err := touchFile(dst); err != nil {
			return err
		}
		if err := os.Chmod(dst, st.Mode().Perm()); err != nil {
			utils.Log.Debug().Err(err).Str("path", dst).Msg("chmod mirrored file failed")
		}
		if err := a.Mount.Bind(src, dst); err != nil {
			return err
		}
		return utils.CopyContext(src, dst)
	}
}

func (a *Applier) mirrorTree(srcDir, dstDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := a.mirrorEntry(srcDir, dstDir, e.Name()); err != nil {
			utils.Log.Error().Err(err).Str("name", e.Name()).Str("path", srcDir).Msg("mirroring entry failed")
		}
	}
	return nil
}
