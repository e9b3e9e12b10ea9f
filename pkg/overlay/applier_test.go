package overlay_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kairos-io/magic-mount/pkg/overlay"
)

type mountCall struct {
	op       string
	src, dst string
}

type fakeMounter struct {
	calls *[]mountCall
}

func (f fakeMounter) record(op, src, dst string) {
	*f.calls = append(*f.calls, mountCall{op: op, src: src, dst: dst})
}

func (f fakeMounter) Bind(src, dst string) error            { f.record("bind", src, dst); return nil }
func (f fakeMounter) SelfBind(path string) error             { f.record("selfbind", path, path); return nil }
func (f fakeMounter) MountTmpfs(source, target string) error { f.record("tmpfs", source, target); return nil }
func (f fakeMounter) RemountReadonly(target string) error    { f.record("remount-ro", "", target); return nil }
func (f fakeMounter) MakePrivate(target string) error        { f.record("private", "", target); return nil }
func (f fakeMounter) Move(oldPath, newPath string) error     { f.record("move", oldPath, newPath); return nil }
func (f fakeMounter) Unmount(target string, flags int) error { f.record("unmount", "", target); return nil }

type fakeBridge struct {
	marked *[]string
}

func (b fakeBridge) MarkUnmountable(absPath string) error {
	*b.marked = append(*b.marked, absPath)
	return nil
}

func opsOf(calls []mountCall, op string) []mountCall {
	var out []mountCall
	for _, c := range calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

var _ = Describe("Applier", func() {
	var liveRoot, moduleDir, workdirParent, workdir string
	var calls []mountCall
	var marked []string
	var applier *overlay.Applier
	var ctx *overlay.Context

	BeforeEach(func() {
		var err error
		liveRoot, err = os.MkdirTemp("", "live")
		Expect(err).ToNot(HaveOccurred())
		moduleDir, err = os.MkdirTemp("", "modules")
		Expect(err).ToNot(HaveOccurred())
		workdirParent, err = os.MkdirTemp("", "workparent")
		Expect(err).ToNot(HaveOccurred())
		workdir = filepath.Join(workdirParent, ".magic_mount")

		calls = nil
		marked = nil
		applier = &overlay.Applier{
			Mount:    fakeMounter{calls: &calls},
			Bridge:   fakeBridge{marked: &marked},
			LiveRoot: liveRoot,
		}

		ctx = overlay.NewContext()
		ctx.EnableUnmountable = true
	})

	AfterEach(func() {
		Expect(os.RemoveAll(liveRoot)).To(Succeed())
		Expect(os.RemoveAll(moduleDir)).To(Succeed())
		Expect(os.RemoveAll(workdirParent)).To(Succeed())
	})

	It("binds a single new file directly onto the live tree without building a tmpfs", func() {
		Expect(os.MkdirAll(filepath.Join(liveRoot, "system", "lib"), 0755)).To(Succeed())

		moduleFile := filepath.Join(moduleDir, "modA", "system", "lib", "libfoo.so")
		Expect(os.MkdirAll(filepath.Dir(moduleFile), 0755)).To(Succeed())
		Expect(os.WriteFile(moduleFile, []byte("bin"), 0644)).To(Succeed())

		root := overlay.NewNode("", overlay.Directory)
		system := overlay.NewNode("system", overlay.Directory)
		lib := overlay.NewNode("lib", overlay.Directory)
		libfoo := overlay.NewNode("libfoo.so", overlay.Regular)
		libfoo.ModulePath = moduleFile
		libfoo.ModuleName = "modA"
		lib.AppendChild(libfoo)
		system.AppendChild(lib)
		root.AppendChild(system)

		Expect(applier.Apply(ctx, root, workdir)).To(Succeed())

		Expect(opsOf(calls, "move")).To(BeEmpty())
		Expect(opsOf(calls, "selfbind")).To(BeEmpty())

		binds := opsOf(calls, "bind")
		Expect(binds).To(HaveLen(1))
		Expect(binds[0].src).To(Equal(moduleFile))
		Expect(binds[0].dst).To(Equal(filepath.Join(liveRoot, "system", "lib", "libfoo.so")))

		Expect(ctx.Stats.NodesMounted).To(Equal(1))
		Expect(marked).To(ConsistOf(filepath.Join(liveRoot, "system", "lib", "libfoo.so")))
	})

	It("builds a synthetic tmpfs when a symlink child forces it, mirroring untouched siblings", func() {
		Expect(os.MkdirAll(filepath.Join(liveRoot, "system", "etc"), 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(liveRoot, "system", "etc", "init.rc"), []byte("old"), 0644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(liveRoot, "system", "etc", "other.txt"), []byte("keep"), 0644)).To(Succeed())

		modEtc := filepath.Join(moduleDir, "modA", "system", "etc")
		Expect(os.MkdirAll(modEtc, 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(modEtc, "init.rc"), []byte("new"), 0644)).To(Succeed())
		Expect(os.Symlink("/data/hosts", filepath.Join(modEtc, "hosts"))).To(Succeed())

		root := overlay.NewNode("", overlay.Directory)
		system := overlay.NewNode("system", overlay.Directory)
		etc := overlay.NewNode("etc", overlay.Directory)
		etc.ModulePath = modEtc
		etc.ModuleName = "modA"

		initRc := overlay.NewNode("init.rc", overlay.Regular)
		initRc.ModulePath = filepath.Join(modEtc, "init.rc")
		initRc.ModuleName = "modA"

		hosts := overlay.NewNode("hosts", overlay.Symlink)
		hosts.ModulePath = filepath.Join(modEtc, "hosts")
		hosts.ModuleName = "modA"

		etc.AppendChild(initRc)
		etc.AppendChild(hosts)
		system.AppendChild(etc)
		root.AppendChild(system)

		Expect(applier.Apply(ctx, root, workdir)).To(Succeed())

		Expect(opsOf(calls, "selfbind")).To(HaveLen(1))
		moves := opsOf(calls, "move")
		Expect(moves).To(HaveLen(1))
		Expect(moves[0].dst).To(Equal(filepath.Join(liveRoot, "system", "etc")))

		W := moves[0].src
		Expect(filepath.Join(W, "init.rc")).To(BeAnExistingFile())
		Expect(filepath.Join(W, "other.txt")).To(BeAnExistingFile())

		link, err := os.Readlink(filepath.Join(W, "hosts"))
		Expect(err).ToNot(HaveOccurred())
		Expect(link).To(Equal("/data/hosts"))

		// init.rc applied via tmpfs bind (not live bind), other.txt mirrored.
		binds := opsOf(calls, "bind")
		var dsts []string
		for _, c := range binds {
			dsts = append(dsts, c.dst)
		}
		Expect(dsts).To(ContainElement(filepath.Join(W, "init.rc")))
		Expect(dsts).To(ContainElement(filepath.Join(W, "other.txt")))

		Expect(marked).To(ConsistOf(filepath.Join(liveRoot, "system", "etc")))
		Expect(ctx.Stats.NodesMounted).To(Equal(3)) // init.rc + hosts + directory finalize
	})

	It("treats an opaque replace directory as tmpfs without mirroring original contents", func() {
		Expect(os.MkdirAll(filepath.Join(liveRoot, "system", "app", "Replaced"), 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(liveRoot, "system", "app", "Replaced", "old.apk"), []byte("old"), 0644)).To(Succeed())

		modDir := filepath.Join(moduleDir, "modA", "system", "app", "Replaced")
		Expect(os.MkdirAll(modDir, 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(modDir, "new.apk"), []byte("new"), 0644)).To(Succeed())

		root := overlay.NewNode("", overlay.Directory)
		system := overlay.NewNode("system", overlay.Directory)
		app := overlay.NewNode("app", overlay.Directory)
		replaced := overlay.NewNode("Replaced", overlay.Directory)
		replaced.ModulePath = modDir
		replaced.ModuleName = "modA"
		replaced.Replace = true

		newApk := overlay.NewNode("new.apk", overlay.Regular)
		newApk.ModulePath = filepath.Join(modDir, "new.apk")
		newApk.ModuleName = "modA"
		replaced.AppendChild(newApk)

		app.AppendChild(replaced)
		system.AppendChild(app)
		root.AppendChild(system)

		Expect(applier.Apply(ctx, root, workdir)).To(Succeed())

		moves := opsOf(calls, "move")
		Expect(moves).To(HaveLen(1))
		W := moves[0].src
		Expect(filepath.Join(W, "new.apk")).To(BeAnExistingFile())
		Expect(filepath.Join(W, "old.apk")).ToNot(BeAnExistingFile())
	})
})
