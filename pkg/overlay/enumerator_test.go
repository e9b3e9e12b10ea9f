package overlay_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kairos-io/magic-mount/pkg/overlay"
)

var _ = Describe("ModuleEnumerator", func() {
	var moduleDir string

	BeforeEach(func() {
		var err error
		moduleDir, err = os.MkdirTemp("", "modules")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(moduleDir)).To(Succeed())
	})

	mkModule := func(name string, withSystem bool) {
		p := filepath.Join(moduleDir, name)
		Expect(os.MkdirAll(p, 0755)).To(Succeed())
		if withSystem {
			Expect(os.MkdirAll(filepath.Join(p, "system"), 0755)).To(Succeed())
		}
	}

	Describe("IsModuleDisabled", func() {
		It("is false for a module with no sentinel files", func() {
			mkModule("modA", true)
			Expect(overlay.IsModuleDisabled(filepath.Join(moduleDir, "modA"))).To(BeFalse())
		})

		DescribeTable("is true when a disable sentinel is present",
			func(sentinel string) {
				mkModule("modA", true)
				Expect(os.WriteFile(filepath.Join(moduleDir, "modA", sentinel), nil, 0644)).To(Succeed())
				Expect(overlay.IsModuleDisabled(filepath.Join(moduleDir, "modA"))).To(BeTrue())
			},
			Entry("disable", "disable"),
			Entry("remove", "remove"),
			Entry("skip_mount", "skip_mount"),
		)
	})

	Describe("EnumerateModules", func() {
		It("only returns modules with a system/ subdirectory", func() {
			mkModule("hasSystem", true)
			mkModule("noSystem", false)

			mods, err := overlay.EnumerateModules(moduleDir)
			Expect(err).ToNot(HaveOccurred())
			Expect(mods).To(HaveLen(1))
			Expect(mods[0].Name).To(Equal("hasSystem"))
			Expect(mods[0].SystemPath).To(Equal(filepath.Join(moduleDir, "hasSystem", "system")))
		})

		It("skips disabled modules", func() {
			mkModule("modA", true)
			mkModule("modB", true)
			Expect(os.WriteFile(filepath.Join(moduleDir, "modB", "disable"), nil, 0644)).To(Succeed())

			mods, err := overlay.EnumerateModules(moduleDir)
			Expect(err).ToNot(HaveOccurred())
			Expect(mods).To(HaveLen(1))
			Expect(mods[0].Name).To(Equal("modA"))
		})

		It("errors when the module root cannot be read", func() {
			_, err := overlay.EnumerateModules(filepath.Join(moduleDir, "does-not-exist"))
			Expect(err).To(HaveOccurred())
		})
	})
})
