package overlay_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kairos-io/magic-mount/pkg/overlay"
)

var _ = Describe("FsProbe", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "fsprobe")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	Describe("ClassifyStat", func() {
		It("classifies a regular file", func() {
			p := filepath.Join(dir, "file")
			Expect(os.WriteFile(p, []byte("x"), 0644)).To(Succeed())
			st, err := os.Lstat(p)
			Expect(err).ToNot(HaveOccurred())
			Expect(overlay.ClassifyStat(st)).To(Equal(overlay.Regular))
		})

		It("classifies a directory", func() {
			p := filepath.Join(dir, "sub")
			Expect(os.Mkdir(p, 0755)).To(Succeed())
			st, err := os.Lstat(p)
			Expect(err).ToNot(HaveOccurred())
			Expect(overlay.ClassifyStat(st)).To(Equal(overlay.Directory))
		})

		It("classifies a symlink", func() {
			target := filepath.Join(dir, "target")
			Expect(os.WriteFile(target, []byte("x"), 0644)).To(Succeed())
			link := filepath.Join(dir, "link")
			Expect(os.Symlink(target, link)).To(Succeed())
			st, err := os.Lstat(link)
			Expect(err).ToNot(HaveOccurred())
			Expect(overlay.ClassifyStat(st)).To(Equal(overlay.Symlink))
		})
	})

	Describe("IsReplaceDir", func() {
		It("is false for a plain directory", func() {
			p := filepath.Join(dir, "plain")
			Expect(os.Mkdir(p, 0755)).To(Succeed())
			Expect(overlay.IsReplaceDir(p)).To(BeFalse())
		})

		It("is true when a .replace sentinel file is present", func() {
			p := filepath.Join(dir, "replaced")
			Expect(os.Mkdir(p, 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(p, ".replace"), nil, 0644)).To(Succeed())
			Expect(overlay.IsReplaceDir(p)).To(BeTrue())
		})

		It("is false for a path that does not exist", func() {
			Expect(overlay.IsReplaceDir(filepath.Join(dir, "missing"))).To(BeFalse())
		})
	})
})
