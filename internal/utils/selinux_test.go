package utils_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kairos-io/magic-mount/internal/utils"
)

var _ = Describe("SELinux context helpers", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "selinux")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("GetContext returns empty for a path with no label, without erroring", func() {
		f := filepath.Join(dir, "plain")
		Expect(os.WriteFile(f, nil, 0644)).To(Succeed())
		Expect(utils.GetContext(f)).To(Equal(""))
	})

	It("GetContext is a no-op for an empty path", func() {
		Expect(utils.GetContext("")).To(Equal(""))
	})

	It("SetContext is a no-op for an empty path or label", func() {
		Expect(utils.SetContext("", "label")).ToNot(HaveOccurred())
		f := filepath.Join(dir, "plain")
		Expect(os.WriteFile(f, nil, 0644)).To(Succeed())
		Expect(utils.SetContext(f, "")).ToNot(HaveOccurred())
	})

	It("CopyContext is a silent no-op when the source carries no label", func() {
		src := filepath.Join(dir, "src")
		dst := filepath.Join(dir, "dst")
		Expect(os.WriteFile(src, nil, 0644)).To(Succeed())
		Expect(os.WriteFile(dst, nil, 0644)).To(Succeed())
		Expect(utils.CopyContext(src, dst)).ToNot(HaveOccurred())
	})
})
