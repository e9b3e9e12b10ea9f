package overlay_test

import (
	"os"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kairos-io/magic-mount/pkg/overlay"
)

var _ = Describe("TempdirSelector", func() {
	It("falls back to the dev sentinel path when no candidate qualifies", func() {
		root, err := os.MkdirTemp("", "tempdir-root")
		Expect(err).ToNot(HaveOccurred())
		defer os.RemoveAll(root)

		sel := &overlay.TempdirSelector{Root: root}
		got := sel.Select()

		Expect(strings.HasSuffix(got, "/dev/.magic_mount")).To(BeTrue())
		Expect(strings.HasPrefix(got, root)).To(BeTrue())
	})

	It("defaults Root to / when unset", func() {
		sel := &overlay.TempdirSelector{}
		got := sel.Select()
		Expect(got).ToNot(BeEmpty())
	})
})
