package overlay

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kairos-io/magic-mount/internal/utils"
)

// kernelBridgeDevice is the kernel-allocated character device that exposes
// the unmountable-list ioctl. Opening it is the one operation this package
// performs against a collaborator it does not otherwise know about.
const kernelBridgeDevice = "/dev/ksu"

// markUnmountableIoctl is the opaque request number the host kernel module
// recognises on kernelBridgeDevice. The argument is a NUL-terminated path.
const markUnmountableIoctl = 0xdeadbeef

// KernelBridge marks a mountpoint as unmountable from unprivileged mount
// namespaces by way of a single opaque ioctl, per spec.md §4.7 and §6.
// It is an interface so tests can substitute a bridge that just records
// calls instead of touching a real device node.
type KernelBridge interface {
	MarkUnmountable(absPath string) error
}

// deviceKernelBridge lazily opens kernelBridgeDevice once per process,
// guarded by sync.Once, mirroring the source's lazily-initialised kernel
// FD singleton (spec.md §9 Global State).
type deviceKernelBridge struct {
	once sync.Once
	fd   *os.File
	err  error
}

// NewKernelBridge returns a KernelBridge backed by the real kernel device.
func NewKernelBridge() KernelBridge {
	return &deviceKernelBridge{}
}

func (k *deviceKernelBridge) open() (*os.File, error) {
	k.once.Do(func() {
		k.fd, k.err = os.OpenFile(kernelBridgeDevice, os.O_RDWR, 0)
	})
	return k.fd, k.err
}

func (k *deviceKernelBridge) MarkUnmountable(absPath string) error {
	fd, err := k.open()
	if err != nil {
		return fmt.Errorf("kernel bridge device unavailable: %w", err)
	}

	buf, err := unix.BytePtrFromString(absPath)
	if err != nil {
		return err
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd.Fd(), uintptr(markUnmountableIoctl), uintptr(unsafe.Pointer(buf)))
	if errno != 0 {
		return errno
	}
	return nil
}

// noopKernelBridge logs and swallows every call; the CLI installs it when
// EnableUnmountable is off.
type noopKernelBridge struct{}

func (noopKernelBridge) MarkUnmountable(absPath string) error {
	utils.Log.Debug().Str("path", absPath).Msg("kernel bridge disabled, skipping markUnmountable")
	return nil
}

// NewNoopKernelBridge returns a KernelBridge that never touches the kernel
// device, for configurations running with enableUnmountable = false.
func NewNoopKernelBridge() KernelBridge {
	return noopKernelBridge{}
}
