//go:build linux

package kernel

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The root framework exposes its driver fd through a magic reboot(2)
// handshake rather than a device node, so the fd itself leaves no
// /dev footprint.
const (
	driverMagic1 = 0xDEADBEEF
	driverMagic2 = 0xCAFEBABE

	ioctlNukeSysfs = 0x40004b11
)

type nukeSysfsCmd struct {
	arg uint64
}

var (
	driverOnce sync.Once
	driverFd   int
)

func grabDriverFd() int {
	driverOnce.Do(func() {
		driverFd = -1
		fd := int32(-1)
		_, _, _ = unix.Syscall6(unix.SYS_REBOOT,
			driverMagic1, driverMagic2, 0,
			uintptr(unsafe.Pointer(&fd)), 0, 0)
		driverFd = int(fd)
	})
	return driverFd
}

// NukeSysfs asks the kernel driver to strip the framework's trace
// entries for the given backing device from sysfs.
func (k *RealKernel) NukeSysfs(device string) error {
	fd := grabDriverFd()
	if fd < 0 {
		return fmt.Errorf("kernel driver not available")
	}

	path, err := unix.BytePtrFromString(device)
	if err != nil {
		return err
	}
	cmd := nukeSysfsCmd{arg: uint64(uintptr(unsafe.Pointer(path)))}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL,
		uintptr(fd), ioctlNukeSysfs, uintptr(unsafe.Pointer(&cmd)))
	if errno != 0 {
		return fmt.Errorf("nuke sysfs ioctl: %w", errno)
	}
	return nil
}
