//go:build linux

package kernel

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const loopControlPath = "/dev/loop-control"

// LoopAttach attaches the image file to a free loop device and returns
// the device path. The device is not marked autoclear; the storage
// backend owns its lifetime and detaches explicitly.
func (k *RealKernel) LoopAttach(imagePath string) (string, error) {
	ctl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("open loop control: %w", err)
	}
	defer func() { _ = ctl.Close() }()

	num, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", fmt.Errorf("get free loop device: %w", err)
	}
	device := fmt.Sprintf("/dev/loop%d", num)

	img, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("open image %s: %w", imagePath, err)
	}
	defer func() { _ = img.Close() }()

	dev, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", device, err)
	}
	defer func() { _ = dev.Close() }()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(img.Fd())); err != nil {
		return "", fmt.Errorf("attach %s to %s: %w", imagePath, device, err)
	}

	info := unix.LoopInfo64{}
	copy(info.File_name[:], imagePath)
	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), &info); err != nil {
		// The attach succeeded; never leave a half-attached device.
		_ = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		return "", fmt.Errorf("set loop status on %s: %w", device, err)
	}

	return device, nil
}

// LoopDetach detaches a loop device.
func (k *RealKernel) LoopDetach(device string) error {
	dev, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}
	defer func() { _ = dev.Close() }()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		return fmt.Errorf("detach %s: %w", device, err)
	}
	return nil
}
