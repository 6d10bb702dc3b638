//go:build linux

package kernel

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RealKernel implements Interface with Linux syscalls.
type RealKernel struct{}

// NewRealKernel creates a new RealKernel.
func NewRealKernel() *RealKernel {
	return &RealKernel{}
}

// MountTmpfs mounts a tmpfs at target with the given source label.
func (k *RealKernel) MountTmpfs(source, target string) error {
	if err := unix.Mount(source, target, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("mount tmpfs at %s: %w", target, err)
	}
	return nil
}

// MountOverlay mounts an overlay filesystem at target. The new mount
// API (fsopen) is tried first; kernels without it fall back to the
// classic mount(2) data-string form, as stock overlay tooling does.
func (k *RealKernel) MountOverlay(target, source string, lowerdirs []string, upperdir, workdir string) error {
	lowerdir := strings.Join(lowerdirs, ":")

	if err := k.fsopenOverlay(target, source, lowerdir, upperdir, workdir); err == nil {
		return nil
	}

	data := "lowerdir=" + lowerdir
	if upperdir != "" && workdir != "" {
		data += ",upperdir=" + upperdir + ",workdir=" + workdir
	}
	if err := unix.Mount(source, target, "overlay", 0, data); err != nil {
		return fmt.Errorf("mount overlay at %s: %w", target, err)
	}
	return nil
}

func (k *RealKernel) fsopenOverlay(target, source, lowerdir, upperdir, workdir string) error {
	fsfd, err := unix.Fsopen("overlay", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return err
	}
	defer func() { _ = unix.Close(fsfd) }()

	if err := unix.FsconfigSetString(fsfd, "lowerdir", lowerdir); err != nil {
		return err
	}
	if upperdir != "" && workdir != "" {
		if err := unix.FsconfigSetString(fsfd, "upperdir", upperdir); err != nil {
			return err
		}
		if err := unix.FsconfigSetString(fsfd, "workdir", workdir); err != nil {
			return err
		}
	}
	if err := unix.FsconfigSetString(fsfd, "source", source); err != nil {
		return err
	}
	if err := unix.FsconfigCreate(fsfd); err != nil {
		return err
	}

	mfd, err := unix.Fsmount(fsfd, unix.FSMOUNT_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer func() { _ = unix.Close(mfd) }()

	return unix.MoveMount(mfd, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH)
}

// MountExt4 mounts an ext4 filesystem from device at target.
func (k *RealKernel) MountExt4(device, target string) error {
	if err := unix.Mount(device, target, "ext4", 0, ""); err != nil {
		return fmt.Errorf("mount ext4 %s at %s: %w", device, target, err)
	}
	return nil
}

// BindMount recursively bind-mounts source onto target, preferring the
// open_tree/move_mount pair so the clone carries no propagation ties.
func (k *RealKernel) BindMount(source, target string) error {
	tfd, err := unix.OpenTree(unix.AT_FDCWD, source,
		unix.OPEN_TREE_CLONE|unix.OPEN_TREE_CLOEXEC|unix.AT_RECURSIVE)
	if err == nil {
		defer func() { _ = unix.Close(tfd) }()
		if err := unix.MoveMount(tfd, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH); err == nil {
			return nil
		}
	}

	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", source, target, err)
	}
	return nil
}

// RemountReadOnly remounts an existing bind mount read-only.
func (k *RealKernel) RemountReadOnly(target string) error {
	if err := unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remount %s read-only: %w", target, err)
	}
	return nil
}

// MoveMount moves the mount at source onto target.
func (k *RealKernel) MoveMount(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("move mount %s -> %s: %w", source, target, err)
	}
	return nil
}

// HoldRoot opens path and returns its procfs fd alias. The alias
// resolves to the pre-mount tree even after a mount shadows path;
// the release function drops the pin.
func (k *RealKernel) HoldRoot(path string) (string, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("pin %s: %w", path, err)
	}
	return fmt.Sprintf("/proc/self/fd/%d", f.Fd()), func() { _ = f.Close() }, nil
}

// Unmount lazily detaches the mount at target.
func (k *RealKernel) Unmount(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}

// MountPoints returns the mount points visible to this process, in
// /proc/self/mountinfo order (parents precede children).
func (k *RealKernel) MountPoints() ([]string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, fmt.Errorf("open mountinfo: %w", err)
	}
	defer func() { _ = f.Close() }()

	var points []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// mountinfo: id parent major:minor root mount-point ...
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		points = append(points, unescapeMountPath(fields[4]))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mountinfo: %w", err)
	}
	return points, nil
}

// unescapeMountPath decodes the octal escapes mountinfo uses for
// spaces, tabs and backslashes.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			var c byte
			octal := true
			for j := 1; j <= 3; j++ {
				d := s[i+j]
				if d < '0' || d > '7' {
					octal = false
					break
				}
				c = c<<3 | (d - '0')
			}
			if octal {
				b.WriteByte(c)
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Statfs reports capacity for the filesystem containing path.
func (k *RealKernel) Statfs(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := st.Blocks * uint64(st.Frsize)
	free := st.Bfree * uint64(st.Frsize)
	return Usage{TotalBytes: total, UsedBytes: total - free}, nil
}

// SetProcessName rewrites the kernel-visible process name.
func (k *RealKernel) SetProcessName(name string) error {
	b, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(b)), 0, 0, 0); err != nil {
		return fmt.Errorf("set process name: %w", err)
	}
	return nil
}
