// Package kernel isolates every kernel interface the mount engine
// touches behind a narrow capability interface: mounts, loop devices,
// filesystem statistics, namespace isolation, and the vendor ioctls.
// Everything above this package is testable against the fake
// implementation; nothing above it issues a syscall directly.
package kernel

// Usage reports filesystem capacity for a mounted path.
type Usage struct {
	// TotalBytes is the filesystem capacity.
	TotalBytes uint64

	// UsedBytes is the capacity currently in use.
	UsedBytes uint64
}

// Percent returns used capacity as a whole percentage.
func (u Usage) Percent() uint8 {
	if u.TotalBytes == 0 {
		return 0
	}
	return uint8(u.UsedBytes * 100 / u.TotalBytes)
}

// Interface is the complete set of kernel operations the engine may
// perform. Implementations: RealKernel (syscalls) and FakeKernel
// (in-memory, for tests).
type Interface interface {
	// MountTmpfs mounts a tmpfs at target with the given source label.
	MountTmpfs(source, target string) error

	// MountOverlay mounts an overlay filesystem at target. lowerdirs
	// are ordered highest-precedence-first, matching the kernel's
	// lowerdir option order. upperdir and workdir may be empty for a
	// read-only mount.
	MountOverlay(target, source string, lowerdirs []string, upperdir, workdir string) error

	// MountExt4 mounts an ext4 filesystem from device at target.
	MountExt4(device, target string) error

	// BindMount recursively bind-mounts source onto target.
	BindMount(source, target string) error

	// RemountReadOnly remounts an existing bind mount read-only.
	RemountReadOnly(target string) error

	// MoveMount moves the mount at source onto target.
	MoveMount(source, target string) error

	// Unmount lazily detaches the mount at target.
	Unmount(target string) error

	// MountPoints returns the mount points visible to this process.
	MountPoints() ([]string, error)

	// Statfs reports capacity for the filesystem containing path.
	Statfs(path string) (Usage, error)

	// LoopAttach attaches the image file to a free loop device and
	// returns the device path.
	LoopAttach(imagePath string) (string, error)

	// LoopDetach detaches a loop device.
	LoopDetach(device string) error

	// HoldRoot pins the directory at path and returns an alternate
	// path that keeps resolving to the pre-mount tree after a mount
	// shadows it, plus a release function.
	HoldRoot(path string) (string, func(), error)

	// NukeSysfs asks the kernel driver to strip the framework's trace
	// entries for the given backing device from sysfs. Best-effort.
	NukeSysfs(device string) error

	// SetProcessName rewrites the kernel-visible process name.
	SetProcessName(name string) error
}
