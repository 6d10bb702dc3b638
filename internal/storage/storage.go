// Package storage provisions the staging area that module content is
// synced into before mounting. It prefers a tmpfs backend and falls
// back to an ext4 loop image when tmpfs cannot carry overlay xattrs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hybridmount/hybridmount/internal/config"
	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/kernel"
)

// ErrFault marks an unrecoverable storage failure. A run that hits it
// has no staging area and must abort before touching any partition.
var ErrFault = errors.New("storage fault")

// ImageSizeBytes is the loop image size. Sparse, so the real footprint
// is only what modules occupy.
const ImageSizeBytes = 2 << 30

// kindMarker is written at the backend root after a successful
// provision so a later run can tell what it is reusing.
const kindMarker = ".backend"

// Kind identifies the provisioned backend.
type Kind string

const (
	// KindTmpfs backs the staging area with tmpfs.
	KindTmpfs Kind = "tmpfs"

	// KindLoopImage backs the staging area with an ext4 loop image.
	KindLoopImage Kind = "loop_image"
)

// Backend describes a provisioned staging area.
type Backend struct {
	// Kind is the backend mechanism.
	Kind Kind

	// MountPoint is where the staging area is mounted.
	MountPoint string

	// ImagePath is the backing image file. Empty for tmpfs.
	ImagePath string

	// LoopDevice is the attached loop device. Empty for tmpfs.
	LoopDevice string

	// Reused reports that an earlier run's mount was adopted instead
	// of a fresh provision. A fresh provision means a fresh boot as
	// far as mount bookkeeping is concerned.
	Reused bool
}

// Manager provisions and tears down storage backends.
type Manager struct {
	kern kernel.Interface
	fs   fsops.FS
	exec Execer
	log  *slog.Logger
}

// NewManager creates a Manager.
func NewManager(kern kernel.Interface, fs fsops.FS, exec Execer, log *slog.Logger) *Manager {
	return &Manager{kern: kern, fs: fs, exec: exec, log: log}
}

// Provision mounts a staging area at paths.MountBase and returns its
// backend. Tmpfs is tried first unless the configuration forces ext4;
// a tmpfs that cannot hold trusted xattrs is unmounted and replaced
// with the loop image. Provision is idempotent: a mount already
// present at the base is reused.
func (m *Manager) Provision(ctx context.Context, cfg *config.Config, paths *config.Paths) (*Backend, error) {
	if err := m.fs.MkdirAll(paths.MountBase, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create mount base: %v", ErrFault, err)
	}

	if mounted, err := m.alreadyMounted(paths.MountBase); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFault, err)
	} else if mounted {
		m.log.Info("staging area already mounted, reusing", "path", paths.MountBase)
		return m.describeExisting(paths)
	}

	if !cfg.ForceExt4 {
		backend, err := m.provisionTmpfs(cfg, paths)
		if err == nil {
			return backend, nil
		}
		m.log.Warn("tmpfs backend unusable, falling back to loop image", "error", err)
	}

	backend, err := m.provisionLoopImage(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFault, err)
	}
	return backend, nil
}

func (m *Manager) provisionTmpfs(cfg *config.Config, paths *config.Paths) (*Backend, error) {
	if err := m.kern.MountTmpfs(cfg.MountSource, paths.MountBase); err != nil {
		return nil, fmt.Errorf("failed to mount tmpfs: %w", err)
	}
	if err := m.probeXattrs(paths.MountBase); err != nil {
		if uerr := m.kern.Unmount(paths.MountBase); uerr != nil {
			m.log.Warn("failed to unmount probe tmpfs", "error", uerr)
		}
		return nil, fmt.Errorf("tmpfs lacks trusted xattr support: %w", err)
	}
	backend := &Backend{Kind: KindTmpfs, MountPoint: paths.MountBase}
	m.writeKindMarker(backend)
	m.log.Info("staging area provisioned", "backend", string(KindTmpfs), "path", paths.MountBase)
	return backend, nil
}

// probeXattrs verifies the mounted filesystem can store the trusted
// xattrs overlayfs needs for whiteouts and opaque directories.
func (m *Manager) probeXattrs(base string) error {
	probe := filepath.Join(base, ".xattr_probe")
	if err := m.fs.MkdirAll(probe, 0o755); err != nil {
		return err
	}
	defer func() {
		_ = m.fs.RemoveAll(probe)
	}()
	return m.fs.Setxattr(probe, "trusted.overlay.opaque", []byte("y"))
}

func (m *Manager) provisionLoopImage(ctx context.Context, paths *config.Paths) (*Backend, error) {
	if err := m.ensureImage(ctx, paths.Image); err != nil {
		return nil, err
	}

	backend, err := m.attachAndMount(paths)
	if err == nil {
		return backend, nil
	}

	// A mount failure after a clean fsck means the image is beyond
	// repair. Recreate it once and retry; a second failure is final.
	m.log.Warn("loop image unusable, recreating", "image", paths.Image, "error", err)
	if rerr := m.recreateImage(ctx, paths.Image); rerr != nil {
		return nil, rerr
	}
	return m.attachAndMount(paths)
}

// attachAndMount attaches the image and mounts it. On any failure the
// loop device is detached again: the invariant is attached-and-mounted
// or fully detached, never half-attached.
func (m *Manager) attachAndMount(paths *config.Paths) (*Backend, error) {
	device, err := m.kern.LoopAttach(paths.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to attach loop device: %w", err)
	}
	if err := m.kern.MountExt4(device, paths.MountBase); err != nil {
		if derr := m.kern.LoopDetach(device); derr != nil {
			m.log.Warn("failed to detach loop device after mount failure",
				"device", device, "error", derr)
		}
		return nil, fmt.Errorf("failed to mount loop image: %w", err)
	}
	backend := &Backend{
		Kind:       KindLoopImage,
		MountPoint: paths.MountBase,
		ImagePath:  paths.Image,
		LoopDevice: device,
	}
	m.writeKindMarker(backend)
	m.log.Info("staging area provisioned",
		"backend", string(KindLoopImage), "path", paths.MountBase, "device", device)
	return backend, nil
}

// writeKindMarker records the backend kind (and loop device) on the
// freshly mounted filesystem. Best-effort; describeExisting falls
// back to a heuristic when the marker is missing.
func (m *Manager) writeKindMarker(b *Backend) {
	line := string(b.Kind)
	if b.LoopDevice != "" {
		line += " " + b.LoopDevice
	}
	path := filepath.Join(b.MountPoint, kindMarker)
	if err := m.fs.AtomicWrite(path, []byte(line+"\n"), 0o644); err != nil {
		m.log.Warn("failed to record backend kind", "error", err)
	}
}

// ensureImage makes sure a filesystem-checked image exists at path.
// An existing image is repaired with e2fsck; one that cannot be
// repaired is recreated.
func (m *Manager) ensureImage(ctx context.Context, path string) error {
	exists, err := m.fs.Exists(path)
	if err != nil {
		return fmt.Errorf("failed to probe image: %w", err)
	}
	if !exists {
		return m.recreateImage(ctx, path)
	}
	if err := m.fsck(ctx, path); err != nil {
		m.log.Warn("image repair failed, recreating", "image", path, "error", err)
		return m.recreateImage(ctx, path)
	}
	return nil
}

func (m *Manager) recreateImage(ctx context.Context, path string) error {
	if err := m.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale image: %w", err)
	}
	if err := m.fs.Truncate(path, ImageSizeBytes); err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	if out, err := m.exec.Run(ctx, "mkfs.ext4", "-q", path); err != nil {
		return fmt.Errorf("mkfs.ext4 failed: %w: %s", err, out)
	}
	m.log.Info("created loop image", "image", path, "bytes", int64(ImageSizeBytes))
	return nil
}

// fsck runs a forced repair. e2fsck exits 0 for clean and 1 for
// corrected errors; both leave a mountable filesystem.
func (m *Manager) fsck(ctx context.Context, path string) error {
	out, err := m.exec.Run(ctx, "e2fsck", "-y", "-f", path)
	if err == nil {
		return nil
	}
	var exitErr *exitCoder
	if errors.As(err, &exitErr) && exitErr.Code() == 1 {
		m.log.Info("image repaired", "image", path)
		return nil
	}
	return fmt.Errorf("e2fsck failed: %w: %s", err, out)
}

// Teardown unmounts the staging area and releases the loop device.
func (m *Manager) Teardown(backend *Backend) error {
	if backend == nil {
		return nil
	}
	if err := m.kern.Unmount(backend.MountPoint); err != nil {
		return fmt.Errorf("failed to unmount staging area: %w", err)
	}
	if backend.Kind == KindLoopImage && backend.LoopDevice != "" {
		if err := m.kern.LoopDetach(backend.LoopDevice); err != nil {
			return fmt.Errorf("failed to detach loop device: %w", err)
		}
	}
	return nil
}

// Usage reports capacity for the provisioned staging area.
func (m *Manager) Usage(backend *Backend) (kernel.Usage, error) {
	return m.kern.Statfs(backend.MountPoint)
}

func (m *Manager) alreadyMounted(base string) (bool, error) {
	points, err := m.kern.MountPoints()
	if err != nil {
		return false, fmt.Errorf("failed to list mount points: %w", err)
	}
	for _, p := range points {
		if p == base {
			return true, nil
		}
	}
	return false, nil
}

// describeExisting reconstructs the backend descriptor for a staging
// area left mounted by an earlier run. The kind marker the provision
// wrote is authoritative; a stale image file next to a live tmpfs
// mount must not flip the reported kind.
func (m *Manager) describeExisting(paths *config.Paths) (*Backend, error) {
	if data, err := m.fs.ReadFile(filepath.Join(paths.MountBase, kindMarker)); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) > 0 && Kind(fields[0]) == KindLoopImage {
			b := &Backend{Kind: KindLoopImage, MountPoint: paths.MountBase, ImagePath: paths.Image, Reused: true}
			if len(fields) > 1 {
				b.LoopDevice = fields[1]
			}
			return b, nil
		}
		if len(fields) > 0 && Kind(fields[0]) == KindTmpfs {
			return &Backend{Kind: KindTmpfs, MountPoint: paths.MountBase, Reused: true}, nil
		}
	}

	exists, err := m.fs.Exists(paths.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFault, err)
	}
	if exists {
		return &Backend{Kind: KindLoopImage, MountPoint: paths.MountBase, ImagePath: paths.Image, Reused: true}, nil
	}
	return &Backend{Kind: KindTmpfs, MountPoint: paths.MountBase, Reused: true}, nil
}
