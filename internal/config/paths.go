package config

import (
	"os"
	"path/filepath"
)

// Paths contains the filesystem locations owned by the daemon.
type Paths struct {
	// Root is the base directory for all daemon data.
	Root string

	// Config is the configuration document.
	Config string

	// Modes is the per-module mode override file (id=mode lines).
	Modes string

	// State is the persisted run-state snapshot.
	State string

	// Log is the daemon log file.
	Log string

	// Lock is the advisory run lock.
	Lock string

	// Image is the loop-image backing file.
	Image string

	// MountBase is the staging area mount point, owned exclusively by
	// the daemon for the run's lifetime.
	MountBase string

	// Snapshots is the config snapshot directory for bootloop rescue.
	Snapshots string

	// BootCount is the consecutive-failed-boot counter file.
	BootCount string
}

// DefaultPaths returns the default daemon paths. The root can be
// overridden with HYBRIDMOUNT_ROOT, which tests rely on.
func DefaultPaths() *Paths {
	root := os.Getenv("HYBRIDMOUNT_ROOT")
	if root == "" {
		root = "/data/adb/hybridmount"
	}
	return PathsAt(root)
}

// PathsAt returns the daemon paths rooted at the given directory.
func PathsAt(root string) *Paths {
	return &Paths{
		Root:      root,
		Config:    filepath.Join(root, "config.json"),
		Modes:     filepath.Join(root, "module_modes"),
		State:     filepath.Join(root, "state.json"),
		Log:       filepath.Join(root, "daemon.log"),
		Lock:      filepath.Join(root, ".run.lock"),
		Image:     filepath.Join(root, "modules.img"),
		MountBase: filepath.Join(root, "mnt"),
		Snapshots: filepath.Join(root, "snapshots"),
		BootCount: filepath.Join(root, "boot_count"),
	}
}

// EnsureDirectories creates the directories the daemon writes into.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.Root, p.MountBase, p.Snapshots} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
