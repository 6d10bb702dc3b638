package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hybridmount/hybridmount/internal/planner"
)

// mountMagic composes the task's layers over the stock partition with
// a synthetic bind tree: a tmpfs skeleton mirroring the stock
// directory structure, with module content bound in, untouched
// entries bound through, and whiteouts simply omitted. The finished
// skeleton is remounted read-only and moved onto the target in one
// step, so the partition never shows a half-built view.
func (e *Executor) mountMagic(t *planner.Task) error {
	tree, err := buildTree(e.fs, t.LayerDirs)
	if err != nil {
		return err
	}

	skel := filepath.Join(e.scratch, "magic", t.Partition)
	if err := e.fs.RemoveAll(skel); err != nil {
		return fmt.Errorf("failed to clear skeleton dir: %w", err)
	}
	if err := e.fs.MkdirAll(skel, 0o755); err != nil {
		return fmt.Errorf("failed to create skeleton dir: %w", err)
	}
	if err := e.kern.MountTmpfs(e.source, skel); err != nil {
		return fmt.Errorf("failed to mount skeleton tmpfs: %w", err)
	}

	if err := e.buildSkeleton(t.TargetPath, tree, skel); err != nil {
		if uerr := e.kern.Unmount(skel); uerr != nil {
			e.log.Warn("failed to unmount partial skeleton", "path", skel, "error", uerr)
		}
		return fmt.Errorf("failed to build bind tree for %s: %w", t.TargetPath, err)
	}
	if err := e.fs.CloneMeta(t.TargetPath, skel); err != nil {
		e.log.Warn("failed to clone root metadata", "path", t.TargetPath, "error", err)
	}

	if err := e.kern.RemountReadOnly(skel); err != nil {
		e.log.Warn("failed to remount skeleton read-only", "path", skel, "error", err)
	}
	if err := e.kern.MoveMount(skel, t.TargetPath); err != nil {
		if uerr := e.kern.Unmount(skel); uerr != nil {
			e.log.Warn("failed to unmount orphaned skeleton", "path", skel, "error", uerr)
		}
		return fmt.Errorf("failed to move bind tree onto %s: %w", t.TargetPath, err)
	}
	return nil
}

// buildSkeleton populates skelDir with the merge of the stock
// directory at realDir and the synthetic tree n. realDir may be empty
// when the stock side has no counterpart, in which case only module
// content is emitted. Parents are always fully created before their
// children are descended into.
func (e *Executor) buildSkeleton(realDir string, n *node, skelDir string) error {
	for _, name := range e.skeletonNames(realDir, n) {
		child := n.children[name]
		skelPath := filepath.Join(skelDir, name)
		realPath := ""
		if realDir != "" {
			realPath = filepath.Join(realDir, name)
		}

		if child == nil {
			if err := e.mirrorEntry(realPath, skelPath); err != nil {
				return err
			}
			continue
		}

		switch child.kind {
		case nodeWhiteout:
			// Omitting the entry hides it.

		case nodeFile:
			if err := e.placeFile(child.src, skelPath); err != nil {
				return err
			}

		case nodeSymlink:
			if err := e.placeSymlink(child.src, skelPath); err != nil {
				return err
			}

		case nodeDir:
			stockDir := ""
			if realPath != "" && !child.replace {
				if info, err := e.fs.Lstat(realPath); err == nil && info.IsDir() {
					stockDir = realPath
				}
			}
			metaSrc := child.src
			if stockDir != "" {
				metaSrc = stockDir
			}
			if err := e.fs.Mkdir(skelPath, 0o755); err != nil {
				return fmt.Errorf("failed to create skeleton dir %s: %w", skelPath, err)
			}
			if err := e.fs.CloneMeta(metaSrc, skelPath); err != nil {
				return fmt.Errorf("failed to clone dir metadata onto %s: %w", skelPath, err)
			}
			if err := e.buildSkeleton(stockDir, child, skelPath); err != nil {
				return err
			}
		}
	}
	return nil
}

// skeletonNames returns the union of stock entries and tree children,
// sorted for deterministic construction.
func (e *Executor) skeletonNames(realDir string, n *node) []string {
	seen := map[string]bool{}
	var names []string
	if realDir != "" {
		if entries, err := e.fs.ReadDir(realDir); err == nil {
			for _, entry := range entries {
				seen[entry.Name()] = true
				names = append(names, entry.Name())
			}
		}
	}
	for name := range n.children {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// mirrorEntry reproduces an untouched stock entry in the skeleton:
// directories and files become bind mounts of the stock path, symlinks
// are recreated.
func (e *Executor) mirrorEntry(realPath, skelPath string) error {
	info, err := e.fs.Lstat(realPath)
	if err != nil {
		return fmt.Errorf("failed to stat stock entry %s: %w", realPath, err)
	}
	mode := info.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		target, err := e.fs.Readlink(realPath)
		if err != nil {
			return fmt.Errorf("failed to read stock symlink %s: %w", realPath, err)
		}
		if err := e.fs.Symlink(target, skelPath); err != nil {
			return fmt.Errorf("failed to mirror symlink %s: %w", skelPath, err)
		}
		return e.fs.CloneMeta(realPath, skelPath)

	case mode.IsDir():
		if err := e.fs.Mkdir(skelPath, 0o755); err != nil {
			return fmt.Errorf("failed to create mirror dir %s: %w", skelPath, err)
		}
		if err := e.fs.CloneMeta(realPath, skelPath); err != nil {
			return err
		}
		return e.kern.BindMount(realPath, skelPath)

	default:
		if err := e.fs.Create(skelPath, 0o644); err != nil {
			return fmt.Errorf("failed to create mirror stub %s: %w", skelPath, err)
		}
		if err := e.fs.CloneMeta(realPath, skelPath); err != nil {
			return err
		}
		return e.kern.BindMount(realPath, skelPath)
	}
}

// placeFile binds a staged module file into the skeleton over a
// metadata-cloned stub.
func (e *Executor) placeFile(src, skelPath string) error {
	if err := e.fs.Create(skelPath, 0o644); err != nil {
		return fmt.Errorf("failed to create stub %s: %w", skelPath, err)
	}
	if err := e.fs.CloneMeta(src, skelPath); err != nil {
		return err
	}
	return e.kern.BindMount(src, skelPath)
}

func (e *Executor) placeSymlink(src, skelPath string) error {
	target, err := e.fs.Readlink(src)
	if err != nil {
		return fmt.Errorf("failed to read staged symlink %s: %w", src, err)
	}
	if err := e.fs.Symlink(target, skelPath); err != nil {
		return fmt.Errorf("failed to place symlink %s: %w", skelPath, err)
	}
	return e.fs.CloneMeta(src, skelPath)
}
