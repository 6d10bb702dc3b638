package executor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hybridmount/hybridmount/internal/planner"
)

// mountOverlay composes the task's layers over the stock partition
// with an overlay mount whose upperdir lives on the staging backend,
// then restores any mounts that were nested under the target and got
// shadowed by it.
func (e *Executor) mountOverlay(t *planner.Task) error {
	// Kernel lowerdir order is highest precedence first, the reverse
	// of the task's layer order. The stock partition sits at the
	// bottom.
	lowerdirs := make([]string, 0, len(t.LayerDirs)+1)
	for i := len(t.LayerDirs) - 1; i >= 0; i-- {
		lowerdirs = append(lowerdirs, t.LayerDirs[i])
	}
	lowerdirs = append(lowerdirs, t.TargetPath)

	children, err := e.childMounts(t.TargetPath)
	if err != nil {
		return err
	}

	// Pin the stock root so the pre-overlay tree, including the nested
	// mounts attached to it, stays reachable after the overlay shadows
	// the path.
	stockRoot, release, err := e.kern.HoldRoot(t.TargetPath)
	if err != nil {
		return fmt.Errorf("failed to pin stock root: %w", err)
	}
	defer release()

	// Each partition gets its own upperdir/workdir pair so copy-ups
	// land on the staging backend, never on the stock partition.
	upper := filepath.Join(e.scratch, "overlay", t.Partition, "upper")
	work := filepath.Join(e.scratch, "overlay", t.Partition, "work")
	if err := e.fs.MkdirAll(upper, 0o755); err != nil {
		return fmt.Errorf("failed to create upperdir: %w", err)
	}
	if err := e.fs.MkdirAll(work, 0o755); err != nil {
		return fmt.Errorf("failed to create workdir: %w", err)
	}

	if err := e.kern.MountOverlay(t.TargetPath, e.source, lowerdirs, upper, work); err != nil {
		return fmt.Errorf("failed to mount overlay on %s: %w", t.TargetPath, err)
	}

	for _, child := range children {
		rel := strings.TrimPrefix(child, t.TargetPath)
		if err := e.kern.BindMount(stockRoot+rel, child); err != nil {
			e.log.Warn("failed to restore nested mount", "path", child, "error", err)
		}
	}
	return nil
}

// childMounts returns the mount points strictly under target, sorted
// shallowest first.
func (e *Executor) childMounts(target string) ([]string, error) {
	points, err := e.kern.MountPoints()
	if err != nil {
		return nil, fmt.Errorf("failed to list mount points: %w", err)
	}
	prefix := target + "/"
	var children []string
	for _, p := range points {
		if strings.HasPrefix(p, prefix) {
			children = append(children, p)
		}
	}
	return children, nil
}
