// Package planner turns a staged module inventory into an ordered
// set of mount tasks, one per partition and strategy.
package planner

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/inventory"
)

// Strategy selects the mount mechanism for a task.
type Strategy string

const (
	// StrategyOverlay composes module layers with an overlay mount.
	StrategyOverlay Strategy = "overlay"

	// StrategyMagic composes module layers with a synthetic bind tree.
	StrategyMagic Strategy = "magic"
)

// Status tracks a task through execution.
type Status string

const (
	StatusPending        Status = "pending"
	StatusMounted        Status = "mounted"
	StatusFailedRetrying Status = "failed_retrying"
	StatusFailedFinal    Status = "failed_final"
)

// Task is one planned mount: a set of module layers composed onto a
// single partition with a single strategy.
type Task struct {
	// Partition is the bare partition name, e.g. "system".
	Partition string

	// TargetPath is the mount target, e.g. "/system".
	TargetPath string

	// Strategy is the mechanism to use first. The executor may demote
	// an overlay task to magic on failure.
	Strategy Strategy

	// ModuleIDs lists the contributing modules in layer precedence
	// order: later entries override earlier ones on path conflicts.
	ModuleIDs []string

	// LayerDirs are the staged content directories, parallel to
	// ModuleIDs.
	LayerDirs []string

	// AllowFallback permits demoting an overlay task to magic when the
	// overlay mount fails. False when any contributing module forces
	// overlay mode.
	AllowFallback bool

	// Status is the execution state. Owned by the executor after
	// Generate returns.
	Status Status
}

// Planner builds mount tasks from staged modules.
type Planner struct {
	fs  fsops.FS
	log *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(fs fsops.FS, log *slog.Logger) *Planner {
	return &Planner{fs: fs, log: log}
}

// Generate plans mounts for the staged modules across the target
// partitions. Modules forced to magic mode are planned separately
// from the rest, so a forced module never rides an overlay task.
// Partitions that no module touches produce no task.
//
// Input module order is layer precedence order and is preserved
// within each task.
func (p *Planner) Generate(mods []inventory.Module, stagedRoot string, partitions []string) ([]*Task, error) {
	var magic, general []inventory.Module
	for _, m := range mods {
		if m.Mode == inventory.ModeForceMagic {
			magic = append(magic, m)
		} else {
			general = append(general, m)
		}
	}

	var tasks []*Task
	for _, partition := range partitions {
		target := "/" + partition

		layers, ids, err := p.collectLayers(general, stagedRoot, partition)
		if err != nil {
			return nil, err
		}
		if len(layers) > 0 {
			tasks = append(tasks, &Task{
				Partition:     partition,
				TargetPath:    target,
				Strategy:      StrategyOverlay,
				ModuleIDs:     ids,
				LayerDirs:     layers,
				AllowFallback: !forcesOverlay(general, ids),
				Status:        StatusPending,
			})
		}

		magicLayers, magicIDs, err := p.collectLayers(magic, stagedRoot, partition)
		if err != nil {
			return nil, err
		}
		if len(magicLayers) > 0 {
			tasks = append(tasks, &Task{
				Partition:  partition,
				TargetPath: target,
				Strategy:   StrategyMagic,
				ModuleIDs:  magicIDs,
				LayerDirs:  magicLayers,
				Status:     StatusPending,
			})
		}
	}

	for _, t := range tasks {
		p.log.Debug("planned mount task",
			"partition", t.Partition,
			"strategy", string(t.Strategy),
			"modules", t.ModuleIDs)
	}
	return tasks, nil
}

// collectLayers returns the staged per-partition content dirs for the
// given modules, in module order, skipping modules without content
// for the partition.
func (p *Planner) collectLayers(mods []inventory.Module, stagedRoot, partition string) (layers, ids []string, err error) {
	for _, m := range mods {
		dir := filepath.Join(stagedRoot, m.ID, partition)
		ok, err := p.fs.Exists(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to probe %s for %s: %w", partition, m.ID, err)
		}
		if !ok {
			continue
		}
		layers = append(layers, dir)
		ids = append(ids, m.ID)
	}
	return layers, ids, nil
}

// forcesOverlay reports whether any of ids belongs to a module pinned
// to overlay mode.
func forcesOverlay(mods []inventory.Module, ids []string) bool {
	pinned := map[string]bool{}
	for _, m := range mods {
		if m.Mode == inventory.ModeForceOverlay {
			pinned[m.ID] = true
		}
	}
	for _, id := range ids {
		if pinned[id] {
			return true
		}
	}
	return false
}
