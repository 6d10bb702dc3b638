// Package engine orchestrates a full run: lock, bootloop guard,
// storage provisioning, module sync, mount planning and execution,
// and the final state snapshot.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hybridmount/hybridmount/internal/bootguard"
	"github.com/hybridmount/hybridmount/internal/clock"
	"github.com/hybridmount/hybridmount/internal/config"
	"github.com/hybridmount/hybridmount/internal/executor"
	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/hash"
	"github.com/hybridmount/hybridmount/internal/inventory"
	"github.com/hybridmount/hybridmount/internal/kernel"
	"github.com/hybridmount/hybridmount/internal/planner"
	"github.com/hybridmount/hybridmount/internal/runlock"
	"github.com/hybridmount/hybridmount/internal/state"
	"github.com/hybridmount/hybridmount/internal/stealth"
	"github.com/hybridmount/hybridmount/internal/storage"
	"github.com/hybridmount/hybridmount/internal/syncer"
)

// camouflageName is the kernel-visible process name during a run.
const camouflageName = "kworker/u9:2"

// Engine wires the run pipeline together.
type Engine struct {
	cfg   *config.Config
	paths *config.Paths
	kern  kernel.Interface
	fs    fsops.FS
	clk   clock.Clock
	exec  storage.Execer
	log   *slog.Logger
}

// New creates an Engine.
func New(cfg *config.Config, paths *config.Paths, kern kernel.Interface, fs fsops.FS, clk clock.Clock, exec storage.Execer, log *slog.Logger) *Engine {
	return &Engine{cfg: cfg, paths: paths, kern: kern, fs: fs, clk: clk, exec: exec, log: log}
}

// Result reports a completed run.
type Result struct {
	State   *state.RunState
	Summary *executor.Summary
	Backend *storage.Backend
}

// Run performs one full mount pass. It is the boot-time entry point
// and also serves manual re-runs; completion markers on the staging
// backend make repeat invocations no-ops for already-mounted targets.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if err := e.paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create daemon directories: %w", err)
	}

	lock, err := runlock.Acquire(e.paths.Lock)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	guard := bootguard.NewGuard(e.fs, e.clk, e.log, e.paths)
	count, err := guard.RecordStart()
	if err != nil {
		e.log.Warn("boot counter unavailable", "error", err)
	} else if guard.ShouldRescue(count) {
		e.log.Warn("consecutive boot failures reached threshold, rescuing", "count", count)
		if err := guard.Rescue(e.cfg.ModuleDir); err != nil {
			e.log.Error("rescue failed", "error", err)
		} else if cfg, err := config.LoadOrDefault(e.paths.Config); err == nil {
			e.cfg = cfg
		}
	}

	stealth.Camouflage(e.kern, e.log, camouflageName)

	runState := state.NewRunState(e.clk.Now())
	e.log.Info("run starting", "run_id", runState.RunID)

	e.reportHidingPolicy()

	mgr := storage.NewManager(e.kern, e.fs, e.exec, e.log)
	backend, err := mgr.Provision(ctx, e.cfg, e.paths)
	if err != nil {
		return nil, err
	}
	runState.StorageKind = string(backend.Kind)
	runState.StorageMountPoint = backend.MountPoint

	staged, storageRoot, err := e.syncModules(ctx, backend, runState)
	if err != nil {
		e.teardown(mgr, backend)
		return nil, err
	}

	summary, executed, err := e.mount(ctx, staged, storageRoot, backend, runState)
	if err != nil {
		// Before execution starts nothing references the backend and
		// it is safe to release. Once tasks ran, it backs live mounts
		// and must stay.
		if !executed {
			e.teardown(mgr, backend)
		}
		return nil, err
	}

	if e.cfg.EnableNuke && backend.Kind == storage.KindLoopImage {
		runState.NukeApplied = stealth.Nuke(e.kern, e.log, backend.LoopDevice)
	}

	if usage, err := mgr.Usage(backend); err == nil {
		runState.StorageTotalBytes = usage.TotalBytes
		runState.StorageUsedBytes = usage.UsedBytes
		runState.StorageUsedPercent = usage.Percent()
	}

	e.updateSelfDescription(backend, summary)

	runState.FinishedAt = e.clk.Now()
	if err := state.Save(e.fs, e.paths.State, runState); err != nil {
		e.log.Warn("failed to persist run state", "error", err)
	}
	if err := guard.RecordSuccess(); err != nil {
		e.log.Warn("failed to clear boot counter", "error", err)
	}

	e.log.Info("run finished",
		"run_id", runState.RunID,
		"overlay", summary.OverlayMounts,
		"magic", summary.MagicMounts,
		"fallbacks", summary.Fallbacks,
		"failures", summary.Failures)
	return &Result{State: runState, Summary: summary, Backend: backend}, nil
}

// teardown releases the staging backend after a fatal failure that
// left nothing mounted from it.
func (e *Engine) teardown(mgr *storage.Manager, backend *storage.Backend) {
	if err := mgr.Teardown(backend); err != nil {
		e.log.Warn("failed to tear down staging backend", "error", err)
	}
}

// reportHidingPolicy logs how mount visibility will be handled. The
// run mounts in the boot namespace so module content outlives this
// one-shot process; hiding the mounts from selected processes is the
// cooperating unmounter's job, not the engine's. A private namespace
// here would die with the process and take every mount with it.
func (e *Engine) reportHidingPolicy() {
	if !e.cfg.DisableUmount {
		return
	}
	if e.cfg.AllowUmountCoexistence {
		e.log.Info("per-process mount hiding delegated to external mechanism")
		return
	}
	e.log.Warn("disable_umount set without allow_umount_coexistence, mounts stay visible to every process")
}

// syncModules scans the inventory and stages changed modules onto the
// backend. The returned slice holds only modules with a usable staged
// copy, in layer precedence order.
func (e *Engine) syncModules(ctx context.Context, backend *storage.Backend, runState *state.RunState) ([]inventory.Module, string, error) {
	overrides, err := config.LoadModes(e.paths.Modes)
	if err != nil {
		e.log.Warn("mode overrides unavailable", "error", err)
		overrides = map[string]string{}
	}

	scanner := inventory.NewScanner(e.fs, hash.NewSHA256Hasher(), e.log)
	mods, err := scanner.Scan(e.cfg.ModuleDir, overrides)
	if err != nil {
		return nil, "", fmt.Errorf("failed to scan modules: %w", err)
	}
	e.log.Info("modules scanned", "count", len(mods))

	storageRoot := filepath.Join(backend.MountPoint, "modules")
	if err := e.fs.MkdirAll(storageRoot, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create staging root: %w", err)
	}

	sync := syncer.NewSyncer(e.fs, e.log)
	plan, err := sync.Plan(mods, storageRoot)
	if err != nil {
		return nil, "", fmt.Errorf("failed to plan sync: %w", err)
	}
	result, err := sync.Run(ctx, plan, storageRoot)
	if err != nil {
		return nil, "", fmt.Errorf("failed to sync modules: %w", err)
	}
	runState.ModulesStaged = result.Staged
	runState.ModulesFailed = result.Failed

	stagedSet := make(map[string]bool, len(result.Staged))
	for _, id := range result.Staged {
		stagedSet[id] = true
	}
	staged := make([]inventory.Module, 0, len(mods))
	modeCounts := map[string]int{}
	for _, m := range mods {
		if stagedSet[m.ID] {
			staged = append(staged, m)
			modeCounts[string(m.Mode)]++
		}
	}
	runState.ModuleModeCounts = modeCounts
	return staged, storageRoot, nil
}

func (e *Engine) mount(ctx context.Context, staged []inventory.Module, storageRoot string, backend *storage.Backend, runState *state.RunState) (*executor.Summary, bool, error) {
	plnr := planner.NewPlanner(e.fs, e.log)
	tasks, err := plnr.Generate(staged, storageRoot, e.cfg.TargetPartitions())
	if err != nil {
		return nil, false, fmt.Errorf("failed to plan mounts: %w", err)
	}

	scratch := e.cfg.TempDir
	if scratch == "" {
		scratch = filepath.Join(backend.MountPoint, "work")
	}
	if err := e.fs.MkdirAll(scratch, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	if !backend.Reused {
		// A fresh provision means the mounts the markers described are
		// gone; stale markers on a durable scratch dir would turn
		// every future boot into a no-op.
		if err := executor.ResetMarkers(e.fs, scratch); err != nil {
			return nil, false, fmt.Errorf("failed to reset completion markers: %w", err)
		}
	}

	exec := executor.NewExecutor(e.kern, e.fs, e.log, e.cfg.MountSource, scratch)
	summary, err := exec.Execute(ctx, tasks)
	if err != nil {
		return nil, true, fmt.Errorf("failed to execute mount plan: %w", err)
	}

	for _, t := range tasks {
		runState.Partitions = append(runState.Partitions, state.PartitionState{
			Partition: t.Partition,
			Strategy:  string(t.Strategy),
			Status:    string(t.Status),
			Modules:   t.ModuleIDs,
		})
	}
	return summary, true, nil
}
