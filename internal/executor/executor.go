// Package executor drives planned mount tasks to completion. Overlay
// tasks that fail are demoted to magic mount once; magic failures are
// final. Partitions execute concurrently, tasks within a partition in
// order.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/kernel"
	"github.com/hybridmount/hybridmount/internal/planner"
)

// Summary aggregates the outcome of one Execute pass.
type Summary struct {
	// OverlayMounts counts partitions mounted via overlay.
	OverlayMounts int

	// MagicMounts counts partitions mounted via the bind tree,
	// including demoted overlay tasks.
	MagicMounts int

	// Fallbacks counts overlay tasks that succeeded only after
	// demotion to magic.
	Fallbacks int

	// Failures counts tasks that ended in StatusFailedFinal.
	Failures int
}

// Executor mounts planned tasks.
type Executor struct {
	kern    kernel.Interface
	fs      fsops.FS
	log     *slog.Logger
	source  string
	scratch string
}

// NewExecutor creates an Executor. scratch must live on the staging
// backend; magic skeletons and completion markers are built there.
func NewExecutor(kern kernel.Interface, fs fsops.FS, log *slog.Logger, source, scratch string) *Executor {
	return &Executor{kern: kern, fs: fs, log: log, source: source, scratch: scratch}
}

// Execute runs all tasks and mutates their Status fields. Tasks on
// different partitions run concurrently; tasks on the same partition
// run in plan order, so an overlay mount is always in place before a
// magic task stacks on the same target. A task failure never fails
// the pass; the returned error covers only infrastructure problems.
func (e *Executor) Execute(ctx context.Context, tasks []*planner.Task) (*Summary, error) {
	groups := map[string][]*planner.Task{}
	var order []string
	for _, t := range tasks {
		if _, ok := groups[t.Partition]; !ok {
			order = append(order, t.Partition)
		}
		groups[t.Partition] = append(groups[t.Partition], t)
	}

	var mu sync.Mutex
	summary := &Summary{}

	g, ctx := errgroup.WithContext(ctx)
	for _, partition := range order {
		partTasks := groups[partition]
		g.Go(func() error {
			for _, t := range partTasks {
				if err := ctx.Err(); err != nil {
					return err
				}
				e.runTask(t)
				mu.Lock()
				e.tally(summary, t)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summary, nil
}

func (e *Executor) runTask(t *planner.Task) {
	// The marker is keyed by the planned strategy; demotion must not
	// change which marker a task owns.
	planned := t.Strategy
	if done, err := e.completed(t.Partition, planned); err != nil {
		e.log.Warn("failed to check completion marker", "partition", t.Partition, "error", err)
	} else if done {
		e.log.Info("target already mounted, skipping",
			"partition", t.Partition, "strategy", string(t.Strategy))
		t.Status = planner.StatusMounted
		return
	}

	var err error
	switch t.Strategy {
	case planner.StrategyOverlay:
		err = e.mountOverlay(t)
		if err != nil && t.AllowFallback {
			t.Status = planner.StatusFailedRetrying
			e.log.Warn("overlay mount failed, retrying with magic mount",
				"partition", t.Partition, "modules", t.ModuleIDs, "error", err)
			t.Strategy = planner.StrategyMagic
			err = e.mountMagic(t)
		}
	case planner.StrategyMagic:
		err = e.mountMagic(t)
	default:
		err = fmt.Errorf("unknown mount strategy %q", t.Strategy)
	}

	if err != nil {
		t.Status = planner.StatusFailedFinal
		e.log.Error("mount task failed",
			"partition", t.Partition, "strategy", string(t.Strategy),
			"modules", t.ModuleIDs, "error", err)
		return
	}
	t.Status = planner.StatusMounted
	e.markCompleted(t, planned)
	e.log.Info("mounted", "partition", t.Partition, "strategy", string(t.Strategy),
		"modules", t.ModuleIDs)
}

func (e *Executor) tally(s *Summary, t *planner.Task) {
	switch t.Status {
	case planner.StatusMounted:
		if t.Strategy == planner.StrategyOverlay {
			s.OverlayMounts++
		} else {
			s.MagicMounts++
		}
		if t.AllowFallback && t.Strategy == planner.StrategyMagic {
			// Only demoted tasks carry AllowFallback with a magic
			// strategy; planned magic tasks never allow fallback.
			s.Fallbacks++
		}
	case planner.StatusFailedFinal:
		s.Failures++
	}
}

// markerDir under the scratch dir holds per-task completion markers.
const markerDir = ".mounted"

// ResetMarkers clears the completion markers under scratch. Call it
// whenever the staging backend was freshly provisioned: the markers
// describe mounts that no longer exist, and a durable scratch dir
// (loop image, configured tempdir) carries them across boots.
func ResetMarkers(fs fsops.FS, scratch string) error {
	return fs.RemoveAll(filepath.Join(scratch, markerDir))
}

// Completion markers make re-running the engine in the same boot a
// no-op for already-mounted targets. They are only meaningful while
// the mounts they describe are alive; the engine resets them on every
// fresh provision.
func (e *Executor) markerPath(partition string, planned planner.Strategy) string {
	return filepath.Join(e.scratch, markerDir, partition+"."+string(planned))
}

func (e *Executor) completed(partition string, planned planner.Strategy) (bool, error) {
	return e.fs.Exists(e.markerPath(partition, planned))
}

func (e *Executor) markCompleted(t *planner.Task, planned planner.Strategy) {
	path := e.markerPath(t.Partition, planned)
	if err := e.fs.AtomicWrite(path, []byte(string(t.Strategy)+"\n"), 0o644); err != nil {
		e.log.Warn("failed to write completion marker", "path", path, "error", err)
	}
}
