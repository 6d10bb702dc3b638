package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/kernel"
	"github.com/hybridmount/hybridmount/internal/planner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	kern    *kernel.FakeKernel
	exec    *Executor
	scratch string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kern := kernel.NewFakeKernel()
	scratch := t.TempDir()
	return &harness{
		kern:    kern,
		exec:    NewExecutor(kern, fsops.NewRealFS(), testLogger(), "hybridmount", scratch),
		scratch: scratch,
	}
}

// layer builds a staged layer directory with one file.
func layer(t *testing.T, name, file, content string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, file)), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0644))
	return dir
}

// target builds a stock partition directory.
func target(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func TestExecuteOverlay(t *testing.T) {
	h := newHarness(t)
	first := layer(t, "first", "etc/hosts", "a")
	second := layer(t, "second", "etc/hosts", "b")
	tgt := target(t, map[string]string{"bin/sh": "shell"})

	task := &planner.Task{
		Partition:     "system",
		TargetPath:    tgt,
		Strategy:      planner.StrategyOverlay,
		ModuleIDs:     []string{"first", "second"},
		LayerDirs:     []string{first, second},
		AllowFallback: true,
		Status:        planner.StatusPending,
	}

	summary, err := h.exec.Execute(context.Background(), []*planner.Task{task})
	require.NoError(t, err)
	require.Equal(t, planner.StatusMounted, task.Status)
	require.Equal(t, 1, summary.OverlayMounts)
	require.Zero(t, summary.MagicMounts)
	require.Zero(t, summary.Fallbacks)

	upper := filepath.Join(h.scratch, "overlay", "system", "upper")
	work := filepath.Join(h.scratch, "overlay", "system", "work")
	require.DirExists(t, upper)
	require.DirExists(t, work)

	calls := h.kern.CallsFor("MountOverlay")
	require.Len(t, calls, 1)
	require.Equal(t, tgt, calls[0].Target)
	// Lowerdirs run highest precedence first: reversed layers, then
	// the stock partition at the bottom.
	require.Equal(t, []string{"hybridmount", second, first, tgt, upper, work}, calls[0].Args)
}

func TestExecuteOverlayFallsBackToMagicOnce(t *testing.T) {
	h := newHarness(t)
	mod := layer(t, "mod", "etc/extra.conf", "x")
	tgt := target(t, map[string]string{"etc/stock.conf": "y"})

	h.kern.FailNext("MountOverlay", tgt, errors.New("overlay not supported"))

	task := &planner.Task{
		Partition:     "vendor",
		TargetPath:    tgt,
		Strategy:      planner.StrategyOverlay,
		ModuleIDs:     []string{"mod"},
		LayerDirs:     []string{mod},
		AllowFallback: true,
		Status:        planner.StatusPending,
	}

	summary, err := h.exec.Execute(context.Background(), []*planner.Task{task})
	require.NoError(t, err)
	require.Equal(t, planner.StatusMounted, task.Status)
	require.Equal(t, planner.StrategyMagic, task.Strategy)
	require.Equal(t, 1, summary.Fallbacks)
	require.Equal(t, 1, summary.MagicMounts)
	require.Zero(t, summary.OverlayMounts)

	require.Len(t, h.kern.CallsFor("MountOverlay"), 1, "overlay must be attempted exactly once")
	require.Len(t, h.kern.CallsFor("MountTmpfs"), 1, "magic skeleton must be built exactly once")
}

func TestExecuteOverlayFailureWithoutFallbackIsFinal(t *testing.T) {
	h := newHarness(t)
	mod := layer(t, "mod", "etc/a", "x")
	tgt := target(t, nil)

	h.kern.FailNext("MountOverlay", tgt, errors.New("no overlay"))

	task := &planner.Task{
		Partition:  "system",
		TargetPath: tgt,
		Strategy:   planner.StrategyOverlay,
		ModuleIDs:  []string{"mod"},
		LayerDirs:  []string{mod},
		Status:     planner.StatusPending,
	}

	summary, err := h.exec.Execute(context.Background(), []*planner.Task{task})
	require.NoError(t, err)
	require.Equal(t, planner.StatusFailedFinal, task.Status)
	require.Equal(t, 1, summary.Failures)
	require.Empty(t, h.kern.CallsFor("MountTmpfs"), "pinned overlay task must not demote to magic")
}

func TestExecuteMagicFailureIsFinal(t *testing.T) {
	h := newHarness(t)
	mod := layer(t, "mod", "etc/a", "x")
	tgt := target(t, nil)

	h.kern.FailNext("MountTmpfs", "", errors.New("tmpfs refused"))

	task := &planner.Task{
		Partition:  "system",
		TargetPath: tgt,
		Strategy:   planner.StrategyMagic,
		ModuleIDs:  []string{"mod"},
		LayerDirs:  []string{mod},
		Status:     planner.StatusPending,
	}

	summary, err := h.exec.Execute(context.Background(), []*planner.Task{task})
	require.NoError(t, err)
	require.Equal(t, planner.StatusFailedFinal, task.Status)
	require.Equal(t, 1, summary.Failures)
	require.Empty(t, h.kern.CallsFor("MountOverlay"), "magic must never escalate to overlay")
}

func TestExecuteIsIdempotent(t *testing.T) {
	h := newHarness(t)
	mod := layer(t, "mod", "etc/a", "x")
	tgt := target(t, nil)

	mkTask := func() *planner.Task {
		return &planner.Task{
			Partition:     "system",
			TargetPath:    tgt,
			Strategy:      planner.StrategyOverlay,
			ModuleIDs:     []string{"mod"},
			LayerDirs:     []string{mod},
			AllowFallback: true,
			Status:        planner.StatusPending,
		}
	}

	_, err := h.exec.Execute(context.Background(), []*planner.Task{mkTask()})
	require.NoError(t, err)

	second := mkTask()
	summary, err := h.exec.Execute(context.Background(), []*planner.Task{second})
	require.NoError(t, err)
	require.Equal(t, planner.StatusMounted, second.Status)
	require.Len(t, h.kern.CallsFor("MountOverlay"), 1, "second run must not mount again")
	require.Equal(t, 1, summary.OverlayMounts)
}

func TestExecuteMagicBuildsSkeleton(t *testing.T) {
	h := newHarness(t)
	mod := layer(t, "fontmod", "fonts/Custom.ttf", "glyphs")
	tgt := target(t, map[string]string{
		"fonts/Stock.ttf": "stock",
		"bin/sh":          "shell",
	})

	task := &planner.Task{
		Partition:  "system",
		TargetPath: tgt,
		Strategy:   planner.StrategyMagic,
		ModuleIDs:  []string{"fontmod"},
		LayerDirs:  []string{mod},
		Status:     planner.StatusPending,
	}

	_, err := h.exec.Execute(context.Background(), []*planner.Task{task})
	require.NoError(t, err)
	require.Equal(t, planner.StatusMounted, task.Status)

	skel := filepath.Join(h.scratch, "magic", "system")

	// Untouched top-level dir mirrors as a single bind mount, no
	// descent.
	require.DirExists(t, filepath.Join(skel, "bin"))
	binBinds := 0
	fontBindSeen := false
	stockBindSeen := false
	for _, c := range h.kern.CallsFor("BindMount") {
		switch c.Target {
		case filepath.Join(skel, "bin"):
			binBinds++
			require.Equal(t, []string{filepath.Join(tgt, "bin")}, c.Args)
		case filepath.Join(skel, "fonts", "Custom.ttf"):
			fontBindSeen = true
			require.Equal(t, []string{filepath.Join(mod, "fonts", "Custom.ttf")}, c.Args)
		case filepath.Join(skel, "fonts", "Stock.ttf"):
			stockBindSeen = true
		}
	}
	require.Equal(t, 1, binBinds)
	require.True(t, fontBindSeen, "module file must be bound into the skeleton")
	require.True(t, stockBindSeen, "untouched sibling must be mirrored")

	// The modified dir is a real tmpfs dir in the skeleton, not a
	// bind of the stock dir.
	info, err := os.Lstat(filepath.Join(skel, "fonts"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	moves := h.kern.CallsFor("MoveMount")
	require.Len(t, moves, 1)
	require.Equal(t, tgt, moves[0].Target)
	require.Equal(t, []string{skel}, moves[0].Args)
	require.Len(t, h.kern.CallsFor("RemountReadOnly"), 1)
}

func TestExecutePartitionsRunIndependently(t *testing.T) {
	h := newHarness(t)
	mod := layer(t, "mod", "etc/a", "x")
	okTgt := target(t, nil)
	badTgt := target(t, nil)

	h.kern.FailNext("MountOverlay", badTgt, errors.New("boom"))

	ok := &planner.Task{
		Partition: "system", TargetPath: okTgt,
		Strategy: planner.StrategyOverlay, ModuleIDs: []string{"mod"},
		LayerDirs: []string{mod}, Status: planner.StatusPending,
	}
	bad := &planner.Task{
		Partition: "vendor", TargetPath: badTgt,
		Strategy: planner.StrategyOverlay, ModuleIDs: []string{"mod"},
		LayerDirs: []string{mod}, Status: planner.StatusPending,
	}

	summary, err := h.exec.Execute(context.Background(), []*planner.Task{ok, bad})
	require.NoError(t, err)
	require.Equal(t, planner.StatusMounted, ok.Status)
	require.Equal(t, planner.StatusFailedFinal, bad.Status)
	require.Equal(t, 1, summary.OverlayMounts)
	require.Equal(t, 1, summary.Failures)
}
