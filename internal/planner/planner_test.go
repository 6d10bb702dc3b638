package planner

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/inventory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stage creates a staged module with content dirs for the given
// partitions.
func stage(t *testing.T, root, id string, partitions ...string) {
	t.Helper()
	for _, p := range partitions {
		require.NoError(t, os.MkdirAll(filepath.Join(root, id, p), 0755))
	}
}

func TestGenerateGroupsPerPartition(t *testing.T) {
	root := t.TempDir()
	stage(t, root, "alpha", "system", "vendor")
	stage(t, root, "beta", "system")

	mods := []inventory.Module{
		{ID: "alpha", Mode: inventory.ModeAuto},
		{ID: "beta", Mode: inventory.ModeAuto},
	}

	p := NewPlanner(fsops.NewRealFS(), testLogger())
	tasks, err := p.Generate(mods, root, []string{"system", "vendor", "product"})
	require.NoError(t, err)
	require.Len(t, tasks, 2, "product has no content and must yield no task")

	system := tasks[0]
	require.Equal(t, "system", system.Partition)
	require.Equal(t, "/system", system.TargetPath)
	require.Equal(t, StrategyOverlay, system.Strategy)
	require.Equal(t, []string{"alpha", "beta"}, system.ModuleIDs)
	require.Equal(t, []string{
		filepath.Join(root, "alpha", "system"),
		filepath.Join(root, "beta", "system"),
	}, system.LayerDirs)
	require.Equal(t, StatusPending, system.Status)
	require.True(t, system.AllowFallback)

	vendor := tasks[1]
	require.Equal(t, "vendor", vendor.Partition)
	require.Equal(t, []string{"alpha"}, vendor.ModuleIDs)
}

func TestGenerateExtractsForcedMagic(t *testing.T) {
	root := t.TempDir()
	stage(t, root, "normal", "system")
	stage(t, root, "pinned", "system")

	mods := []inventory.Module{
		{ID: "normal", Mode: inventory.ModeAuto},
		{ID: "pinned", Mode: inventory.ModeForceMagic},
	}

	p := NewPlanner(fsops.NewRealFS(), testLogger())
	tasks, err := p.Generate(mods, root, []string{"system"})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	require.Equal(t, StrategyOverlay, tasks[0].Strategy)
	require.Equal(t, []string{"normal"}, tasks[0].ModuleIDs, "forced module must never ride an overlay task")

	require.Equal(t, StrategyMagic, tasks[1].Strategy)
	require.Equal(t, []string{"pinned"}, tasks[1].ModuleIDs)
	require.False(t, tasks[1].AllowFallback)
}

func TestGenerateOnlyForcedMagic(t *testing.T) {
	root := t.TempDir()
	stage(t, root, "pinned", "vendor")

	mods := []inventory.Module{{ID: "pinned", Mode: inventory.ModeForceMagic}}

	p := NewPlanner(fsops.NewRealFS(), testLogger())
	tasks, err := p.Generate(mods, root, []string{"system", "vendor"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, StrategyMagic, tasks[0].Strategy)
	require.Equal(t, "vendor", tasks[0].Partition)
}

func TestGenerateForcedOverlayBlocksFallback(t *testing.T) {
	root := t.TempDir()
	stage(t, root, "flexible", "system")
	stage(t, root, "rigid", "system")

	mods := []inventory.Module{
		{ID: "flexible", Mode: inventory.ModeAuto},
		{ID: "rigid", Mode: inventory.ModeForceOverlay},
	}

	p := NewPlanner(fsops.NewRealFS(), testLogger())
	tasks, err := p.Generate(mods, root, []string{"system"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.False(t, tasks[0].AllowFallback)
}

func TestGenerateNoModules(t *testing.T) {
	p := NewPlanner(fsops.NewRealFS(), testLogger())
	tasks, err := p.Generate(nil, t.TempDir(), []string{"system"})
	require.NoError(t, err)
	require.Empty(t, tasks)
}
