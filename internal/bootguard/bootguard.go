// Package bootguard keeps a bad module set from bootlooping the
// device. It counts consecutive runs that never reached success and,
// past a threshold, rolls the configuration back to the last known
// good snapshot, disabling every module as the last resort.
package bootguard

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hybridmount/hybridmount/internal/clock"
	"github.com/hybridmount/hybridmount/internal/config"
	"github.com/hybridmount/hybridmount/internal/fsops"
)

// MaxFailures is the consecutive-failure threshold that triggers a
// rescue.
const MaxFailures = 3

// MaxSnapshots bounds the retained config snapshots.
const MaxSnapshots = 5

// Guard tracks boot outcomes and performs rescues.
type Guard struct {
	fs    fsops.FS
	clk   clock.Clock
	log   *slog.Logger
	paths *config.Paths
}

// NewGuard creates a Guard.
func NewGuard(fs fsops.FS, clk clock.Clock, log *slog.Logger, paths *config.Paths) *Guard {
	return &Guard{fs: fs, clk: clk, log: log, paths: paths}
}

// RecordStart increments the failure counter and returns the count of
// consecutive starts without a recorded success, this one included.
// A crash or hang before RecordSuccess leaves the increment behind,
// which is exactly the signal the rescue keys on.
func (g *Guard) RecordStart() (int, error) {
	count, err := g.readCount()
	if err != nil {
		return 0, err
	}
	count++
	if err := g.fs.AtomicWrite(g.paths.BootCount, []byte(strconv.Itoa(count)+"\n"), 0o644); err != nil {
		return 0, fmt.Errorf("failed to write boot counter: %w", err)
	}
	return count, nil
}

// RecordSuccess clears the failure counter.
func (g *Guard) RecordSuccess() error {
	if err := g.fs.AtomicWrite(g.paths.BootCount, []byte("0\n"), 0o644); err != nil {
		return fmt.Errorf("failed to clear boot counter: %w", err)
	}
	return nil
}

// ShouldRescue reports whether the count warrants a rescue.
func (g *Guard) ShouldRescue(count int) bool {
	return count >= MaxFailures
}

// Rescue rolls back to the newest config snapshot, or disables every
// module under moduleDir when no snapshot exists. The counter resets
// either way, so the next boot gets a full set of fresh attempts.
func (g *Guard) Rescue(moduleDir string) error {
	snapshot, err := g.newestSnapshot()
	if err != nil {
		return err
	}
	if snapshot != "" {
		data, err := g.fs.ReadFile(snapshot)
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
		if err := g.fs.AtomicWrite(g.paths.Config, data, 0o644); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
		g.log.Warn("restored config snapshot after repeated boot failures",
			"snapshot", filepath.Base(snapshot))
	} else {
		if err := g.disableAllModules(moduleDir); err != nil {
			return err
		}
		g.log.Warn("disabled all modules after repeated boot failures")
	}
	return g.RecordSuccess()
}

// Snapshot stores a copy of the current config document and prunes
// old snapshots.
func (g *Guard) Snapshot(configData []byte) error {
	name := fmt.Sprintf("config-%s.json", g.clk.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(g.paths.Snapshots, name)
	if err := g.fs.AtomicWrite(path, configData, 0o644); err != nil {
		return fmt.Errorf("failed to write config snapshot: %w", err)
	}
	return g.prune()
}

func (g *Guard) readCount() (int, error) {
	data, err := g.fs.ReadFile(g.paths.BootCount)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read boot counter: %w", err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		// A mangled counter counts as zero; the guard must never be
		// the thing that blocks a boot.
		g.log.Warn("boot counter corrupt, resetting", "error", err)
		return 0, nil
	}
	return count, nil
}

func (g *Guard) snapshots() ([]string, error) {
	entries, err := g.fs.ReadDir(g.paths.Snapshots)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "config-") {
			names = append(names, e.Name())
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	return names, nil
}

func (g *Guard) newestSnapshot() (string, error) {
	names, err := g.snapshots()
	if err != nil || len(names) == 0 {
		return "", err
	}
	return filepath.Join(g.paths.Snapshots, names[len(names)-1]), nil
}

func (g *Guard) prune() error {
	names, err := g.snapshots()
	if err != nil {
		return err
	}
	for len(names) > MaxSnapshots {
		if err := g.fs.Remove(filepath.Join(g.paths.Snapshots, names[0])); err != nil {
			return fmt.Errorf("failed to prune snapshot: %w", err)
		}
		names = names[1:]
	}
	return nil
}

// disableAllModules drops a disable marker into every module dir.
func (g *Guard) disableAllModules(moduleDir string) error {
	entries, err := g.fs.ReadDir(moduleDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list modules: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		marker := filepath.Join(moduleDir, e.Name(), "disable")
		if err := g.fs.AtomicWrite(marker, nil, 0o644); err != nil {
			return fmt.Errorf("failed to disable module %s: %w", e.Name(), err)
		}
	}
	return nil
}
