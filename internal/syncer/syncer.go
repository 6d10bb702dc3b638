// Package syncer stages module content into the runtime storage area,
// copying only what changed since the last run.
//
// The unit of change is the whole module: a changed fingerprint
// re-copies the module's tree wholesale, an unchanged one skips it.
// File-level deltas are deliberately not attempted; module-level
// skip/copy trades some I/O precision for simplicity and correctness.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/inventory"
)

// Action is the per-module sync decision.
type Action string

const (
	// ActionSkip leaves the staged copy untouched.
	ActionSkip Action = "skip"

	// ActionCreateFull stages a module with no prior copy.
	ActionCreateFull Action = "create"

	// ActionUpdateDelta replaces a staged copy whose source changed.
	ActionUpdateDelta Action = "update"

	// ActionRemove deletes a staged copy whose source disappeared.
	ActionRemove Action = "remove"
)

// PlanEntry pairs a module with its sync decision. Entries are
// transient: recomputed every run, never persisted.
type PlanEntry struct {
	// Module is the inventory record. For ActionRemove only the ID is
	// meaningful.
	Module inventory.Module

	// Action is the decision.
	Action Action
}

// Result reports the outcome of executing a sync plan.
type Result struct {
	// Staged is the set of module ids with a usable staged copy after
	// the run, in id order.
	Staged []string

	// Failed is the set of module ids whose copy failed; those modules
	// are absent for the rest of the run.
	Failed []string

	// Removed is the set of staged copies deleted.
	Removed []string
}

// Syncer stages module trees under the storage root.
type Syncer struct {
	fs  fsops.FS
	log *slog.Logger

	// parallelism bounds concurrent module copies.
	parallelism int
}

// NewSyncer creates a Syncer.
func NewSyncer(fs fsops.FS, log *slog.Logger) *Syncer {
	return &Syncer{fs: fs, log: log, parallelism: runtime.NumCPU()}
}

// Plan compares each module's fingerprint against the record persisted
// under storageRoot and decides the per-module action. Staged copies
// with no surviving inventory entry get ActionRemove.
func (s *Syncer) Plan(inv []inventory.Module, storageRoot string) ([]PlanEntry, error) {
	records := newRecordStore(s.fs, storageRoot)

	entries := make([]PlanEntry, 0, len(inv))
	current := make(map[string]bool, len(inv))
	for _, mod := range inv {
		current[mod.ID] = true

		prior, err := records.Load(mod.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load fingerprint record for %s: %w", mod.ID, err)
		}
		staged, err := s.fs.Exists(filepath.Join(storageRoot, mod.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to check staged copy for %s: %w", mod.ID, err)
		}

		var action Action
		switch {
		case prior == "" || !staged:
			action = ActionCreateFull
		case prior != mod.Fingerprint:
			action = ActionUpdateDelta
		default:
			action = ActionSkip
		}
		entries = append(entries, PlanEntry{Module: mod, Action: action})
	}

	stale, err := records.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprint records: %w", err)
	}
	for _, id := range stale {
		if !current[id] {
			entries = append(entries, PlanEntry{
				Module: inventory.Module{ID: id},
				Action: ActionRemove,
			})
		}
	}
	return entries, nil
}

// Run executes the plan. Copies run in parallel across modules; each
// module stages into an independent directory, so there is no shared
// mutable state. A failed copy fails that module alone.
func (s *Syncer) Run(ctx context.Context, entries []PlanEntry, storageRoot string) (*Result, error) {
	records := newRecordStore(s.fs, storageRoot)

	var mu sync.Mutex
	result := &Result{}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	for _, entry := range entries {
		switch entry.Action {
		case ActionSkip:
			mu.Lock()
			result.Staged = append(result.Staged, entry.Module.ID)
			mu.Unlock()

		case ActionRemove:
			// Removals are cheap and serialized; the staged dirs they
			// touch are disjoint from every copy target.
			if err := s.remove(records, entry.Module.ID, storageRoot); err != nil {
				s.log.Warn("failed to remove stale staged module", "id", entry.Module.ID, "error", err)
				continue
			}
			result.Removed = append(result.Removed, entry.Module.ID)

		case ActionCreateFull, ActionUpdateDelta:
			entry := entry
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				err := s.stage(records, entry.Module, storageRoot)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					s.log.Error("module sync failed, treating module as absent",
						"id", entry.Module.ID, "error", err)
					result.Failed = append(result.Failed, entry.Module.ID)
					return nil
				}
				result.Staged = append(result.Staged, entry.Module.ID)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(result.Staged)
	sort.Strings(result.Failed)
	sort.Strings(result.Removed)
	return result, nil
}

// stage replaces the staged copy of one module wholesale: copy into a
// scratch directory, swap it in, then record the fingerprint. A crash
// mid-copy leaves only the scratch directory, which the next run
// overwrites.
func (s *Syncer) stage(records *recordStore, mod inventory.Module, storageRoot string) error {
	dst := filepath.Join(storageRoot, mod.ID)
	scratch := dst + ".staging"

	if err := s.fs.RemoveAll(scratch); err != nil {
		return fmt.Errorf("failed to clear scratch dir: %w", err)
	}
	if err := s.fs.CopyTree(mod.SourcePath, scratch); err != nil {
		_ = s.fs.RemoveAll(scratch)
		return fmt.Errorf("failed to copy module tree: %w", err)
	}
	if err := s.fs.RemoveAll(dst); err != nil {
		_ = s.fs.RemoveAll(scratch)
		return fmt.Errorf("failed to remove prior staged copy: %w", err)
	}
	if err := s.fs.Rename(scratch, dst); err != nil {
		_ = s.fs.RemoveAll(scratch)
		return fmt.Errorf("failed to swap staged copy into place: %w", err)
	}
	if err := records.Save(mod.ID, mod.Fingerprint); err != nil {
		return fmt.Errorf("failed to record fingerprint: %w", err)
	}
	return nil
}

func (s *Syncer) remove(records *recordStore, id, storageRoot string) error {
	if err := s.fs.RemoveAll(filepath.Join(storageRoot, id)); err != nil {
		return err
	}
	return records.Delete(id)
}
