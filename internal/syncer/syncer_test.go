package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/inventory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSource(t *testing.T, root, id, file, content string) inventory.Module {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(filepath.Join(dir, "system"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "system", file), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return inventory.Module{ID: id, Fingerprint: "fp-" + id + "-1", SourcePath: dir}
}

func actionsByID(entries []PlanEntry) map[string]Action {
	out := map[string]Action{}
	for _, e := range entries {
		out[e.Module.ID] = e.Action
	}
	return out
}

func TestPlanAndRun(t *testing.T) {
	src := t.TempDir()
	storageRoot := t.TempDir()
	s := NewSyncer(fsops.NewRealFS(), testLogger())

	mod := writeSource(t, src, "fontmod", "font.ttf", "glyphs")

	t.Run("first sight is a full create", func(t *testing.T) {
		entries, err := s.Plan([]inventory.Module{mod}, storageRoot)
		if err != nil {
			t.Fatalf("Plan() error: %v", err)
		}
		if got := actionsByID(entries)["fontmod"]; got != ActionCreateFull {
			t.Fatalf("action = %q, want create", got)
		}

		result, err := s.Run(context.Background(), entries, storageRoot)
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		if len(result.Staged) != 1 || result.Staged[0] != "fontmod" {
			t.Fatalf("Staged = %v", result.Staged)
		}
		data, err := os.ReadFile(filepath.Join(storageRoot, "fontmod", "system", "font.ttf"))
		if err != nil || string(data) != "glyphs" {
			t.Errorf("staged content = %q, %v", data, err)
		}
	})

	t.Run("unchanged fingerprint is skipped", func(t *testing.T) {
		entries, err := s.Plan([]inventory.Module{mod}, storageRoot)
		if err != nil {
			t.Fatal(err)
		}
		if got := actionsByID(entries)["fontmod"]; got != ActionSkip {
			t.Errorf("action = %q, want skip", got)
		}
	})

	t.Run("changed fingerprint is an update", func(t *testing.T) {
		changed := mod
		changed.Fingerprint = "fp-fontmod-2"
		entries, err := s.Plan([]inventory.Module{changed}, storageRoot)
		if err != nil {
			t.Fatal(err)
		}
		if got := actionsByID(entries)["fontmod"]; got != ActionUpdateDelta {
			t.Fatalf("action = %q, want update", got)
		}
		if _, err := s.Run(context.Background(), entries, storageRoot); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("vanished module is removed", func(t *testing.T) {
		entries, err := s.Plan(nil, storageRoot)
		if err != nil {
			t.Fatal(err)
		}
		if got := actionsByID(entries)["fontmod"]; got != ActionRemove {
			t.Fatalf("action = %q, want remove", got)
		}
		result, err := s.Run(context.Background(), entries, storageRoot)
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Removed) != 1 {
			t.Errorf("Removed = %v", result.Removed)
		}
		if _, err := os.Stat(filepath.Join(storageRoot, "fontmod")); !os.IsNotExist(err) {
			t.Error("staged copy still present after remove")
		}
	})
}

func TestRunCopyFailureIsolatesModule(t *testing.T) {
	src := t.TempDir()
	storageRoot := t.TempDir()

	good := writeSource(t, src, "good", "a.txt", "a")
	bad := writeSource(t, src, "bad", "b.txt", "b")

	fakeFS := fsops.NewFakeFS()
	fakeFS.CopyTreeErr[bad.SourcePath] = errors.New("I/O error")
	s := NewSyncer(fakeFS, testLogger())

	entries, err := s.Plan([]inventory.Module{good, bad}, storageRoot)
	if err != nil {
		t.Fatal(err)
	}
	result, err := s.Run(context.Background(), entries, storageRoot)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(result.Staged) != 1 || result.Staged[0] != "good" {
		t.Errorf("Staged = %v, want only good", result.Staged)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "bad" {
		t.Errorf("Failed = %v, want only bad", result.Failed)
	}
	if _, err := os.Stat(filepath.Join(storageRoot, "bad")); !os.IsNotExist(err) {
		t.Error("failed module left a staged copy behind")
	}
}

func TestRunUpdateReplacesStaleContent(t *testing.T) {
	src := t.TempDir()
	storageRoot := t.TempDir()
	s := NewSyncer(fsops.NewRealFS(), testLogger())

	mod := writeSource(t, src, "themer", "old.txt", "old")
	entries, _ := s.Plan([]inventory.Module{mod}, storageRoot)
	if _, err := s.Run(context.Background(), entries, storageRoot); err != nil {
		t.Fatal(err)
	}

	// Replace the source file entirely; the staged copy must not keep
	// the old one.
	if err := os.Remove(filepath.Join(mod.SourcePath, "system", "old.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mod.SourcePath, "system", "new.txt"), []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}
	mod.Fingerprint = "fp-themer-2"

	entries, _ = s.Plan([]inventory.Module{mod}, storageRoot)
	if _, err := s.Run(context.Background(), entries, storageRoot); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(storageRoot, "themer", "system", "old.txt")); !os.IsNotExist(err) {
		t.Error("stale file survived the update")
	}
	if _, err := os.Stat(filepath.Join(storageRoot, "themer", "system", "new.txt")); err != nil {
		t.Errorf("new file missing after update: %v", err)
	}
}
