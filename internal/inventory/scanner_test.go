package inventory

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/hash"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeModule(t *testing.T, root, dir, id string) string {
	t.Helper()
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
	prop := "id=" + id + "\nname=Test " + id + "\nversion=1.0\nauthor=tester\ndescription=a module\n"
	if err := os.WriteFile(filepath.Join(path, "module.prop"), []byte(prop), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestScanner() *Scanner {
	return NewScanner(fsops.NewRealFS(), hash.NewFakeHasher(), testLogger())
}

func TestScanOrder(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "zeta", "zeta")
	writeModule(t, root, "alpha", "alpha")
	writeModule(t, root, "mid", "mid")

	mods, err := newTestScanner().Scan(root, nil)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(mods) != 3 {
		t.Fatalf("Scan() = %d modules, want 3", len(mods))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if mods[i].ID != want {
			t.Errorf("mods[%d].ID = %q, want %q", i, mods[i].ID, want)
		}
	}
}

func TestScanSkipsMarkedModules(t *testing.T) {
	root := t.TempDir()
	for _, marker := range []string{"disable", "remove", "skip_mount"} {
		dir := writeModule(t, root, marker+"-mod", marker+"-mod")
		if err := os.WriteFile(filepath.Join(dir, marker), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	writeModule(t, root, "kept", "kept")

	mods, err := newTestScanner().Scan(root, nil)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(mods) != 1 || mods[0].ID != "kept" {
		t.Errorf("Scan() = %+v, want only kept", mods)
	}
}

func TestScanSkipsReservedAndMalformed(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "lost+found", "lostfound")
	writeModule(t, root, "hybridmount", "self")
	if err := os.MkdirAll(filepath.Join(root, "nopropfile"), 0755); err != nil {
		t.Fatal(err)
	}
	writeModule(t, root, "good", "good")

	mods, err := newTestScanner().Scan(root, nil)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(mods) != 1 || mods[0].ID != "good" {
		t.Errorf("Scan() = %+v, want only good", mods)
	}
}

func TestScanDuplicateIDFirstWins(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "aaa-dir", "sameid")
	writeModule(t, root, "bbb-dir", "sameid")

	mods, err := newTestScanner().Scan(root, nil)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(mods) != 1 {
		t.Fatalf("Scan() = %d modules, want 1", len(mods))
	}
	if mods[0].SourcePath != filepath.Join(root, "aaa-dir") {
		t.Errorf("SourcePath = %q, want the first directory seen", mods[0].SourcePath)
	}
}

func TestScanAppliesOverrides(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "forced", "forced")
	writeModule(t, root, "normal", "normal")

	mods, err := newTestScanner().Scan(root, map[string]string{"forced": "magic"})
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	byID := map[string]Module{}
	for _, m := range mods {
		byID[m.ID] = m
	}
	if byID["forced"].Mode != ModeForceMagic {
		t.Errorf("forced mode = %q, want magic", byID["forced"].Mode)
	}
	if byID["normal"].Mode != ModeAuto {
		t.Errorf("normal mode = %q, want auto", byID["normal"].Mode)
	}
}

func TestFingerprintChangesWithMetadata(t *testing.T) {
	root := t.TempDir()
	dir := writeModule(t, root, "mod", "mod")

	scanner := newTestScanner()
	before, err := scanner.Scan(root, nil)
	if err != nil {
		t.Fatal(err)
	}

	propPath := filepath.Join(dir, "module.prop")
	if err := os.WriteFile(propPath, []byte("id=mod\nversion=2.0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// Force a distinct mtime even on coarse-grained filesystems.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(propPath, future, future); err != nil {
		t.Fatal(err)
	}

	after, err := scanner.Scan(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if before[0].Fingerprint == after[0].Fingerprint {
		t.Error("fingerprint unchanged after metadata edit")
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode("overlay") != ModeForceOverlay {
		t.Error("overlay not recognized")
	}
	if ParseMode("magic") != ModeForceMagic {
		t.Error("magic not recognized")
	}
	if ParseMode("") != ModeAuto || ParseMode("bogus") != ModeAuto {
		t.Error("unknown modes should default to auto")
	}
}
