package inventory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/hash"
)

// Marker files inside a module directory that take it out of the run.
const (
	disableFileName   = "disable"
	removeFileName    = "remove"
	skipMountFileName = "skip_mount"
)

// Directory names never treated as modules.
var reservedDirs = map[string]bool{
	"lost+found":  true,
	".git":        true,
	"hybridmount": true,
}

// Scanner enumerates module directories. Each scan starts from a
// fresh enumeration; no state is carried between runs.
type Scanner struct {
	fs     fsops.FS
	hasher hash.Hasher
	log    *slog.Logger
}

// NewScanner creates a Scanner.
func NewScanner(fs fsops.FS, hasher hash.Hasher, log *slog.Logger) *Scanner {
	return &Scanner{fs: fs, hasher: hasher, log: log}
}

// Scan enumerates the immediate subdirectories of moduleDir and
// returns the enabled modules, ordered by id. That order is load
// bearing: it fixes overlay layer precedence (later shadows earlier).
//
// Directories without a valid module.prop and directories carrying a
// disable/remove/skip marker are skipped, not errors. Two directories
// claiming the same id resolve first-seen-wins with a warning.
func (s *Scanner) Scan(moduleDir string, overrides map[string]string) ([]Module, error) {
	entries, err := s.fs.ReadDir(moduleDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read module directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && !reservedDirs[entry.Name()] {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	var modules []Module
	for _, name := range names {
		dir := filepath.Join(moduleDir, name)

		if s.hasMarker(dir, disableFileName) || s.hasMarker(dir, removeFileName) || s.hasMarker(dir, skipMountFileName) {
			s.log.Debug("module disabled, skipping", "id", name)
			continue
		}

		mod, err := s.readModule(dir, name)
		if err != nil {
			s.log.Warn("skipping malformed module", "dir", name, "error", err)
			continue
		}
		if prior, dup := seen[mod.ID]; dup {
			s.log.Warn("duplicate module id, keeping first",
				"id", mod.ID, "kept", prior, "skipped", name)
			continue
		}
		seen[mod.ID] = name

		mod.Mode = ParseMode(overrides[mod.ID])
		modules = append(modules, *mod)
	}
	return modules, nil
}

func (s *Scanner) hasMarker(dir, marker string) bool {
	exists, err := s.fs.Exists(filepath.Join(dir, marker))
	return err == nil && exists
}

func (s *Scanner) readModule(dir, dirName string) (*Module, error) {
	propPath := filepath.Join(dir, "module.prop")
	p, err := parseProp(s.fs, propPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read module.prop: %w", err)
	}

	id := p.id
	if id == "" {
		id = dirName
	}
	if err := s.fs.ValidateIdentifier(id); err != nil {
		return nil, fmt.Errorf("invalid module id: %w", err)
	}

	fp, err := s.fingerprint(propPath)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint module: %w", err)
	}

	return &Module{
		ID:          id,
		Name:        p.name,
		Version:     p.version,
		Author:      p.author,
		Description: p.description,
		Enabled:     true,
		Fingerprint: fp,
		SourcePath:  dir,
	}, nil
}

// fingerprint derives the change signal from the metadata file alone:
// its mtime, size, and content hash. Module content is deliberately
// not hashed, so a content-only edit that leaves module.prop untouched
// is invisible until the next metadata change. That staleness window
// is an accepted cost/precision trade-off, not a bug to fix here.
func (s *Scanner) fingerprint(propPath string) (string, error) {
	info, err := s.fs.Lstat(propPath)
	if err != nil {
		return "", err
	}
	sum, err := s.hasher.HashFile(propPath)
	if err != nil {
		return "", err
	}
	if len(sum) > 16 {
		sum = sum[:16]
	}
	return fmt.Sprintf("%x-%x-%s", info.ModTime().UnixNano(), info.Size(), sum), nil
}
