package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Mode override values accepted in the modes file. "auto" entries are
// not persisted; absence means auto.
var validModes = map[string]bool{"auto": true, "overlay": true, "magic": true}

// LoadModes reads the per-module mode override file: one `id=mode`
// line per non-default module. The file is also written directly by
// the external UI, so unknown or malformed lines are skipped rather
// than failing the run.
func LoadModes(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to open modes file: %w", err)
	}
	defer func() { _ = f.Close() }()

	modes := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, mode, ok := strings.Cut(line, "=")
		id, mode = strings.TrimSpace(id), strings.TrimSpace(mode)
		if !ok || id == "" || !validModes[mode] {
			continue
		}
		modes[id] = mode
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read modes file: %w", err)
	}
	return modes, nil
}

// SaveModes writes the override file, omitting auto entries.
func SaveModes(path string, modes map[string]string) error {
	ids := make([]string, 0, len(modes))
	for id, mode := range modes {
		if mode != "auto" && validModes[mode] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%s=%s\n", id, modes[id])
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write modes file: %w", err)
	}
	return nil
}
