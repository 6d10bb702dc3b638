// Package inventory enumerates module directories and computes their
// change fingerprints.
package inventory

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/hybridmount/hybridmount/internal/fsops"
)

// Mode is the per-module mount strategy preference.
type Mode string

const (
	// ModeAuto lets the planner choose (overlay preferred).
	ModeAuto Mode = "auto"

	// ModeForceOverlay pins the module to the overlay strategy.
	ModeForceOverlay Mode = "overlay"

	// ModeForceMagic pins the module to the magic mount strategy and
	// removes it from overlay candidacy up front.
	ModeForceMagic Mode = "magic"
)

// ParseMode maps an override string to a Mode, defaulting to auto.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeForceOverlay:
		return ModeForceOverlay
	case ModeForceMagic:
		return ModeForceMagic
	default:
		return ModeAuto
	}
}

// Module is one discovered module. Records are rebuilt from disk on
// every scan and never mutated in place; a changed module shows up as
// a new record with a different fingerprint.
type Module struct {
	// ID is the stable module identifier and uniqueness key.
	ID string `json:"id"`

	// Name, Version, Author and Description come from module.prop.
	Name        string `json:"name"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	Description string `json:"description"`

	// Enabled is always true for scanned records; disabled modules
	// are skipped during the scan.
	Enabled bool `json:"enabled"`

	// Mode is the effective strategy preference after overrides.
	Mode Mode `json:"mode"`

	// Fingerprint is the cheap change signal derived from the
	// metadata file. See Scanner.fingerprint for its exact makeup.
	Fingerprint string `json:"-"`

	// SourcePath is the module's source directory, read-only to the
	// engine.
	SourcePath string `json:"-"`
}

// prop holds the recognized module.prop fields.
type prop struct {
	id          string
	name        string
	version     string
	author      string
	description string
}

// parseProp reads a module.prop file: line-oriented `key=value`.
// Unknown keys are ignored.
func parseProp(fs fsops.FS, path string) (*prop, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, err
	}

	p := &prop{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "id":
			p.id = value
		case "name":
			p.name = value
		case "version":
			p.version = value
		case "author":
			p.author = value
		case "description":
			p.description = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p, nil
}
