// Package config manages the daemon configuration document and the
// filesystem paths the daemon owns.
//
// The configuration is a single JSON document at a well-known path,
// written either by the daemon (save-config) or consumed read-only by
// the external management UI. Invalid documents are rejected at save
// time and never replace the prior file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hybridmount/hybridmount/internal/fsops"
)

// Config is the persisted daemon configuration.
type Config struct {
	// ModuleDir is the directory scanned for modules.
	ModuleDir string `json:"moduledir"`

	// TempDir is the scratch directory for magic mount skeletons.
	// Empty means auto-select at run time.
	TempDir string `json:"tempdir"`

	// MountSource is the label used as the overlay source= argument
	// and the tmpfs source.
	MountSource string `json:"mountsource"`

	// Verbose enables debug logging.
	Verbose bool `json:"verbose"`

	// Partitions are extra partition names beyond the built-in set.
	Partitions []string `json:"partitions"`

	// ForceExt4 skips the tmpfs attempt and goes straight to the
	// loop-image backend.
	ForceExt4 bool `json:"force_ext4"`

	// EnableNuke enables the sysfs trace cleanup after mounting.
	EnableNuke bool `json:"enable_nuke"`

	// DisableUmount turns off the cooperating unmounter that hides
	// module mounts from selected processes. Only honored together
	// with AllowUmountCoexistence.
	DisableUmount bool `json:"disable_umount"`

	// AllowUmountCoexistence is the explicit opt-in required before
	// DisableUmount takes effect. Disabling the unmounter without a
	// replacement mechanism leaves every mount visible to every
	// process.
	AllowUmountCoexistence bool `json:"allow_umount_coexistence"`
}

// BuiltinPartitions is the set of partitions always considered as
// mount targets. Config.Partitions extends it.
var BuiltinPartitions = []string{"system", "vendor", "product", "system_ext", "odm"}

// Default returns a Config with the stock defaults.
func Default() *Config {
	return &Config{
		ModuleDir:   "/data/adb/modules",
		MountSource: "hybridmount",
		Partitions:  []string{},
	}
}

// ValidationError reports an invalid configuration value. The document
// carrying it is rejected, never applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config field %s: %s", e.Field, e.Reason)
}

// Validate checks the document for values the engine cannot act on.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.ModuleDir) {
		return &ValidationError{Field: "moduledir", Reason: "must be an absolute path"}
	}
	if c.TempDir != "" && !filepath.IsAbs(c.TempDir) {
		return &ValidationError{Field: "tempdir", Reason: "must be empty or an absolute path"}
	}
	if c.MountSource == "" {
		return &ValidationError{Field: "mountsource", Reason: "must not be empty"}
	}
	if strings.ContainsAny(c.MountSource, ",= \t\n") {
		return &ValidationError{Field: "mountsource", Reason: "must not contain separators"}
	}
	for _, p := range c.Partitions {
		if p == "" || strings.ContainsAny(p, "/\x00") || p == "." || p == ".." {
			return &ValidationError{Field: "partitions", Reason: fmt.Sprintf("invalid partition name %q", p)}
		}
	}
	return nil
}

// TargetPartitions returns the built-in partitions plus the configured
// extras, deduplicated, in stable order.
func (c *Config) TargetPartitions() []string {
	seen := make(map[string]bool, len(BuiltinPartitions)+len(c.Partitions))
	out := make([]string, 0, len(BuiltinPartitions)+len(c.Partitions))
	for _, p := range BuiltinPartitions {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range c.Partitions {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// MergeCLI overrides fields that were explicitly set on the command line.
func (c *Config) MergeCLI(moduleDir, tempDir, mountSource string, verbose bool, partitions []string) {
	if moduleDir != "" {
		c.ModuleDir = moduleDir
	}
	if tempDir != "" {
		c.TempDir = tempDir
	}
	if mountSource != "" {
		c.MountSource = mountSource
	}
	if verbose {
		c.Verbose = true
	}
	if len(partitions) > 0 {
		c.Partitions = partitions
	}
}

// Load reads and parses a configuration document.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Partitions == nil {
		cfg.Partitions = []string{}
	}
	return cfg, nil
}

// LoadOrDefault loads the document at path, falling back to defaults
// when the file does not exist. A present-but-broken file is an error:
// silently mounting with defaults would hide a misconfigured device.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Save validates the document and writes it atomically. On validation
// failure the prior file is left untouched.
func (c *Config) Save(fs fsops.FS, path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := fs.AtomicWrite(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
