package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hybridmount/hybridmount/internal/clock"
	"github.com/hybridmount/hybridmount/internal/config"
	"github.com/hybridmount/hybridmount/internal/engine"
	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/kernel"
	"github.com/hybridmount/hybridmount/internal/logging"
	"github.com/hybridmount/hybridmount/internal/storage"
)

// loadConfig resolves the effective configuration: the stored document
// (or defaults when absent) with CLI flag overrides applied on top.
func loadConfig(paths *config.Paths) (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = paths.Config
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	cfg.MergeCLI(flagModuleDir, flagTempDir, flagMountSource, flagVerbose, flagPartitions)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runEngine performs a full mount pass with real implementations.
func runEngine(ctx context.Context) error {
	paths := config.DefaultPaths()
	cfg, err := loadConfig(paths)
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create daemon directories: %w", err)
	}

	log, closeLog, err := logging.Setup(paths.Log, cfg.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	slog.SetDefault(log)

	eng := engine.New(cfg, paths, kernel.NewRealKernel(), fsops.NewRealFS(), &clock.RealClock{}, storage.RealExecer{}, log)
	result, err := eng.Run(ctx)
	if err != nil {
		return err
	}

	PrintSuccess(fmt.Sprintf("mounted %d partition(s) via overlay, %d via bind tree",
		result.Summary.OverlayMounts, result.Summary.MagicMounts))
	if result.Summary.Fallbacks > 0 {
		PrintWarning(fmt.Sprintf("%d partition(s) fell back to bind tree", result.Summary.Fallbacks))
	}
	if result.Summary.Failures > 0 {
		PrintWarning(fmt.Sprintf("%d mount task(s) failed", result.Summary.Failures))
	}
	return nil
}

// formatJSON formats a value as indented JSON.
func formatJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
