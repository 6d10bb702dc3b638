// Package state persists a snapshot of the last run for inspection by
// the CLI subcommands.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hybridmount/hybridmount/internal/fsops"
)

// PartitionState records the outcome for one mount task.
type PartitionState struct {
	Partition string   `json:"partition"`
	Strategy  string   `json:"strategy"`
	Status    string   `json:"status"`
	Modules   []string `json:"modules"`
}

// RunState is the persisted snapshot of one engine run.
type RunState struct {
	// RunID uniquely identifies the run across reboots.
	RunID string `json:"run_id"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// StorageKind is the staging backend that served the run.
	StorageKind string `json:"storage_kind"`

	// StorageMountPoint is where the staging backend was mounted.
	StorageMountPoint string `json:"storage_mount_point"`

	// Staging area capacity and usage at the end of the run.
	StorageTotalBytes  uint64 `json:"storage_total_bytes"`
	StorageUsedBytes   uint64 `json:"storage_used_bytes"`
	StorageUsedPercent uint8  `json:"storage_used_percent"`

	// ModulesStaged and ModulesFailed list module ids by sync outcome.
	ModulesStaged []string `json:"modules_staged"`
	ModulesFailed []string `json:"modules_failed,omitempty"`

	// ModuleModeCounts counts staged modules per mount mode.
	ModuleModeCounts map[string]int `json:"module_mode_counts,omitempty"`

	Partitions []PartitionState `json:"partitions"`

	// NukeApplied records whether sysfs trace scrubbing ran.
	NukeApplied bool `json:"nuke_applied"`
}

// NewRunState starts a snapshot for a run beginning now.
func NewRunState(start time.Time) *RunState {
	return &RunState{RunID: uuid.NewString(), StartedAt: start}
}

// Save writes the snapshot atomically.
func Save(fs fsops.FS, path string, s *RunState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run state: %w", err)
	}
	if err := fs.AtomicWrite(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	return nil
}

// Load reads a snapshot written by Save.
func Load(fs fsops.FS, path string) (*RunState, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}
	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse run state: %w", err)
	}
	return &s, nil
}
