package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hybridmount/hybridmount/internal/executor"
	"github.com/hybridmount/hybridmount/internal/storage"
)

// selfModuleDir is the reserved directory holding the daemon's own
// module.prop inside the module tree.
const selfModuleDir = "hybridmount"

// updateSelfDescription rewrites the description line of the daemon's
// own module.prop with a run summary, so management UIs listing
// modules show the engine's status at a glance. Best-effort: a module
// tree without the daemon's own prop file is fine.
func (e *Engine) updateSelfDescription(backend *storage.Backend, summary *executor.Summary) {
	propPath := filepath.Join(e.cfg.ModuleDir, selfModuleDir, "module.prop")
	data, err := e.fs.ReadFile(propPath)
	if err != nil {
		return
	}

	status := fmt.Sprintf("[%s | %d overlay, %d magic", backend.Kind, summary.OverlayMounts, summary.MagicMounts)
	if summary.Failures > 0 {
		status += fmt.Sprintf(", %d failed", summary.Failures)
	}
	status += "]"

	lines := strings.Split(string(data), "\n")
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(line, "description=") {
			rest := strings.TrimPrefix(line, "description=")
			if idx := strings.Index(rest, "] "); strings.HasPrefix(rest, "[") && idx >= 0 {
				rest = rest[idx+2:]
			}
			lines[i] = "description=" + status + " " + rest
			replaced = true
			break
		}
	}
	if !replaced {
		return
	}
	if err := e.fs.AtomicWrite(propPath, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		e.log.Debug("failed to update module description", "error", err)
	}
}
