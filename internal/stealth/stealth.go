// Package stealth reduces the daemon's visible footprint: sysfs trace
// scrubbing for the loop backend and process-name camouflage. Every
// operation here is best-effort and cosmetic; failures are logged and
// swallowed.
package stealth

import (
	"log/slog"

	"github.com/hybridmount/hybridmount/internal/kernel"
)

// Camouflage rewrites the kernel-visible process name so casual
// process listings show an innocuous system daemon.
func Camouflage(kern kernel.Interface, log *slog.Logger, name string) {
	if err := kern.SetProcessName(name); err != nil {
		log.Debug("failed to set process name", "error", err)
	}
}

// Nuke asks the vendor driver to strip the loop device's sysfs
// entries. Only meaningful for the loop-image backend; callers gate
// on backend kind and configuration.
func Nuke(kern kernel.Interface, log *slog.Logger, device string) bool {
	if device == "" {
		return false
	}
	if err := kern.NukeSysfs(device); err != nil {
		log.Warn("sysfs scrub failed", "device", device, "error", err)
		return false
	}
	log.Info("sysfs traces scrubbed", "device", device)
	return true
}
