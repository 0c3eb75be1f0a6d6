//go:build !windows

// Package hostshutdown implements shutdown.HostShutdowner by invoking the
// host OS's own shutdown command. No shutdown/power-management library
// exists anywhere in the retrieval pack, so this shells out to the system
// binary directly (see DESIGN.md).
package hostshutdown

import (
	"context"
	"os/exec"
)

// Host shuts the machine down via the POSIX `shutdown` command.
type Host struct{}

// Shutdown runs `shutdown -h now`, requesting an immediate halt.
func (Host) Shutdown(ctx context.Context) error {
	return exec.CommandContext(ctx, "shutdown", "-h", "now").Run()
}
