//go:build windows

package hostshutdown

import (
	"context"
	"os/exec"
)

// Host shuts the machine down via the Windows `shutdown` command.
type Host struct{}

// Shutdown runs `shutdown /s /t 0`, requesting an immediate shutdown.
func (Host) Shutdown(ctx context.Context) error {
	return exec.CommandContext(ctx, "shutdown", "/s", "/t", "0").Run()
}
