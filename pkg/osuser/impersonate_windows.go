//go:build windows

package osuser

import (
	"fmt"
	"os/exec"
)

// Impersonate on Windows requires a logon token (LogonUser plus
// CreateProcessAsUser) that the os/exec package does not expose directly.
// No third-party Windows impersonation library appears anywhere in the
// retrieval pack, so this build reports the limitation rather than faking
// support (see DESIGN.md).
func Impersonate(cmd *exec.Cmd, osUser string) error {
	if osUser == "" {
		return nil
	}
	return fmt.Errorf("osuser: windows_job_user impersonation is not supported by this build")
}
