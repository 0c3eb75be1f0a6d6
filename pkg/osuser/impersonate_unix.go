//go:build !windows

package osuser

import (
	"fmt"
	"os/exec"
	"syscall"
)

// Impersonate sets cmd's credential so the subprocess runs as osUser
// instead of the agent's own account. It is wired into executor.Host's
// Impersonate field when impersonation is enabled (§6 "impersonation").
func Impersonate(cmd *exec.Cmd, osUser string) error {
	if osUser == "" {
		return nil
	}
	cred, err := Lookup(osUser)
	if err != nil {
		return fmt.Errorf("osuser: %w", err)
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: cred.UID, Gid: cred.GID}
	return nil
}
