// Package procreap finds and terminates leftover processes owned by a
// session's OS user once a session stops, implementing the
// cleanup_session_user_processes behavior. Process enumeration is portable
// via mitchellh/go-ps; actual termination goes through os.Process.Kill.
package procreap

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	ps "github.com/mitchellh/go-ps"
)

// OwnerResolver maps a pid to the uid that owns it. Implementations are
// platform-specific (see owner_linux.go); on platforms where ownership
// can't be determined cheaply, it may always report not-owned.
type OwnerResolver func(pid int) (uid string, ok bool)

// Reaper kills every process owned by a given OS user, skipping the
// current process and its direct children.
type Reaper struct {
	resolveOwner OwnerResolver
}

// New builds a Reaper using the given owner-resolution strategy.
func New(resolveOwner OwnerResolver) *Reaper {
	return &Reaper{resolveOwner: resolveOwner}
}

// ReapUser finds and kills every process owned by osUser (a "user" or
// "user:group" spec; only the user part matters for ownership matching).
// It returns the number of processes successfully killed.
func (r *Reaper) ReapUser(osUser string) (killed int, err error) {
	uid, err := uidForSpec(osUser)
	if err != nil {
		return 0, err
	}

	procs, err := ps.Processes()
	if err != nil {
		return 0, fmt.Errorf("procreap: list processes: %w", err)
	}

	self := os.Getpid()
	for _, p := range procs {
		if p.Pid() == self || p.PPid() == self {
			continue
		}
		owner, ok := r.resolveOwner(p.Pid())
		if !ok || owner != uid {
			continue
		}
		proc, err := os.FindProcess(p.Pid())
		if err != nil {
			continue
		}
		if killErr := proc.Kill(); killErr == nil {
			killed++
		}
	}
	return killed, nil
}

func uidForSpec(spec string) (string, error) {
	userPart, _, _ := strings.Cut(spec, ":")
	u, err := user.Lookup(userPart)
	if err != nil {
		return "", fmt.Errorf("procreap: lookup user %q: %w", userPart, err)
	}
	return u.Uid, nil
}
