// Package osuser resolves which OS user an action's subprocess should run
// as and, on POSIX, builds the syscall credential that performs the
// impersonation. There is no third-party impersonation library anywhere in
// the retrieval pack, so this package is built on os/user and syscall
// directly (see DESIGN.md).
package osuser

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
)

// Source names where a resolved user came from, for logging.
type Source string

const (
	SourceCLI    Source = "cli_override"
	SourceEnv    Source = "env_override"
	SourceConfig Source = "config_override"
	SourceQueue  Source = "queue_declared"
)

// Resolution is the outcome of precedence resolution (§6): CLI override,
// then environment override, then config override, then the queue's
// declared per-platform job user.
type Resolution struct {
	Spec   string // "user" or "user:group" (POSIX), or a Windows account name
	Source Source
}

// Resolve applies the CLI > env > config > queue-declared precedence and
// returns the winning spec plus which input it came from.
func Resolve(cliOverride, envOverride, configOverride, queueDeclared string) Resolution {
	switch {
	case cliOverride != "":
		return Resolution{Spec: cliOverride, Source: SourceCLI}
	case envOverride != "":
		return Resolution{Spec: envOverride, Source: SourceEnv}
	case configOverride != "":
		return Resolution{Spec: configOverride, Source: SourceConfig}
	default:
		return Resolution{Spec: queueDeclared, Source: SourceQueue}
	}
}

// Credential is the resolved numeric uid/gid pair an impersonating
// subprocess should run as (POSIX only; Windows impersonation is handled by
// its own build-tagged implementation).
type Credential struct {
	UID uint32
	GID uint32
}

// Lookup parses a "user" or "user:group" spec and resolves it to numeric
// ids via os/user.
func Lookup(spec string) (Credential, error) {
	if spec == "" {
		return Credential{}, fmt.Errorf("osuser: empty user spec")
	}
	userPart, groupPart, hasGroup := strings.Cut(spec, ":")

	u, err := user.Lookup(userPart)
	if err != nil {
		return Credential{}, fmt.Errorf("osuser: lookup user %q: %w", userPart, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return Credential{}, fmt.Errorf("osuser: parse uid for %q: %w", userPart, err)
	}

	gid := uid
	if hasGroup {
		g, err := user.LookupGroup(groupPart)
		if err != nil {
			return Credential{}, fmt.Errorf("osuser: lookup group %q: %w", groupPart, err)
		}
		parsedGID, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return Credential{}, fmt.Errorf("osuser: parse gid for %q: %w", groupPart, err)
		}
		gid = parsedGID
	} else {
		parsedGID, err := strconv.ParseUint(u.Gid, 10, 32)
		if err != nil {
			return Credential{}, fmt.Errorf("osuser: parse primary gid for %q: %w", userPart, err)
		}
		gid = parsedGID
	}

	return Credential{UID: uint32(uid), GID: uint32(gid)}, nil
}
