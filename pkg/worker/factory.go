// Package worker is the composition root that wires a control-plane
// connection, the job-entity cache, path mapping, and the host executor
// into scheduler.SessionFactory, the one seam the scheduler uses to turn a
// schedule diff into a runnable session.
package worker

import (
	"os/exec"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/fleetworker/agent/pkg/action"
	"github.com/fleetworker/agent/pkg/controlplane"
	"github.com/fleetworker/agent/pkg/entitycache"
	"github.com/fleetworker/agent/pkg/envreuse"
	"github.com/fleetworker/agent/pkg/executor"
	"github.com/fleetworker/agent/pkg/log"
	"github.com/fleetworker/agent/pkg/pathmap"
	"github.com/fleetworker/agent/pkg/procreap"
	"github.com/fleetworker/agent/pkg/session"
	"github.com/fleetworker/agent/pkg/vfsmount"
)

// Factory implements scheduler.SessionFactory, building one session.Session
// per newly-assigned session ID.
type Factory struct {
	entities    *entitycache.Cache
	pathRules   []pathmap.Rule
	sessionsDir string
	impersonate func(cmd *exec.Cmd, osUser string) error
	reaper      *procreap.Reaper
}

// New constructs a Factory backed by client for job-entity lookups,
// pathRules for attachment sync, and sessionsDir as the parent directory
// each session's working directory is created under. impersonate, if
// non-nil, is wired into every session's executor.Host.Impersonate
// (see pkg/osuser.Impersonate). cleanupUserProcesses enables reaping
// leftover session-user processes on session stop (§6
// "cleanup_session_user_processes").
func New(client entitycache.Source, pathRules []pathmap.Rule, sessionsDir string, impersonate func(cmd *exec.Cmd, osUser string) error, cleanupUserProcesses bool) *Factory {
	f := &Factory{
		entities:    entitycache.New(client),
		pathRules:   pathRules,
		sessionsDir: sessionsDir,
		impersonate: impersonate,
	}
	if cleanupUserProcesses {
		f.reaper = procreap.New(procreap.OwnerFromProc)
	}
	return f
}

// NewSession implements scheduler.SessionFactory.
func (f *Factory) NewSession(update controlplane.SessionUpdate, reports session.ReportSink, reuse *envreuse.Tracker) *session.Session {
	workingDir := filepath.Join(f.sessionsDir, update.SessionID.String())
	mapper := pathmap.New(afero.NewOsFs(), f.pathRules)

	host := executor.NewHost(workingDir)
	if f.impersonate != nil && update.OSUser != "" {
		host.Impersonate = f.impersonate
	}

	cfg := session.Config{
		ID:                update.SessionID,
		QueueID:           update.QueueID,
		JobID:             update.JobID,
		WorkingDir:        workingDir,
		OSUser:            update.OSUser,
		EntityProvider:    action.EntityProvider(f.entities),
		PathMapper:        mapper,
		AttachmentMounter: vfsmount.Unsupported{},
		Executor:          host,
		Reports:           reports,
		Logger:            log.WithSession(update.SessionID.String()),
		ReuseTracker:      reuse,
		Warmer:            f.entities,
	}
	// A nil *procreap.Reaper assigned to the ProcessReaper interface field
	// would produce a non-nil interface wrapping a nil pointer, defeating
	// session.go's `s.reaper == nil` check, so only assign when non-nil.
	if f.reaper != nil {
		cfg.Reaper = f.reaper
	}
	return session.New(cfg)
}
