// Package scheduler owns the set of live sessions on this worker and runs
// the long-poll loop against the control plane (§4.5), translating
// schedule diffs into session creation/removal/reconciliation and
// aggregating completed-action reports for the next heartbeat.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/fleetworker/agent/pkg/action"
	"github.com/fleetworker/agent/pkg/controlplane"
	"github.com/fleetworker/agent/pkg/envreuse"
	"github.com/fleetworker/agent/pkg/ids"
	"github.com/fleetworker/agent/pkg/log"
	"github.com/fleetworker/agent/pkg/session"
	"github.com/fleetworker/agent/pkg/workererr"
)

// Status is the worker-wide status value reported to the control plane.
type Status string

const (
	StatusStarted  Status = "STARTED"
	StatusRunning  Status = "RUNNING"
	StatusIdle     Status = "IDLE"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
)

const (
	defaultSessionStopGrace = 30 * time.Second
	defaultPollInterval     = 15 * time.Second
)

// Client is the subset of controlplane.Client the scheduler depends on.
type Client interface {
	UpdateWorkerSchedule(ctx context.Context, req controlplane.HeartbeatRequest) (*controlplane.ScheduleDiff, error)
	UpdateWorker(ctx context.Context, workerID ids.WorkerID, status string) error
}

// SessionFactory builds a Session for a newly-assigned session id, wiring
// in whatever entity provider, path mapper, attachment mounter, and
// executor the caller's deployment uses.
type SessionFactory interface {
	NewSession(update controlplane.SessionUpdate, reports session.ReportSink, reuse *envreuse.Tracker) *session.Session
}

// Scheduler is the worker-wide coordinator described in §4.5.
type Scheduler struct {
	workerID ids.WorkerID
	client   Client
	factory  SessionFactory
	reuse    *envreuse.Tracker
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[ids.SessionID]*session.Session
	cancels  map[ids.SessionID]context.CancelFunc
	status   Status
	draining bool

	reportsMu sync.Mutex
	pending   []controlplane.ActionReport

	stopCh       chan struct{}
	doneCh       chan struct{}
	fatalCh      chan error
	serviceStop  chan ServiceStopRequest
	stopNotified bool
}

// ServiceStopRequest is surfaced on ServiceStopRequested when a heartbeat
// response asks this worker to drain (§4.6 "service-initiated drain").
type ServiceStopRequest struct {
	ShutdownOnStop bool
}

// New constructs a scheduler with no live sessions, status STARTED.
func New(workerID ids.WorkerID, client Client, factory SessionFactory) *Scheduler {
	return &Scheduler{
		workerID:    workerID,
		client:      client,
		factory:     factory,
		reuse:       envreuse.NewTracker(),
		logger:      log.WithWorker(string(workerID)),
		sessions:    make(map[ids.SessionID]*session.Session),
		cancels:     make(map[ids.SessionID]context.CancelFunc),
		status:      StatusStarted,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		fatalCh:     make(chan error, 1),
		serviceStop: make(chan ServiceStopRequest, 1),
	}
}

// Record implements session.ReportSink, buffering completed-action reports
// until the next successful heartbeat (§8 invariant 7).
func (s *Scheduler) Record(sessionID ids.SessionID, r session.Report) {
	s.reportsMu.Lock()
	defer s.reportsMu.Unlock()
	s.pending = append(s.pending, controlplane.ActionReport{
		SessionID:       sessionID,
		SessionActionID: r.ActionID,
		Kind:            string(r.Kind),
		Outcome:         string(r.Outcome),
		Message:         r.Message,
		ExitCode:        r.ExitCode,
		StartedAt:       r.StartedAt.UTC().Format(time.RFC3339Nano),
		EndedAt:         r.EndedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Scheduler) drainReports() []controlplane.ActionReport {
	s.reportsMu.Lock()
	defer s.reportsMu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func (s *Scheduler) requeueReports(reports []controlplane.ActionReport) {
	if len(reports) == 0 {
		return
	}
	s.reportsMu.Lock()
	defer s.reportsMu.Unlock()
	s.pending = append(reports, s.pending...)
}

// Stop requests the long-poll loop to exit after its current iteration.
func (s *Scheduler) Stop() { close(s.stopCh) }

// Done is closed once the long-poll loop has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.doneCh }

// Fatal delivers the unrecoverable error that ended the loop, if any.
func (s *Scheduler) Fatal() <-chan error { return s.fatalCh }

// ServiceStopRequested delivers at most one request when a heartbeat
// response sets stopRequested, so the composition root can drive
// shutdown.Coordinator.Drain with ServiceInitiated: true. The long-poll
// loop keeps running after this fires; only the coordinator's Drain
// decides whether to call Stop.
func (s *Scheduler) ServiceStopRequested() <-chan ServiceStopRequest { return s.serviceStop }

// Sessions returns the currently tracked sessions, for the shutdown
// coordinator to drain.
func (s *Scheduler) Sessions() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// SetStatus updates the worker-wide status reported on the next heartbeat.
func (s *Scheduler) SetStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetDraining stops reconciliation from creating new sessions once true;
// existing sessions still receive ReplaceAssignedActions/CancelAction
// updates so in-flight work keeps draining normally (§4.6 step 1).
func (s *Scheduler) SetDraining(draining bool) {
	s.mu.Lock()
	s.draining = draining
	s.mu.Unlock()
}

// Run drives the long-poll loop until Stop is called, ctx is canceled, or
// an unrecoverable control-plane error occurs (§4.5).
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.doneCh)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0 // retry forever; only FATAL_RPC ends the loop

	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(wait):
		}

		diff, err := s.heartbeatOnce(ctx)
		if err != nil {
			if workererr.KindOf(err) == workererr.KindFatalRPC {
				s.logger.Error().Err(err).Msg("unrecoverable control plane error")
				s.fatalCh <- err
				return
			}
			wait = bo.NextBackOff()
			if ra, ok := controlplane.RetryAfter(err); ok {
				wait = jitter(ra)
			}
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("heartbeat failed, retrying")
			continue
		}
		bo.Reset()
		s.reconcile(ctx, diff)

		if diff.StopRequested && !s.stopNotified {
			s.stopNotified = true
			select {
			case s.serviceStop <- ServiceStopRequest{ShutdownOnStop: diff.ShutdownOnStop}:
			default:
			}
		}

		wait = time.Duration(diff.NextPollIntervalSeconds * float64(time.Second))
		if wait <= 0 {
			wait = defaultPollInterval
		}
	}
}

func (s *Scheduler) heartbeatOnce(ctx context.Context) (*controlplane.ScheduleDiff, error) {
	reports := s.drainReports()

	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	diff, err := s.client.UpdateWorkerSchedule(ctx, controlplane.HeartbeatRequest{
		WorkerID:      s.workerID,
		Status:        string(status),
		ActionReports: reports,
	})
	if err != nil {
		s.requeueReports(reports)
		return nil, err
	}
	return diff, nil
}

// jitter returns a duration within ±20% of base, honoring a control-plane
// retryAfterSeconds advisory (§8 scenario S4).
func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	delta := float64(base) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(base) + offset)
}

func (s *Scheduler) reconcile(ctx context.Context, diff *controlplane.ScheduleDiff) {
	for _, id := range diff.RemovedSessionIDs {
		s.removeSession(id)
	}

	for _, update := range diff.AssignedSessions {
		sess := s.ensureSession(ctx, update)
		if sess == nil {
			continue
		}
		sess.ReplaceAssignedActions(buildActions(update.Actions))
		for _, ci := range update.CancelIntents {
			sess.CancelAction(ci.SessionActionID, ci.Message)
		}
	}
}

func (s *Scheduler) ensureSession(ctx context.Context, update controlplane.SessionUpdate) *session.Session {
	s.mu.Lock()
	sess, exists := s.sessions[update.SessionID]
	draining := s.draining
	s.mu.Unlock()
	if exists {
		return sess
	}
	if draining {
		return nil
	}

	sess = s.factory.NewSession(update, s, s.reuse)
	sessCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.sessions[update.SessionID] = sess
	s.cancels[update.SessionID] = cancel
	s.mu.Unlock()

	go sess.Run(sessCtx)
	return sess
}

func (s *Scheduler) removeSession(id ids.SessionID) {
	s.mu.Lock()
	sess, exists := s.sessions[id]
	cancel := s.cancels[id]
	delete(s.sessions, id)
	delete(s.cancels, id)
	s.mu.Unlock()
	if !exists {
		return
	}

	sess.Stop(defaultSessionStopGrace)
	go func() {
		select {
		case <-sess.Done():
		case <-time.After(defaultSessionStopGrace + 5*time.Second):
		}
		cancel()
	}()
}

// buildActions converts the control plane's wire assignment list into the
// sealed Action variants the session queue understands.
func buildActions(assigned []controlplane.SessionActionAssignment) []action.Action {
	out := make([]action.Action, 0, len(assigned))
	for _, a := range assigned {
		switch action.Kind(a.Kind) {
		case action.KindEnvEnter:
			out = append(out, action.NewEnvEnterAction(a.SessionActionID, a.EnvironmentID))
		case action.KindEnvExit:
			out = append(out, action.NewEnvExitAction(a.SessionActionID, a.EnvironmentID))
		case action.KindTaskRun:
			out = append(out, action.NewTaskRunAction(a.SessionActionID, a.StepID, a.TaskID, a.Parameters))
		case action.KindSyncInputsJob:
			out = append(out, action.NewSyncInputsAction(a.SessionActionID, nil, false, false, false))
		case action.KindSyncInputsStepDep:
			out = append(out, action.NewSyncInputsAction(a.SessionActionID, []ids.StepID{a.StepID}, false, false, false))
		case action.KindAttachmentUpload:
			out = append(out, action.NewAttachmentUploadAction(a.SessionActionID, a.StepID, a.TaskID, nil))
		default:
			// Unknown kind: dropped rather than constructed half-formed;
			// the control plane is expected to never send one this agent
			// doesn't advertise support for.
			continue
		}
	}
	return out
}
