// Package session implements the per-session state machine and task loop
// (§4.3): the single-threaded loop that advances one session's action
// queue, the only place that loop's queue is ever mutated from.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetworker/agent/pkg/action"
	"github.com/fleetworker/agent/pkg/envreuse"
	"github.com/fleetworker/agent/pkg/executor"
	"github.com/fleetworker/agent/pkg/ids"
	"github.com/fleetworker/agent/pkg/workererr"
)

// State names one of the session lifecycle states.
type State string

const (
	StateIdle     State = "IDLE"
	StateRunning  State = "RUNNING"
	StateDraining State = "DRAINING"
	StateStopped  State = "STOPPED"
)

// idlePollInterval bounds how long the task loop waits with an empty queue
// before re-checking drain conditions; mailbox traffic wakes it sooner.
const idlePollInterval = 200 * time.Millisecond

// Report is the outcome record emitted for one completed (or never
// attempted) action, destined for the next heartbeat.
type Report struct {
	ActionID  ids.SessionActionID
	Kind      action.Kind
	Outcome   action.Outcome
	Message   string
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
}

// ReportSink receives completed-action reports as they finish, decoupled
// from heartbeat cadence (§8 invariant 7: each report surfaces in at most
// one successful heartbeat; the scheduler owns that bookkeeping).
type ReportSink interface {
	Record(sessionID ids.SessionID, r Report)
}

// EntityWarmer pre-populates the job-entity cache for a batch of
// identifiers before the actions that reference them are dequeued (§4.1
// "list_identifiers... used to warm the job-entity cache before the
// actions are started").
type EntityWarmer interface {
	Warm(ctx context.Context, identifiers []action.EntityIdentifier) error
}

// ProcessReaper reaps leftover processes owned by a session's OS user once
// the session has stopped (§6 "cleanup_session_user_processes").
type ProcessReaper interface {
	ReapUser(osUser string) (killed int, err error)
}

// Config carries a session's fixed identity and collaborators.
type Config struct {
	ID          ids.SessionID
	QueueID     ids.QueueID
	JobID       ids.JobID
	WorkingDir  string
	OSUser      string
	Interpreter string

	EntityProvider    action.EntityProvider
	PathMapper        action.PathMapper
	AttachmentMounter action.AttachmentMounter
	Executor          executor.Executor
	Reports           ReportSink
	Logger            zerolog.Logger

	// Warmer, if set, is used to pre-fetch job-entity records for newly
	// queued actions (§4.1). Nil is a valid no-op configuration.
	Warmer EntityWarmer

	// Reaper, if set and OSUser is non-empty, reaps leftover session-user
	// processes once the session reaches Stopped (§6
	// "cleanup_session_user_processes"). Nil is a valid no-op
	// configuration.
	Reaper ProcessReaper

	// ReuseTracker, if set, lets EnvEnter/EnvExit actions shared with other
	// sessions in this process skip their subprocess when another session
	// already holds (or still holds) the environment (§4.4). Each session
	// still pushes/pops its own environment stack regardless, so the
	// per-session balance invariant holds even when the subprocess is
	// skipped.
	ReuseTracker *envreuse.Tracker
}

// Session owns one assigned unit of sequential work: its action queue,
// environment stack, and the task loop that drains them.
type Session struct {
	id          ids.SessionID
	queueID     ids.QueueID
	jobID       ids.JobID
	workingDir  string
	osUser      string
	interpreter string

	entityProvider action.EntityProvider
	pathMapper     action.PathMapper
	mounter        action.AttachmentMounter
	exec           executor.Executor
	reports        ReportSink
	log            zerolog.Logger
	reuseTracker   *envreuse.Tracker
	warmer         EntityWarmer
	reaper         ProcessReaper

	queue *action.Queue

	mu       sync.Mutex
	state    State
	envStack []ids.EnvironmentID
	active   action.Action
	activeAt time.Time

	mailbox  chan func()
	cancelCh chan struct{}
	resultCh chan executor.Result
	doneCh   chan struct{}
}

// New constructs a session in state Idle with an empty queue.
func New(cfg Config) *Session {
	return &Session{
		id:             cfg.ID,
		queueID:        cfg.QueueID,
		jobID:          cfg.JobID,
		workingDir:     cfg.WorkingDir,
		osUser:         cfg.OSUser,
		interpreter:    cfg.Interpreter,
		entityProvider: cfg.EntityProvider,
		pathMapper:     cfg.PathMapper,
		mounter:        cfg.AttachmentMounter,
		exec:           cfg.Executor,
		reports:        cfg.Reports,
		log:            cfg.Logger,
		reuseTracker:   cfg.ReuseTracker,
		warmer:         cfg.Warmer,
		reaper:         cfg.Reaper,
		queue:          action.NewQueue(),
		state:          StateIdle,
		mailbox:        make(chan func()),
		resultCh:       make(chan executor.Result, 1),
		doneCh:         make(chan struct{}),
	}
}

// ID returns the session's identifier.
func (s *Session) ID() ids.SessionID { return s.id }

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnvironmentStack returns a snapshot copy of the environment stack, bottom
// to top.
func (s *Session) EnvironmentStack() []ids.EnvironmentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ids.EnvironmentID, len(s.envStack))
	copy(out, s.envStack)
	return out
}

// Done is closed once the session's task loop has returned.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// do runs fn on the task loop goroutine, serialized with queue advancement,
// per §4.3 ("external callers use the session's mailbox"). If the loop has
// already exited, fn runs directly as a best-effort fallback.
func (s *Session) do(fn func()) {
	done := make(chan struct{})
	wrapped := func() { fn(); close(done) }
	select {
	case s.mailbox <- wrapped:
		<-done
	case <-s.doneCh:
		fn()
	}
}

// ReplaceAssignedActions reconciles the queue with the control plane's
// authoritative ordered list: actions already queued by id are kept in
// place, newly assigned ones are enqueued at the back, and any queued
// action no longer present is canceled NEVER_ATTEMPTED (§4.3, §8 invariant
// 6 — applying the same list twice is a no-op the second time). A newly
// assigned AttachmentUpload action is inserted at the front instead: it's
// an output-upload injected ahead of whatever follow-up work is already
// queued, not just another action waiting its turn (§4.1).
func (s *Session) ReplaceAssignedActions(assigned []action.Action) {
	s.do(func() {
		want := make(map[ids.SessionActionID]bool, len(assigned))
		for _, a := range assigned {
			want[a.ID()] = true
		}
		for _, id := range s.queue.QueuedIDs() {
			if !want[id] {
				s.queue.Cancel(id, action.OutcomeNeverAttempted, "no longer assigned")
			}
		}
		have := make(map[ids.SessionActionID]bool)
		for _, id := range s.queue.QueuedIDs() {
			have[id] = true
		}
		if s.active != nil {
			have[s.active.ID()] = true
		}
		for _, a := range assigned {
			if have[a.ID()] {
				continue
			}
			var err error
			if a.Kind() == action.KindAttachmentUpload {
				err = s.queue.InsertFront(a)
			} else {
				err = s.queue.EnqueueBack(a)
			}
			if err != nil {
				s.log.Warn().Err(err).Str("session_action_id", string(a.ID())).Msg("reconcile enqueue failed")
			}
		}
		s.warmEntityCache()
	})
}

// warmEntityCache pre-fetches the job-entity records the now-queued
// actions reference via a single batch_get_job_entity call, so Resolve
// doesn't pay for an individual round trip when each action starts (§4.1).
// Runs off the task loop goroutine since it's a network call; warming is
// best-effort and never blocks queue advancement.
func (s *Session) warmEntityCache() {
	if s.warmer == nil {
		return
	}
	identifiers := s.queue.ListIdentifiers(s.jobID)
	if len(identifiers) == 0 {
		return
	}
	go func() {
		if err := s.warmer.Warm(context.Background(), identifiers); err != nil {
			s.log.Warn().Err(err).Msg("job-entity cache warm failed")
		}
	}()
}

// CancelAction cancels a specific action: if queued, it never starts; if
// currently active, the cancel is forwarded to the executor so it can drive
// the step script's declared cancel timeline.
func (s *Session) CancelAction(id ids.SessionActionID, message string) {
	s.do(func() {
		if s.active != nil && s.active.ID() == id {
			s.active.Cancel().Set(action.OutcomeCanceled, message)
			if s.cancelCh != nil {
				select {
				case <-s.cancelCh:
				default:
					close(s.cancelCh)
				}
			}
			return
		}
		s.queue.Cancel(id, action.OutcomeNeverAttempted, message)
	})
}

// Stop flips the session to Draining: queued actions other than EnvExit are
// canceled, the active action (if any) keeps running to completion or
// cancellation, and pending EnvExits run in reverse-entry order before the
// session reaches Stopped.
func (s *Session) Stop(grace time.Duration) {
	s.do(func() {
		s.queue.CancelAllExcept(action.KindEnvExit, action.OutcomeNeverAttempted, "session stopping")
		s.setState(StateDraining)
	})
}

func (s *Session) snapshot() *action.Snapshot {
	s.mu.Lock()
	envStack := make([]ids.EnvironmentID, len(s.envStack))
	copy(envStack, s.envStack)
	s.mu.Unlock()
	return &action.Snapshot{
		SessionID:         s.id,
		QueueID:           s.queueID,
		JobID:             s.jobID,
		WorkingDir:        s.workingDir,
		Interpreter:       s.interpreter,
		EnvironmentIDs:    envStack,
		EntityProvider:    s.entityProvider,
		PathMapper:        s.pathMapper,
		AttachmentMounter: s.mounter,
	}
}

// Run drives the task loop until the session reaches Stopped or ctx is
// canceled. It must be called from its own goroutine; it is the only
// goroutine that ever advances the queue (§4.3: "at-most-one concurrent
// action per session... enforced structurally").
func (s *Session) Run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		if s.State() == StateStopped {
			return
		}

		if s.active == nil {
			if s.tryFinishDraining() {
				continue
			}
			if s.synthesizeDrainExit() {
				continue
			}
			if s.queue.Len() > 0 {
				s.startNext(ctx)
				continue
			}
			if s.State() == StateRunning {
				s.setState(StateIdle)
			}
			select {
			case fn := <-s.mailbox:
				fn()
			case <-time.After(idlePollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case res := <-s.resultCh:
			s.completeActive(res)
		case fn := <-s.mailbox:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// tryFinishDraining transitions Draining -> Stopped once the queue is empty,
// nothing is active, and the environment stack has unwound (§8 invariant 5).
func (s *Session) tryFinishDraining() bool {
	if s.State() != StateDraining {
		return false
	}
	if s.queue.Len() != 0 || len(s.EnvironmentStack()) != 0 {
		return false
	}
	s.setState(StateStopped)
	s.reapLeftoverProcesses()
	return true
}

// reapLeftoverProcesses kills anything still running as this session's OS
// user once the session has stopped (§6
// "cleanup_session_user_processes"). Best-effort: a reap failure is logged,
// not surfaced, since the session has already reached its terminal state.
func (s *Session) reapLeftoverProcesses() {
	if s.reaper == nil || s.osUser == "" {
		return
	}
	killed, err := s.reaper.ReapUser(s.osUser)
	if err != nil {
		s.log.Warn().Err(err).Str("os_user", s.osUser).Msg("failed to reap leftover session-user processes")
		return
	}
	if killed > 0 {
		s.log.Info().Int("killed", killed).Str("os_user", s.osUser).Msg("reaped leftover session-user processes")
	}
}

// synthesizeDrainExit enqueues an EnvExit for the top of the environment
// stack when draining and none is already queued (§4.3 step 4).
func (s *Session) synthesizeDrainExit() bool {
	if s.State() != StateDraining {
		return false
	}
	stack := s.EnvironmentStack()
	if len(stack) == 0 || s.queue.HasKind(action.KindEnvExit) {
		return false
	}
	top := stack[len(stack)-1]
	id := ids.SessionActionID(fmt.Sprintf("sessionaction-synthetic-envexit-%s", top))
	_ = s.queue.EnqueueBack(action.NewEnvExitAction(id, top))
	return true
}

func (s *Session) startNext(ctx context.Context) {
	a, script, ok, err := s.queue.Dequeue(ctx, s.snapshot())
	if !ok {
		return
	}
	if s.State() == StateIdle {
		s.setState(StateRunning)
	}

	if err != nil {
		if workererr.KindOf(err) == workererr.KindCanceled {
			s.recordCanceledBeforeStart(a)
		} else {
			s.recordResolveFailure(a, err)
		}
		return
	}

	s.mu.Lock()
	s.active = a
	s.activeAt = time.Now()
	s.mu.Unlock()
	s.cancelCh = make(chan struct{})

	if s.skipsSubprocess(a) {
		s.resultCh <- executor.Result{Outcome: action.OutcomeSucceeded, Message: "shared with another session in this process"}
		return
	}

	go func(script action.StepScript, cancelCh chan struct{}) {
		res, runErr := s.exec.Run(ctx, script, s.osUser, cancelCh)
		if runErr != nil && res.Outcome == "" {
			res.Outcome = action.OutcomeFailed
			res.Message = runErr.Error()
		}
		s.resultCh <- res
	}(script, s.cancelCh)
}

// skipsSubprocess reports whether a's subprocess can be skipped because the
// reuse tracker says another session already holds (EnvEnter) or still
// needs (EnvExit) this environment (§4.4). The session still records the
// action's success and updates its own environment stack either way.
func (s *Session) skipsSubprocess(a action.Action) bool {
	if s.reuseTracker == nil {
		return false
	}
	switch v := a.(type) {
	case *action.EnvEnterAction:
		return s.reuseTracker.Enter(v.EnvironmentID) > 1
	case *action.EnvExitAction:
		return !s.reuseTracker.Exit(v.EnvironmentID)
	default:
		return false
	}
}

// recordCanceledBeforeStart reports the action's actual pre-recorded
// outcome (typically NEVER_ATTEMPTED) for an action that was canceled while
// still queued (§8 invariant 3): no subprocess runs and nothing else in the
// queue is affected.
func (s *Session) recordCanceledBeforeStart(a action.Action) {
	now := time.Now()
	_, outcome, msg := a.Cancel().IsSet()
	s.emit(Report{
		ActionID:  a.ID(),
		Kind:      a.Kind(),
		Outcome:   outcome,
		Message:   msg,
		StartedAt: now,
		EndedAt:   now,
	})
}

// recordResolveFailure handles a step-script assembly failure (§7): the
// action fails immediately with no subprocess spawned, and everything else
// queued other than a pending EnvExit is abandoned since its preconditions
// can no longer hold.
func (s *Session) recordResolveFailure(a action.Action, err error) {
	started := time.Now()
	kind := workererr.KindOf(err)
	s.emit(Report{
		ActionID:  a.ID(),
		Kind:      a.Kind(),
		Outcome:   action.OutcomeFailed,
		Message:   fmt.Sprintf("%s: %v", kind, err),
		StartedAt: started,
		EndedAt:   started,
	})
	s.queue.CancelAllExcept(action.KindEnvExit, action.OutcomeNeverAttempted, "prior action failed")
	s.setState(StateDraining)
}

func (s *Session) completeActive(res executor.Result) {
	s.mu.Lock()
	a := s.active
	started := s.activeAt
	s.active = nil
	s.mu.Unlock()
	s.cancelCh = nil

	if canceled, outcome, msg := a.Cancel().IsSet(); canceled && res.Outcome == action.OutcomeCanceled {
		res.Outcome = outcome
		res.Message = msg
	}

	switch v := a.(type) {
	case *action.EnvEnterAction:
		if res.Outcome == action.OutcomeSucceeded {
			s.mu.Lock()
			s.envStack = append(s.envStack, v.EnvironmentID)
			s.mu.Unlock()
		}
	case *action.EnvExitAction:
		if res.Outcome == action.OutcomeSucceeded {
			s.mu.Lock()
			if n := len(s.envStack); n > 0 && s.envStack[n-1] == v.EnvironmentID {
				s.envStack = s.envStack[:n-1]
			}
			s.mu.Unlock()
		}
	}

	s.emit(Report{
		ActionID:  a.ID(),
		Kind:      a.Kind(),
		Outcome:   res.Outcome,
		Message:   res.Message,
		ExitCode:  res.ExitCode,
		StartedAt: started,
		EndedAt:   time.Now(),
	})
}

func (s *Session) emit(r Report) {
	if s.reports != nil {
		s.reports.Record(s.id, r)
	}
}
