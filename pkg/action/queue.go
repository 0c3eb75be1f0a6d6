package action

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetworker/agent/pkg/ids"
	"github.com/fleetworker/agent/pkg/workererr"
)

// Queue is the ordered, cancelable list of session actions awaiting or in
// flight (§4.1). It owns no execution state itself: dequeue resolves the
// step script inline and hands it back to the caller, which starts it under
// the session's task loop.
type Queue struct {
	mu      sync.Mutex
	order   []ids.SessionActionID
	actions map[ids.SessionActionID]Action
}

// NewQueue returns an empty action queue.
func NewQueue() *Queue {
	return &Queue{actions: make(map[ids.SessionActionID]Action)}
}

// EnqueueBack appends a to the tail of the queue. It fails with a
// DUPLICATE_ID validation error if an action with the same id is already
// queued.
func (q *Queue) EnqueueBack(a Action) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.actions[a.ID()]; exists {
		return workererr.New(workererr.KindValidation,
			fmt.Sprintf("DUPLICATE_ID: action %s already queued", a.ID()))
	}
	q.actions[a.ID()] = a
	q.order = append(q.order, a.ID())
	return nil
}

// InsertFront pushes a to the head of the queue, used for output-upload
// actions that run ahead of already-queued work, under the same
// DUPLICATE_ID rule as EnqueueBack.
func (q *Queue) InsertFront(a Action) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.actions[a.ID()]; exists {
		return workererr.New(workererr.KindValidation,
			fmt.Sprintf("DUPLICATE_ID: action %s already queued", a.ID()))
	}
	q.actions[a.ID()] = a
	q.order = append([]ids.SessionActionID{a.ID()}, q.order...)
	return nil
}

// Dequeue pops the head action, resolves its step script against snap, and
// returns both. A resolution failure still removes the action from the
// queue; the caller is responsible for recording the failure outcome.
func (q *Queue) Dequeue(ctx context.Context, snap *Snapshot) (Action, StepScript, bool, error) {
	q.mu.Lock()
	if len(q.order) == 0 {
		q.mu.Unlock()
		return nil, StepScript{}, false, nil
	}
	id := q.order[0]
	q.order = q.order[1:]
	a := q.actions[id]
	delete(q.actions, id)
	q.mu.Unlock()

	if canceled, outcome, msg := a.Cancel().IsSet(); canceled {
		return a, StepScript{}, true, workererr.New(workererr.KindCanceled,
			fmt.Sprintf("%s: %s", outcome, msg))
	}

	script, err := a.Resolve(ctx, snap)
	return a, script, true, err
}

// Cancel marks the single action id as canceled. It is a no-op if the id is
// not present (already dequeued or finished).
func (q *Queue) Cancel(id ids.SessionActionID, outcome Outcome, message string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.actions[id]
	if !ok {
		return false
	}
	a.Cancel().Set(outcome, message)
	return true
}

// CancelAll marks every currently queued action as canceled, used when the
// session transitions to draining or stopping.
func (q *Queue) CancelAll(outcome Outcome, message string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		a.Cancel().Set(outcome, message)
	}
}

// CancelAllExcept marks every currently queued action as canceled other
// than those of the given kind, used when draining needs pending EnvExit
// actions to still run (§4.3: "cancel all queued actions except EnvExit").
func (q *Queue) CancelAllExcept(keep Kind, outcome Outcome, message string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.Kind() == keep {
			continue
		}
		a.Cancel().Set(outcome, message)
	}
}

// HasKind reports whether an action of the given kind is currently queued.
func (q *Queue) HasKind(kind Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.Kind() == kind {
			return true
		}
	}
	return false
}

// QueuedIDs returns the session-action ids still queued, in order, for
// reconcile bookkeeping (ReplaceAssignedActions' keep/cancel diff) and
// diagnostics.
func (q *Queue) QueuedIDs() []ids.SessionActionID {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ids.SessionActionID, len(q.order))
	copy(out, q.order)
	return out
}

// ListIdentifiers returns the deduplicated set of job-entity records the
// currently queued actions will need once started (§4.1), in queue order,
// for warming the job-entity cache via batch_get_job_entity before any of
// them are dequeued.
func (q *Queue) ListIdentifiers(jobID ids.JobID) []EntityIdentifier {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[EntityIdentifier]bool, len(q.order))
	out := make([]EntityIdentifier, 0, len(q.order))
	for _, id := range q.order {
		a, ok := q.actions[id]
		if !ok {
			continue
		}
		ref, ok := a.(EntityReferencer)
		if !ok {
			continue
		}
		eid := ref.EntityRef(jobID)
		if seen[eid] {
			continue
		}
		seen[eid] = true
		out = append(out, eid)
	}
	return out
}

// Len reports the number of actions currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
