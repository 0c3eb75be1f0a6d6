// Package envreuse tracks, across sessions in one worker process, how many
// sessions currently have a given declarative environment entered (§4.4).
// It is an optimization only: losing an entry leaks at worst one redundant
// exit for that environment's remaining lifetime, never a correctness
// failure, so it is guarded by a plain mutex rather than anything durable.
package envreuse

import (
	"sync"

	"github.com/fleetworker/agent/pkg/ids"
)

// Tracker maps environment id to the number of sessions that currently have
// it on their environment stack.
type Tracker struct {
	mu    sync.Mutex
	count map[ids.EnvironmentID]int
}

// NewTracker returns an empty reuse tracker.
func NewTracker() *Tracker {
	return &Tracker{count: make(map[ids.EnvironmentID]int)}
}

// Enter records that a session entered envID and reports the count
// afterward.
func (t *Tracker) Enter(envID ids.EnvironmentID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count[envID]++
	return t.count[envID]
}

// Exit records that a session is leaving envID and reports whether this was
// the last reference (count reached zero), in which case the caller should
// actually run the exit action rather than just dropping its own reference.
func (t *Tracker) Exit(envID ids.EnvironmentID) (last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.count[envID]
	if !ok || n <= 1 {
		delete(t.count, envID)
		return true
	}
	t.count[envID] = n - 1
	return false
}

// Count reports the current reference count for envID, for diagnostics.
func (t *Tracker) Count(envID ids.EnvironmentID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count[envID]
}
