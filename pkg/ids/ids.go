// Package ids defines the opaque, prefixed identifier types used throughout
// the worker agent. Identifiers are byte-equal comparable strings; each
// entity kind carries a fixed prefix so a misrouted id fails fast and
// legibly instead of silently matching the wrong map.
package ids

import "strings"

// ID is an opaque, prefixed identifier. The zero value is the empty,
// invalid id.
type ID string

// String returns the raw identifier text.
func (id ID) String() string { return string(id) }

// Empty reports whether the id carries no value.
func (id ID) Empty() bool { return id == "" }

// HasPrefix reports whether id carries the expected entity-kind prefix.
func (id ID) HasPrefix(prefix string) bool {
	return strings.HasPrefix(string(id), prefix)
}

// The fixed prefixes named in the data model.
const (
	FarmPrefix          = "farm-"
	FleetPrefix         = "fleet-"
	WorkerPrefix        = "worker-"
	QueuePrefix         = "queue-"
	JobPrefix           = "job-"
	StepPrefix          = "step-"
	TaskPrefix          = "task-"
	SessionPrefix       = "session-"
	SessionActionPrefix = "sessionaction-"
	EnvironmentPrefix   = "env-"
)

// Typed aliases document intent at call sites while remaining
// interchangeable with ID for comparison and map-keying purposes.
type (
	FarmID          = ID
	FleetID         = ID
	WorkerID        = ID
	QueueID         = ID
	JobID           = ID
	StepID          = ID
	TaskID          = ID
	SessionID       = ID
	SessionActionID = ID
	EnvironmentID   = ID
)
