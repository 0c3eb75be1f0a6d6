package controlplane

import "github.com/fleetworker/agent/pkg/ids"

// ActionReport mirrors session.Report in wire form for the heartbeat
// payload (§4.5 step 1).
type ActionReport struct {
	SessionID       ids.SessionID       `json:"sessionId"`
	SessionActionID ids.SessionActionID `json:"sessionActionId"`
	Kind            string              `json:"kind"`
	Outcome         string              `json:"outcome"`
	Message         string              `json:"message,omitempty"`
	ExitCode        int                 `json:"exitCode,omitempty"`
	StartedAt       string              `json:"startedAt"`
	EndedAt         string              `json:"endedAt"`
}

// HeartbeatRequest is the payload sent to update_worker_schedule.
type HeartbeatRequest struct {
	WorkerID        ids.WorkerID   `json:"workerId"`
	Status          string         `json:"status"`
	ActionReports   []ActionReport `json:"actionReports,omitempty"`
}

// SessionActionAssignment is one action the control plane has assigned to a
// session, in the authoritative order it should run.
type SessionActionAssignment struct {
	SessionActionID ids.SessionActionID `json:"sessionActionId"`
	Kind            string              `json:"kind"`
	StepID          ids.StepID          `json:"stepId,omitempty"`
	TaskID          ids.TaskID          `json:"taskId,omitempty"`
	EnvironmentID   ids.EnvironmentID   `json:"environmentId,omitempty"`
	Parameters      map[string]string   `json:"parameters,omitempty"`
}

// HostProperties describes the host a worker is registering from, sent once
// with create_worker so the control plane can match capacity requirements
// (§6 "create_worker").
type HostProperties struct {
	HostName     string   `json:"hostName"`
	OSFamily     string   `json:"osFamily"`
	CPUCount     int      `json:"cpuCount"`
	MemoryMiB    int      `json:"memoryMiB"`
	IPAddresses  []string `json:"ipAddresses,omitempty"`
}

// CancelIntent asks the worker to cancel one specific action id.
type CancelIntent struct {
	SessionActionID ids.SessionActionID `json:"sessionActionId"`
	Message         string              `json:"message,omitempty"`
}

// SessionUpdate is the kept/created view of one session in a schedule diff.
type SessionUpdate struct {
	SessionID       ids.SessionID              `json:"sessionId"`
	QueueID         ids.QueueID                `json:"queueId"`
	JobID           ids.JobID                  `json:"jobId"`
	OSUser          string                     `json:"osUser,omitempty"`
	Actions         []SessionActionAssignment  `json:"actions"`
	CancelIntents   []CancelIntent             `json:"cancelIntents,omitempty"`
}

// ScheduleDiff is the response shape for update_worker_schedule.
type ScheduleDiff struct {
	AssignedSessions       []SessionUpdate `json:"assignedSessions"`
	RemovedSessionIDs      []ids.SessionID `json:"removedSessionIds,omitempty"`
	NextPollIntervalSeconds float64        `json:"nextPollIntervalSeconds,omitempty"`

	// StopRequested/ShutdownOnStop surface a service-initiated drain
	// (§4.6): the scheduler checks these on every heartbeat response.
	StopRequested  bool `json:"stopRequested,omitempty"`
	ShutdownOnStop bool `json:"shutdownOnStop,omitempty"`
}

// EntityIdentifier mirrors action.EntityIdentifier in wire form for
// batch_get_job_entity (§4.1, §6).
type EntityIdentifier struct {
	Kind          string            `json:"kind"`
	JobID         ids.JobID         `json:"jobId"`
	EnvironmentID ids.EnvironmentID `json:"environmentId,omitempty"`
	StepID        ids.StepID        `json:"stepId,omitempty"`
}

// APIError is the structured error shape the control plane returns, parsed
// from a gRPC status's details by the retry classifier (§4.5, §7).
type APIError struct {
	Code             string  `json:"code"`
	Message          string  `json:"message"`
	ResourceID       string  `json:"resourceId,omitempty"`
	Status           string  `json:"status,omitempty"`
	RetryAfterSeconds float64 `json:"retryAfterSeconds,omitempty"`
}
