// Package action defines the sealed set of session-action kinds, their
// parameters, and the pure function that turns one action plus a session
// snapshot into a runnable step script (§4.2 of the design spec).
package action

import (
	"context"
	"sync"
	"time"

	"github.com/fleetworker/agent/pkg/ids"
)

// Kind names one of the variants in the action-kind set. Modeled as a
// closed Go interface (Action) rather than a loose dictionary: each kind
// is its own struct implementing Resolve.
type Kind string

const (
	KindEnvEnter           Kind = "ENV_ENTER"
	KindEnvExit            Kind = "ENV_EXIT"
	KindTaskRun            Kind = "TASK_RUN"
	KindSyncInputsJob      Kind = "SYNC_INPUTS_JOB"
	KindSyncInputsStepDep  Kind = "SYNC_INPUTS_STEP_DEP"
	KindAttachmentDownload Kind = "ATTACHMENT_DOWNLOAD"
	KindAttachmentUpload   Kind = "ATTACHMENT_UPLOAD"
)

// Outcome is the terminal result recorded for an action once it stops
// running (or never ran at all).
type Outcome string

const (
	OutcomeSucceeded      Outcome = "SUCCEEDED"
	OutcomeFailed         Outcome = "FAILED"
	OutcomeCanceled       Outcome = "CANCELED"
	OutcomeInterrupted    Outcome = "INTERRUPTED"
	OutcomeNeverAttempted Outcome = "NEVER_ATTEMPTED"
)

// CancelSignal is a single-shot, once-settable cancel marker attached to
// every action (data-model invariant iii: it may transition from unset to
// set at most once).
type CancelSignal struct {
	mu      sync.Mutex
	set     bool
	message string
	outcome Outcome
}

// Set flips the signal, recording the outcome the caller wants reported if
// the action never starts (NEVER_ATTEMPTED) or is interrupted mid-run
// (CANCELED). Calling Set more than once is a no-op after the first call.
func (c *CancelSignal) Set(outcome Outcome, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return
	}
	c.set = true
	c.outcome = outcome
	c.message = message
}

// IsSet reports whether the signal has fired and, if so, the outcome and
// message recorded with it.
func (c *CancelSignal) IsSet() (bool, Outcome, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set, c.outcome, c.message
}

// CancelMode names the cooperative-cancel timeline a step script declares.
type CancelMode string

const (
	// CancelModeTerminateImmediately kills the subprocess as soon as a
	// cancel is requested.
	CancelModeTerminateImmediately CancelMode = "TERMINATE_IMMEDIATELY"
	// CancelModeNotifyThenTerminate signals the subprocess and gives it
	// NotifyPeriod to exit on its own before the executor terminates it.
	CancelModeNotifyThenTerminate CancelMode = "NOTIFY_THEN_TERMINATE"
)

// CancelTimeline is the cooperative-cancel behavior a step script declares,
// honored by the openjd executor when a running action is canceled.
type CancelTimeline struct {
	Mode         CancelMode
	NotifyPeriod time.Duration
}

// StepScript is the runnable form an action produces when started: an
// interpreter invocation plus embedded script files and per-action
// environment variables. It is derived on demand and is absent (the zero
// value) until the action's Resolve has run.
type StepScript struct {
	Interpreter   string
	Args          []string
	EmbeddedFiles map[string]string // relative path -> file contents
	Env           map[string]string
	Cancel        CancelTimeline
}

// Snapshot is the read-only view of session state that step-script
// assembly may consult. It is produced by the session package and passed
// down so that the action package never imports session (avoiding a
// cycle) while still being able to resolve paths, environment stacks, and
// job-entity lookups.
type Snapshot struct {
	SessionID      ids.SessionID
	QueueID        ids.QueueID
	JobID          ids.JobID
	WorkingDir     string
	Interpreter    string // path to the colocated runtime interpreter
	EnvironmentIDs []ids.EnvironmentID // current environment stack, bottom to top

	EntityProvider    EntityProvider
	PathMapper        PathMapper
	AttachmentMounter AttachmentMounter
}

// EntityProvider fetches authoritative job-entity metadata (environment,
// step, job-attachment details) from the control plane, backed by the
// read-mostly job-entity cache. It is the only way step-script assembly
// may reach outside the snapshot, and it must never mutate the cache
// itself (callers own single-flighting).
type EntityProvider interface {
	GetEnvironment(ctx context.Context, envID ids.EnvironmentID) (*EnvironmentDetails, error)
	GetStep(ctx context.Context, stepID ids.StepID) (*StepDetails, error)
	GetJobAttachments(ctx context.Context, jobID ids.JobID) (*JobAttachmentDetails, error)
}

// PathMapper resolves the dynamic remote-path -> local-path mapping for a
// manifest root and reports the rules sorted for the openjd executor.
type PathMapper interface {
	ResolveRoot(ctx context.Context, remoteRoot string, workingDir string) (localRoot string, err error)
	SortedRules() []PathMappingRule
}

// AttachmentMounter is the opaque blob-store "VFS" mount capability used
// when virtual-filesystem sync is selected and available.
type AttachmentMounter interface {
	SupportsVirtualMount(platform string) bool
	Mount(ctx context.Context, manifestRoots map[string]string, hasSufficientPermissions bool) error
}

// PathMappingRule is one source->destination path rewrite the openjd
// executor applies when resolving manifest entries to local paths.
type PathMappingRule struct {
	Source      string
	Destination string
}

// EnvironmentDetails is the authoritative environment definition fetched
// from the control plane: its step script template.
type EnvironmentDetails struct {
	ID          ids.EnvironmentID
	TemplateVer string
	StepScript  StepScript
}

// StepDetails is the authoritative step definition: its step script
// template and declared dependencies.
type StepDetails struct {
	ID            ids.StepID
	TemplateVer   string
	StepScript    StepScript
	DependsOnStep []ids.StepID
}

// JobAttachmentDetails carries the manifest references and storage-profile
// path-mapping rules for a job's attachments.
type JobAttachmentDetails struct {
	ManifestsByRoot map[string]string // root name -> manifest path/URI
	BlobStoreRoot   string
}

// SupportedTemplateVersions is the set of job-template schema versions this
// agent understands. A version outside this set produces
// UNSUPPORTED_SCHEMA (§7) rather than a generic fetch failure.
var SupportedTemplateVersions = map[string]bool{
	"2023-09": true,
}

// Action is the sealed contract every action kind implements.
type Action interface {
	ID() ids.SessionActionID
	Kind() Kind
	Cancel() *CancelSignal
	// Resolve produces the runnable step script for this action given the
	// current session snapshot. It must be a pure function of (action
	// parameters, snapshot): it must never mutate job-entity caches.
	Resolve(ctx context.Context, snap *Snapshot) (StepScript, error)
}

// EntityKind names one of the job-entity record types batch_get_job_entity
// can return (§6).
type EntityKind string

const (
	EntityKindEnvironment   EntityKind = "ENVIRONMENT"
	EntityKindStep          EntityKind = "STEP"
	EntityKindJobAttachment EntityKind = "JOB_ATTACHMENT"
)

// EntityIdentifier names one job-entity record the control plane can
// resolve via batch_get_job_entity. It is a plain comparable struct so a
// queue can de-duplicate a set of them cheaply (§4.1 "list_identifiers").
type EntityIdentifier struct {
	Kind          EntityKind
	JobID         ids.JobID
	EnvironmentID ids.EnvironmentID
	StepID        ids.StepID
}

// EntityReferencer is implemented by action kinds that reference a
// job-entity record the control plane can pre-fetch in a batch before the
// action is dequeued and started (§4.1: "list_identifiers() -> the set of
// job-entity records the queue will need... used to warm the job-entity
// cache before the actions are started").
type EntityReferencer interface {
	EntityRef(jobID ids.JobID) EntityIdentifier
}

// JobEntityBatch is the per-id fetch result returned by batch_get_job_entity
// (§6), keyed by the identifier each record answers.
type JobEntityBatch struct {
	Environments   map[ids.EnvironmentID]EnvironmentDetails
	Steps          map[ids.StepID]StepDetails
	JobAttachments map[ids.JobID]JobAttachmentDetails
}
