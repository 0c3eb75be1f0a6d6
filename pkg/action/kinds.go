package action

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/fleetworker/agent/pkg/ids"
	"github.com/fleetworker/agent/pkg/workererr"
)

// resolveInterpreter returns the runtime interpreter colocated with the
// agent binary, remapping the Windows service-host variant to the normal
// variant (§4.2: "the executable invoked is always the runtime interpreter
// colocated with the agent... with a Windows-specific remap from the
// service-host variant to the normal variant").
func resolveInterpreter(path string) string {
	if runtime.GOOS != "windows" {
		return path
	}
	const serviceSuffix = "-service.exe"
	if strings.HasSuffix(path, serviceSuffix) {
		return strings.TrimSuffix(path, serviceSuffix) + ".exe"
	}
	return path
}

// EnvEnterAction pushes a declarative environment onto the session's
// environment stack.
type EnvEnterAction struct {
	id            ids.SessionActionID
	EnvironmentID ids.EnvironmentID
	cancel        CancelSignal
}

func NewEnvEnterAction(id ids.SessionActionID, envID ids.EnvironmentID) *EnvEnterAction {
	return &EnvEnterAction{id: id, EnvironmentID: envID}
}

func (a *EnvEnterAction) ID() ids.SessionActionID { return a.id }
func (a *EnvEnterAction) Kind() Kind               { return KindEnvEnter }
func (a *EnvEnterAction) Cancel() *CancelSignal    { return &a.cancel }

// EntityRef implements EntityReferencer.
func (a *EnvEnterAction) EntityRef(jobID ids.JobID) EntityIdentifier {
	return EntityIdentifier{Kind: EntityKindEnvironment, JobID: jobID, EnvironmentID: a.EnvironmentID}
}

func (a *EnvEnterAction) Resolve(ctx context.Context, snap *Snapshot) (StepScript, error) {
	env, err := snap.EntityProvider.GetEnvironment(ctx, a.EnvironmentID)
	if err != nil {
		return StepScript{}, workererr.Wrap(workererr.KindEntityFetch,
			fmt.Sprintf("fetch environment %s", a.EnvironmentID), err)
	}
	if !SupportedTemplateVersions[env.TemplateVer] {
		return StepScript{}, workererr.New(workererr.KindUnsupportedSchema,
			fmt.Sprintf("environment %s declares unsupported template version %q", a.EnvironmentID, env.TemplateVer))
	}
	script := env.StepScript
	script.Interpreter = resolveInterpreter(snap.Interpreter)
	return script, nil
}

// EnvExitAction pops a declarative environment from the session's
// environment stack. It must run even if the matching enter failed, unless
// the enter never started.
type EnvExitAction struct {
	id            ids.SessionActionID
	EnvironmentID ids.EnvironmentID
	cancel        CancelSignal
}

func NewEnvExitAction(id ids.SessionActionID, envID ids.EnvironmentID) *EnvExitAction {
	return &EnvExitAction{id: id, EnvironmentID: envID}
}

func (a *EnvExitAction) ID() ids.SessionActionID { return a.id }
func (a *EnvExitAction) Kind() Kind               { return KindEnvExit }
func (a *EnvExitAction) Cancel() *CancelSignal    { return &a.cancel }

// EntityRef implements EntityReferencer.
func (a *EnvExitAction) EntityRef(jobID ids.JobID) EntityIdentifier {
	return EntityIdentifier{Kind: EntityKindEnvironment, JobID: jobID, EnvironmentID: a.EnvironmentID}
}

func (a *EnvExitAction) Resolve(ctx context.Context, snap *Snapshot) (StepScript, error) {
	if len(snap.EnvironmentIDs) == 0 || snap.EnvironmentIDs[len(snap.EnvironmentIDs)-1] != a.EnvironmentID {
		return StepScript{}, workererr.New(workererr.KindValidation,
			fmt.Sprintf("env-exit for %s does not match top of environment stack", a.EnvironmentID))
	}
	env, err := snap.EntityProvider.GetEnvironment(ctx, a.EnvironmentID)
	if err != nil {
		return StepScript{}, workererr.Wrap(workererr.KindEntityFetch,
			fmt.Sprintf("fetch environment %s", a.EnvironmentID), err)
	}
	script := env.StepScript
	script.Interpreter = resolveInterpreter(snap.Interpreter)
	return script, nil
}

// TaskRunAction runs a step's script with task-specific parameter values.
type TaskRunAction struct {
	id         ids.SessionActionID
	StepID     ids.StepID
	TaskID     ids.TaskID
	Parameters map[string]string
	cancel     CancelSignal
}

func NewTaskRunAction(id ids.SessionActionID, stepID ids.StepID, taskID ids.TaskID, params map[string]string) *TaskRunAction {
	return &TaskRunAction{id: id, StepID: stepID, TaskID: taskID, Parameters: params}
}

func (a *TaskRunAction) ID() ids.SessionActionID { return a.id }
func (a *TaskRunAction) Kind() Kind               { return KindTaskRun }
func (a *TaskRunAction) Cancel() *CancelSignal    { return &a.cancel }

// EntityRef implements EntityReferencer.
func (a *TaskRunAction) EntityRef(jobID ids.JobID) EntityIdentifier {
	return EntityIdentifier{Kind: EntityKindStep, JobID: jobID, StepID: a.StepID}
}

func (a *TaskRunAction) Resolve(ctx context.Context, snap *Snapshot) (StepScript, error) {
	step, err := snap.EntityProvider.GetStep(ctx, a.StepID)
	if err != nil {
		return StepScript{}, workererr.Wrap(workererr.KindEntityFetch,
			fmt.Sprintf("fetch step %s", a.StepID), err)
	}
	if !SupportedTemplateVersions[step.TemplateVer] {
		return StepScript{}, workererr.New(workererr.KindUnsupportedSchema,
			fmt.Sprintf("step %s declares unsupported template version %q", a.StepID, step.TemplateVer))
	}
	script := step.StepScript
	script.Interpreter = resolveInterpreter(snap.Interpreter)
	if script.Env == nil {
		script.Env = map[string]string{}
	}
	for k, v := range a.Parameters {
		script.Env[k] = v
	}
	return script, nil
}

// SyncInputsAction downloads job-attachment inputs. A non-empty
// StepDependencies list selects the step-dependency flavor
// (KindSyncInputsStepDep) but does not narrow what is synced: Resolve
// downloads every manifest root of the job in both flavors.
type SyncInputsAction struct {
	id                            ids.SessionActionID
	flavorKind                    Kind // KindSyncInputsJob or KindSyncInputsStepDep
	StepDependencies              []ids.StepID
	VirtualFS                     bool
	PlatformSupportsVFS           bool
	UserHasSufficientPermissions  bool
	cancel                        CancelSignal

	// localManifestPaths is populated after a successful resolve so the
	// matching upload action can find the manifests it synced.
	localManifestPaths map[string]string
}

func NewSyncInputsAction(id ids.SessionActionID, stepDeps []ids.StepID, virtualFS, platformSupportsVFS, userHasPerms bool) *SyncInputsAction {
	kind := KindSyncInputsJob
	if len(stepDeps) > 0 {
		kind = KindSyncInputsStepDep
	}
	return &SyncInputsAction{
		id:                  id,
		flavorKind:          kind,
		StepDependencies:    stepDeps,
		VirtualFS:           virtualFS,
		PlatformSupportsVFS: platformSupportsVFS,
		UserHasSufficientPermissions: userHasPerms,
	}
}

func (a *SyncInputsAction) ID() ids.SessionActionID { return a.id }
func (a *SyncInputsAction) Kind() Kind               { return a.flavorKind }
func (a *SyncInputsAction) Cancel() *CancelSignal    { return &a.cancel }

// EntityRef implements EntityReferencer.
func (a *SyncInputsAction) EntityRef(jobID ids.JobID) EntityIdentifier {
	return EntityIdentifier{Kind: EntityKindJobAttachment, JobID: jobID}
}

// LocalManifestPaths returns the per-root local manifest paths this sync
// produced, for a matching upload action to consume.
func (a *SyncInputsAction) LocalManifestPaths() map[string]string { return a.localManifestPaths }

func (a *SyncInputsAction) Resolve(ctx context.Context, snap *Snapshot) (StepScript, error) {
	attachments, err := snap.EntityProvider.GetJobAttachments(ctx, snap.JobID)
	if err != nil {
		return StepScript{}, workererr.Wrap(workererr.KindEntityFetch, "fetch job attachments", err)
	}

	// Step 1: resolve dynamic path mapping for every manifest root.
	localRoots := make(map[string]string, len(attachments.ManifestsByRoot))
	for root := range attachments.ManifestsByRoot {
		local, err := snap.PathMapper.ResolveRoot(ctx, root, snap.WorkingDir)
		if err != nil {
			return StepScript{}, workererr.Wrap(workererr.KindValidation,
				fmt.Sprintf("resolve path mapping for root %q", root), err)
		}
		localRoots[root] = local
	}

	// Step 3: virtual mount path — no step-script runs.
	if a.VirtualFS && a.PlatformSupportsVFS && a.UserHasSufficientPermissions {
		if err := snap.AttachmentMounter.Mount(ctx, localRoots, a.UserHasSufficientPermissions); err != nil {
			return StepScript{}, workererr.Wrap(workererr.KindHost, "mount virtual attachment filesystem", err)
		}
		a.localManifestPaths = localRoots
		return StepScript{}, nil
	}

	// Step 4: append the dynamic remote-root -> local-path mappings
	// resolved in step 1 to the openjd session's (static, storage-profile)
	// path-mapping rules, then sort the combined set by strictly
	// non-increasing count of source-path components (invariant 9) so the
	// download helper applies more-specific prefixes first.
	dynamicRules := make([]PathMappingRule, 0, len(localRoots))
	for root, local := range localRoots {
		dynamicRules = append(dynamicRules, PathMappingRule{Source: root, Destination: local})
	}
	sort.Slice(dynamicRules, func(i, j int) bool { return dynamicRules[i].Source < dynamicRules[j].Source })

	rules := append([]PathMappingRule(nil), snap.PathMapper.SortedRules()...)
	rules = append(rules, dynamicRules...)
	sort.SliceStable(rules, func(i, j int) bool {
		return sourceComponentCount(rules[i].Source) > sourceComponentCount(rules[j].Source)
	})
	args := []string{"--download", attachments.BlobStoreRoot}
	for _, r := range rules {
		args = append(args, fmt.Sprintf("--map=%s:%s", r.Source, r.Destination))
	}

	manifestPaths := make([]string, 0, len(localRoots))
	for _, local := range localRoots {
		manifestPaths = append(manifestPaths, local)
	}
	sort.Strings(manifestPaths)
	args = append(args, manifestPaths...)

	a.localManifestPaths = localRoots
	return StepScript{
		Interpreter: resolveInterpreter(snap.Interpreter),
		Args:        args,
		Env:         map[string]string{},
	}, nil
}

func sourceComponentCount(path string) int {
	path = strings.Trim(path, "/\\")
	if path == "" {
		return 0
	}
	return len(strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }))
}

// AttachmentDownloadAction is another name for SyncInputsAction, with the
// same fields, flavors and Resolve behavior.
type AttachmentDownloadAction = SyncInputsAction

// AttachmentUploadAction uploads job-attachment outputs using the per-root
// local manifest paths captured by a preceding download.
type AttachmentUploadAction struct {
	id                 ids.SessionActionID
	StepID             ids.StepID
	TaskID             ids.TaskID
	LocalManifestPaths map[string]string
	cancel             CancelSignal
}

func NewAttachmentUploadAction(id ids.SessionActionID, stepID ids.StepID, taskID ids.TaskID, manifests map[string]string) *AttachmentUploadAction {
	return &AttachmentUploadAction{id: id, StepID: stepID, TaskID: taskID, LocalManifestPaths: manifests}
}

func (a *AttachmentUploadAction) ID() ids.SessionActionID { return a.id }
func (a *AttachmentUploadAction) Kind() Kind               { return KindAttachmentUpload }
func (a *AttachmentUploadAction) Cancel() *CancelSignal    { return &a.cancel }

// EntityRef implements EntityReferencer.
func (a *AttachmentUploadAction) EntityRef(jobID ids.JobID) EntityIdentifier {
	return EntityIdentifier{Kind: EntityKindJobAttachment, JobID: jobID}
}

func (a *AttachmentUploadAction) Resolve(ctx context.Context, snap *Snapshot) (StepScript, error) {
	attachments, err := snap.EntityProvider.GetJobAttachments(ctx, snap.JobID)
	if err != nil {
		return StepScript{}, workererr.Wrap(workererr.KindEntityFetch, "fetch job attachments", err)
	}
	manifestPaths := make([]string, 0, len(a.LocalManifestPaths))
	for _, p := range a.LocalManifestPaths {
		manifestPaths = append(manifestPaths, p)
	}
	sort.Strings(manifestPaths)

	return StepScript{
		Interpreter: resolveInterpreter(snap.Interpreter),
		Args:        append([]string{"--upload", attachments.BlobStoreRoot}, manifestPaths...),
		Env: map[string]string{
			"SESSIONACTION_ID": string(a.id),
			"STEP_ID":          string(a.StepID),
			"TASK_ID":          string(a.TaskID),
		},
	}, nil
}
