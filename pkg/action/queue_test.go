package action

import (
	"context"
	"testing"

	"github.com/fleetworker/agent/pkg/ids"
	"github.com/fleetworker/agent/pkg/workererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntityProvider struct {
	env  *EnvironmentDetails
	step *StepDetails
	att  *JobAttachmentDetails
	err  error
}

func (f *fakeEntityProvider) GetEnvironment(ctx context.Context, id ids.EnvironmentID) (*EnvironmentDetails, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.env, nil
}

func (f *fakeEntityProvider) GetStep(ctx context.Context, id ids.StepID) (*StepDetails, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.step, nil
}

func (f *fakeEntityProvider) GetJobAttachments(ctx context.Context, id ids.JobID) (*JobAttachmentDetails, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.att, nil
}

type fakePathMapper struct{}

func (fakePathMapper) ResolveRoot(ctx context.Context, remoteRoot, workingDir string) (string, error) {
	return workingDir + "/" + remoteRoot, nil
}
func (fakePathMapper) SortedRules() []PathMappingRule { return nil }

type fakeMounter struct{ called bool }

func (m *fakeMounter) SupportsVirtualMount(platform string) bool { return true }
func (m *fakeMounter) Mount(ctx context.Context, roots map[string]string, hasPerms bool) error {
	m.called = true
	return nil
}

func testSnapshot() *Snapshot {
	return &Snapshot{
		SessionID:   "session-abc",
		JobID:       "job-1",
		WorkingDir:  "/sessions/session-abc",
		Interpreter: "/opt/fleetworker/openjd-run",
		EntityProvider: &fakeEntityProvider{
			env:  &EnvironmentDetails{ID: "env-1", TemplateVer: "2023-09", StepScript: StepScript{Interpreter: "x"}},
			step: &StepDetails{ID: "step-1", TemplateVer: "2023-09", StepScript: StepScript{Interpreter: "x"}},
			att:  &JobAttachmentDetails{ManifestsByRoot: map[string]string{"assets": "manifest://assets"}, BlobStoreRoot: "s3://bucket"},
		},
		PathMapper:        fakePathMapper{},
		AttachmentMounter: &fakeMounter{},
	}
}

func TestQueueEnqueueBackOrdering(t *testing.T) {
	q := NewQueue()
	a1 := NewTaskRunAction("sessionaction-1", "step-1", "task-1", nil)
	a2 := NewTaskRunAction("sessionaction-2", "step-1", "task-2", nil)

	require.NoError(t, q.EnqueueBack(a1))
	require.NoError(t, q.EnqueueBack(a2))
	assert.Equal(t, []ids.SessionActionID{"sessionaction-1", "sessionaction-2"}, q.QueuedIDs())
}

func TestQueueEnqueueBackDuplicateID(t *testing.T) {
	q := NewQueue()
	a := NewTaskRunAction("sessionaction-1", "step-1", "task-1", nil)
	require.NoError(t, q.EnqueueBack(a))

	err := q.EnqueueBack(NewTaskRunAction("sessionaction-1", "step-1", "task-2", nil))
	require.Error(t, err)
	assert.Equal(t, workererr.KindValidation, workererr.KindOf(err))
}

func TestQueueInsertFrontPutsActionAheadOfExisting(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.EnqueueBack(NewTaskRunAction("sessionaction-1", "step-1", "task-1", nil)))
	require.NoError(t, q.InsertFront(NewEnvEnterAction("sessionaction-0", "env-1")))

	ordered := q.QueuedIDs()
	require.Len(t, ordered, 2)
	assert.Equal(t, ids.SessionActionID("sessionaction-0"), ordered[0])
}

func TestQueueDequeueResolvesStepScript(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.EnqueueBack(NewTaskRunAction("sessionaction-1", "step-1", "task-1", map[string]string{"FOO": "bar"})))

	a, script, ok, err := q.Dequeue(context.Background(), testSnapshot())
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, ids.SessionActionID("sessionaction-1"), a.ID())
	assert.Equal(t, "bar", script.Env["FOO"])
	assert.Zero(t, q.Len())
}

func TestQueueDequeueEmpty(t *testing.T) {
	q := NewQueue()
	a, _, ok, err := q.Dequeue(context.Background(), testSnapshot())
	assert.Nil(t, a)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestQueueDequeueSkipsResolveWhenCanceledBeforeStart(t *testing.T) {
	q := NewQueue()
	a := NewTaskRunAction("sessionaction-1", "step-1", "task-1", nil)
	require.NoError(t, q.EnqueueBack(a))
	require.True(t, q.Cancel("sessionaction-1", OutcomeNeverAttempted, "superseded"))

	_, _, ok, err := q.Dequeue(context.Background(), testSnapshot())
	require.True(t, ok)
	require.Error(t, err)
	assert.Equal(t, workererr.KindCanceled, workererr.KindOf(err))
}

func TestQueueCancelUnknownIDIsNoop(t *testing.T) {
	q := NewQueue()
	assert.False(t, q.Cancel("sessionaction-missing", OutcomeCanceled, "n/a"))
}

func TestQueueCancelAllMarksEveryQueuedAction(t *testing.T) {
	q := NewQueue()
	a1 := NewTaskRunAction("sessionaction-1", "step-1", "task-1", nil)
	a2 := NewEnvEnterAction("sessionaction-2", "env-1")
	require.NoError(t, q.EnqueueBack(a1))
	require.NoError(t, q.EnqueueBack(a2))

	q.CancelAll(OutcomeCanceled, "session stopping")

	set1, outcome1, _ := a1.Cancel().IsSet()
	set2, outcome2, _ := a2.Cancel().IsSet()
	assert.True(t, set1)
	assert.Equal(t, OutcomeCanceled, outcome1)
	assert.True(t, set2)
	assert.Equal(t, OutcomeCanceled, outcome2)
}

func TestEnvEnterResolveUnsupportedSchema(t *testing.T) {
	snap := testSnapshot()
	snap.EntityProvider = &fakeEntityProvider{env: &EnvironmentDetails{ID: "env-1", TemplateVer: "1999-01"}}

	a := NewEnvEnterAction("sessionaction-1", "env-1")
	_, err := a.Resolve(context.Background(), snap)
	require.Error(t, err)
	assert.Equal(t, workererr.KindUnsupportedSchema, workererr.KindOf(err))
}

func TestEnvExitResolveRejectsMismatchedStackTop(t *testing.T) {
	snap := testSnapshot()
	snap.EnvironmentIDs = []ids.EnvironmentID{"env-other"}

	a := NewEnvExitAction("sessionaction-1", "env-1")
	_, err := a.Resolve(context.Background(), snap)
	require.Error(t, err)
	assert.Equal(t, workererr.KindValidation, workererr.KindOf(err))
}

func TestSyncInputsResolveUsesVirtualMountWhenEligible(t *testing.T) {
	snap := testSnapshot()
	mounter := &fakeMounter{}
	snap.AttachmentMounter = mounter

	a := NewSyncInputsAction("sessionaction-1", nil, true, true, true)
	script, err := a.Resolve(context.Background(), snap)
	require.NoError(t, err)
	assert.True(t, mounter.called)
	assert.Empty(t, script.Interpreter)
	assert.NotEmpty(t, a.LocalManifestPaths())
}

func TestSyncInputsResolveFallsBackToDownloadHelper(t *testing.T) {
	snap := testSnapshot()
	a := NewSyncInputsAction("sessionaction-1", nil, false, false, false)

	script, err := a.Resolve(context.Background(), snap)
	require.NoError(t, err)
	assert.NotEmpty(t, script.Interpreter)
	assert.Contains(t, script.Args, "--download")
}

func TestSyncInputsKindReflectsStepDependencyScope(t *testing.T) {
	jobScoped := NewSyncInputsAction("sessionaction-1", nil, false, false, false)
	assert.Equal(t, KindSyncInputsJob, jobScoped.Kind())

	stepScoped := NewSyncInputsAction("sessionaction-2", []ids.StepID{"step-1"}, false, false, false)
	assert.Equal(t, KindSyncInputsStepDep, stepScoped.Kind())
}

func TestQueueListIdentifiersDedupesInQueueOrder(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.EnqueueBack(NewEnvEnterAction("sessionaction-1", "env-1")))
	require.NoError(t, q.EnqueueBack(NewTaskRunAction("sessionaction-2", "step-1", "task-1", nil)))
	// A second action referencing the same environment must not duplicate
	// the identifier produced for sessionaction-1.
	require.NoError(t, q.EnqueueBack(NewEnvExitAction("sessionaction-3", "env-1")))

	got := q.ListIdentifiers("job-1")
	assert.Equal(t, []EntityIdentifier{
		{Kind: EntityKindEnvironment, JobID: "job-1", EnvironmentID: "env-1"},
		{Kind: EntityKindStep, JobID: "job-1", StepID: "step-1"},
	}, got)
}

func TestSourceComponentCountOrdering(t *testing.T) {
	assert.Equal(t, 0, sourceComponentCount("/"))
	assert.Equal(t, 1, sourceComponentCount("/assets"))
	assert.Equal(t, 3, sourceComponentCount("/assets/textures/wood"))
}
