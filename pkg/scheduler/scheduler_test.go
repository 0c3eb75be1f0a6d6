package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworker/agent/pkg/controlplane"
	"github.com/fleetworker/agent/pkg/envreuse"
	"github.com/fleetworker/agent/pkg/ids"
	"github.com/fleetworker/agent/pkg/session"
	"github.com/fleetworker/agent/pkg/workererr"
)

type fakeClient struct {
	mu        sync.Mutex
	calls     []controlplane.HeartbeatRequest
	responses []*controlplane.ScheduleDiff
	errs      []error
}

func (f *fakeClient) UpdateWorkerSchedule(ctx context.Context, req controlplane.HeartbeatRequest) (*controlplane.ScheduleDiff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	i := len(f.calls) - 1
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &controlplane.ScheduleDiff{NextPollIntervalSeconds: 0.01}, nil
}

func (f *fakeClient) UpdateWorker(ctx context.Context, workerID ids.WorkerID, status string) error {
	return nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) lastRequest() controlplane.HeartbeatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// idleSessionFactory builds sessions with no collaborators wired for
// subprocess execution; used by tests that only exercise
// creation/removal/reconciliation bookkeeping rather than action running.
type idleSessionFactory struct{}

func (idleSessionFactory) NewSession(update controlplane.SessionUpdate, reports session.ReportSink, reuse *envreuse.Tracker) *session.Session {
	return session.New(session.Config{
		ID:         update.SessionID,
		QueueID:    update.QueueID,
		JobID:      update.JobID,
		WorkingDir: "/sessions/" + string(update.SessionID),
		Reports:    reports,
		Logger:     zerolog.Nop(),
		ReuseTracker: reuse,
	})
}

func TestHeartbeatAggregatesReportsAndClearsOnSuccess(t *testing.T) {
	client := &fakeClient{}
	s := New("worker-1", client, idleSessionFactory{})

	s.Record("session-1", session.Report{ActionID: "sessionaction-1", Outcome: "SUCCEEDED"})
	s.Record("session-1", session.Report{ActionID: "sessionaction-2", Outcome: "SUCCEEDED"})

	_, err := s.heartbeatOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, client.calls, 1)
	assert.Len(t, client.calls[0].ActionReports, 2)

	// A second heartbeat with nothing new pending carries no reports: each
	// report is included in at most one successful heartbeat.
	_, err = s.heartbeatOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, client.calls[1].ActionReports)
}

func TestHeartbeatRequeuesReportsOnTransientFailure(t *testing.T) {
	client := &fakeClient{
		errs: []error{workererr.Wrap(workererr.KindTransientRPC, "unavailable", nil)},
	}
	s := New("worker-1", client, idleSessionFactory{})
	s.Record("session-1", session.Report{ActionID: "sessionaction-1", Outcome: "SUCCEEDED"})

	_, err := s.heartbeatOnce(context.Background())
	require.Error(t, err)

	// The failed heartbeat's reports are still pending for the next try.
	_, err = s.heartbeatOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, client.calls[1].ActionReports, 1)
}

func TestReconcileCreatesAndRemovesSessions(t *testing.T) {
	client := &fakeClient{}
	s := New("worker-1", client, idleSessionFactory{})

	s.reconcile(context.Background(), &controlplane.ScheduleDiff{
		AssignedSessions: []controlplane.SessionUpdate{
			{SessionID: "session-1", QueueID: "queue-1", JobID: "job-1"},
		},
	})
	require.Len(t, s.Sessions(), 1)

	s.reconcile(context.Background(), &controlplane.ScheduleDiff{
		RemovedSessionIDs: []ids.SessionID{"session-1"},
	})
	assert.Empty(t, s.Sessions())
}

func TestRunStopsOnFatalRPCError(t *testing.T) {
	client := &fakeClient{
		errs: []error{workererr.Wrap(workererr.KindFatalRPC, "access denied", nil)},
	}
	s := New("worker-1", client, idleSessionFactory{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case err := <-s.Fatal():
		assert.Equal(t, workererr.KindFatalRPC, workererr.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("expected fatal error to propagate")
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected loop to exit after fatal error")
	}
}

func TestRunExitsOnStop(t *testing.T) {
	client := &fakeClient{}
	s := New("worker-1", client, idleSessionFactory{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return client.callCount() > 0 }, time.Second, time.Millisecond)
	s.Stop()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected loop to exit after Stop")
	}
}

func TestJitterStaysWithinTwentyPercent(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 20; i++ {
		got := jitter(base)
		assert.GreaterOrEqual(t, got, 8*time.Second)
		assert.LessOrEqual(t, got, 12*time.Second)
	}
}
