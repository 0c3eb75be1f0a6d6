package entitycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fleetworker/agent/pkg/action"
	"github.com/fleetworker/agent/pkg/ids"
)

type fakeSource struct {
	envCalls   int32
	envErr     error
	batchCalls int32
	batch      *action.JobEntityBatch
	batchErr   error
}

func (f *fakeSource) GetEnvironment(ctx context.Context, envID ids.EnvironmentID) (*action.EnvironmentDetails, error) {
	atomic.AddInt32(&f.envCalls, 1)
	if f.envErr != nil {
		return nil, f.envErr
	}
	return &action.EnvironmentDetails{ID: envID, TemplateVer: "2023-09"}, nil
}

func (f *fakeSource) GetStep(ctx context.Context, stepID ids.StepID) (*action.StepDetails, error) {
	return &action.StepDetails{ID: stepID}, nil
}

func (f *fakeSource) GetJobAttachments(ctx context.Context, jobID ids.JobID) (*action.JobAttachmentDetails, error) {
	return &action.JobAttachmentDetails{}, nil
}

func (f *fakeSource) BatchGetJobEntity(ctx context.Context, identifiers []action.EntityIdentifier) (*action.JobEntityBatch, error) {
	atomic.AddInt32(&f.batchCalls, 1)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if f.batch != nil {
		return f.batch, nil
	}
	return &action.JobEntityBatch{}, nil
}

func TestGetEnvironmentFetchesOnceAcrossConcurrentCallers(t *testing.T) {
	src := &fakeSource{}
	c := New(src)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetEnvironment(context.Background(), ids.EnvironmentID("env-1"))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if src.envCalls != 1 {
		t.Fatalf("expected exactly one fetch, got %d", src.envCalls)
	}
}

func TestGetEnvironmentDoesNotCacheErrors(t *testing.T) {
	src := &fakeSource{envErr: errors.New("transient")}
	c := New(src)

	_, err := c.GetEnvironment(context.Background(), ids.EnvironmentID("env-1"))
	if err == nil {
		t.Fatal("expected error")
	}

	src.envErr = nil
	_, err = c.GetEnvironment(context.Background(), ids.EnvironmentID("env-1"))
	if err != nil {
		t.Fatalf("expected retry to succeed, got: %v", err)
	}
	if src.envCalls != 2 {
		t.Fatalf("expected a retry fetch, got %d calls", src.envCalls)
	}
}

func TestWarmPopulatesCacheFromSingleBatchFetch(t *testing.T) {
	src := &fakeSource{batch: &action.JobEntityBatch{
		Environments: map[ids.EnvironmentID]action.EnvironmentDetails{
			"env-1": {ID: "env-1", TemplateVer: "2023-09"},
		},
		Steps: map[ids.StepID]action.StepDetails{
			"step-1": {ID: "step-1", TemplateVer: "2023-09"},
		},
		JobAttachments: map[ids.JobID]action.JobAttachmentDetails{
			"job-1": {BlobStoreRoot: "s3://bucket"},
		},
	}}
	c := New(src)

	err := c.Warm(context.Background(), []action.EntityIdentifier{
		{Kind: action.EntityKindEnvironment, JobID: "job-1", EnvironmentID: "env-1"},
		{Kind: action.EntityKindStep, JobID: "job-1", StepID: "step-1"},
		{Kind: action.EntityKindJobAttachment, JobID: "job-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.batchCalls != 1 {
		t.Fatalf("expected exactly one batch fetch, got %d", src.batchCalls)
	}

	env, err := c.GetEnvironment(context.Background(), "env-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.TemplateVer != "2023-09" {
		t.Fatalf("expected warmed environment, got %+v", env)
	}
	if src.envCalls != 0 {
		t.Fatalf("expected warmed entry to serve from cache without a fetch, got %d env fetches", src.envCalls)
	}

	att, err := c.GetJobAttachments(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if att.BlobStoreRoot != "s3://bucket" {
		t.Fatalf("expected warmed job attachments, got %+v", att)
	}
}

func TestWarmSkipsAlreadyCachedIdentifiers(t *testing.T) {
	src := &fakeSource{}
	c := New(src)

	if _, err := c.GetEnvironment(context.Background(), "env-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := c.Warm(context.Background(), []action.EntityIdentifier{
		{Kind: action.EntityKindEnvironment, JobID: "job-1", EnvironmentID: "env-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.batchCalls != 0 {
		t.Fatalf("expected already-cached identifier to skip the batch fetch entirely, got %d calls", src.batchCalls)
	}
}

func TestWarmDoesNotCacheBatchErrors(t *testing.T) {
	src := &fakeSource{batchErr: errors.New("transient")}
	c := New(src)

	err := c.Warm(context.Background(), []action.EntityIdentifier{
		{Kind: action.EntityKindEnvironment, JobID: "job-1", EnvironmentID: "env-1"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}
