// Package entitycache implements the read-mostly job-entity cache that
// backs action.EntityProvider: environment, step, and job-attachment
// definitions are immutable for the lifetime of a job, so once fetched
// they are cached for every session on this worker that references them.
package entitycache

import (
	"context"
	"sync"

	"github.com/fleetworker/agent/pkg/action"
	"github.com/fleetworker/agent/pkg/ids"
)

// Source is the subset of controlplane.Client the cache fetches through on
// a miss.
type Source interface {
	GetEnvironment(ctx context.Context, envID ids.EnvironmentID) (*action.EnvironmentDetails, error)
	GetStep(ctx context.Context, stepID ids.StepID) (*action.StepDetails, error)
	GetJobAttachments(ctx context.Context, jobID ids.JobID) (*action.JobAttachmentDetails, error)
	BatchGetJobEntity(ctx context.Context, identifiers []action.EntityIdentifier) (*action.JobEntityBatch, error)
}

// Cache implements action.EntityProvider over a Source, single-flighting
// concurrent fetches for the same key so N sessions referencing the same
// environment issue one RPC, not N.
type Cache struct {
	source Source

	mu           sync.Mutex
	environments map[ids.EnvironmentID]*entry[*action.EnvironmentDetails]
	steps        map[ids.StepID]*entry[*action.StepDetails]
	attachments  map[ids.JobID]*entry[*action.JobAttachmentDetails]
}

type entry[T any] struct {
	once  sync.Once
	value T
	err   error
}

// New constructs an empty cache over source.
func New(source Source) *Cache {
	return &Cache{
		source:       source,
		environments: make(map[ids.EnvironmentID]*entry[*action.EnvironmentDetails]),
		steps:        make(map[ids.StepID]*entry[*action.StepDetails]),
		attachments:  make(map[ids.JobID]*entry[*action.JobAttachmentDetails]),
	}
}

// GetEnvironment returns the cached environment definition, fetching and
// caching it on first reference. A fetch error is not cached: the next
// caller retries.
func (c *Cache) GetEnvironment(ctx context.Context, envID ids.EnvironmentID) (*action.EnvironmentDetails, error) {
	c.mu.Lock()
	e, ok := c.environments[envID]
	if !ok {
		e = &entry[*action.EnvironmentDetails]{}
		c.environments[envID] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.value, e.err = c.source.GetEnvironment(ctx, envID)
	})
	if e.err != nil {
		c.mu.Lock()
		delete(c.environments, envID)
		c.mu.Unlock()
	}
	return e.value, e.err
}

// GetStep returns the cached step definition, fetching and caching it on
// first reference.
func (c *Cache) GetStep(ctx context.Context, stepID ids.StepID) (*action.StepDetails, error) {
	c.mu.Lock()
	e, ok := c.steps[stepID]
	if !ok {
		e = &entry[*action.StepDetails]{}
		c.steps[stepID] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.value, e.err = c.source.GetStep(ctx, stepID)
	})
	if e.err != nil {
		c.mu.Lock()
		delete(c.steps, stepID)
		c.mu.Unlock()
	}
	return e.value, e.err
}

// GetJobAttachments returns the cached job-attachment manifest, fetching
// and caching it on first reference.
func (c *Cache) GetJobAttachments(ctx context.Context, jobID ids.JobID) (*action.JobAttachmentDetails, error) {
	c.mu.Lock()
	e, ok := c.attachments[jobID]
	if !ok {
		e = &entry[*action.JobAttachmentDetails]{}
		c.attachments[jobID] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.value, e.err = c.source.GetJobAttachments(ctx, jobID)
	})
	if e.err != nil {
		c.mu.Lock()
		delete(c.attachments, jobID)
		c.mu.Unlock()
	}
	return e.value, e.err
}

// Warm pre-populates the cache for a batch of job-entity identifiers in a
// single request, so the actions that reference them resolve from cache
// instead of issuing N separate lazy fetches once dequeued (§4.1
// list_identifiers / §6 batch_get_job_entity). Identifiers already cached
// are skipped. A fetch error is not cached, matching the single-key getters.
func (c *Cache) Warm(ctx context.Context, identifiers []action.EntityIdentifier) error {
	pending := make([]action.EntityIdentifier, 0, len(identifiers))
	for _, id := range identifiers {
		if !c.alreadyCached(id) {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	batch, err := c.source.BatchGetJobEntity(ctx, pending)
	if err != nil {
		return err
	}

	for envID, details := range batch.Environments {
		details := details
		c.seedEnvironment(envID, &details)
	}
	for stepID, details := range batch.Steps {
		details := details
		c.seedStep(stepID, &details)
	}
	for jobID, details := range batch.JobAttachments {
		details := details
		c.seedJobAttachments(jobID, &details)
	}
	return nil
}

func (c *Cache) alreadyCached(id action.EntityIdentifier) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch id.Kind {
	case action.EntityKindEnvironment:
		_, ok := c.environments[id.EnvironmentID]
		return ok
	case action.EntityKindStep:
		_, ok := c.steps[id.StepID]
		return ok
	case action.EntityKindJobAttachment:
		_, ok := c.attachments[id.JobID]
		return ok
	default:
		return false
	}
}

func (c *Cache) seedEnvironment(envID ids.EnvironmentID, details *action.EnvironmentDetails) {
	c.mu.Lock()
	e, ok := c.environments[envID]
	if !ok {
		e = &entry[*action.EnvironmentDetails]{}
		c.environments[envID] = e
	}
	c.mu.Unlock()
	e.once.Do(func() { e.value = details })
}

func (c *Cache) seedStep(stepID ids.StepID, details *action.StepDetails) {
	c.mu.Lock()
	e, ok := c.steps[stepID]
	if !ok {
		e = &entry[*action.StepDetails]{}
		c.steps[stepID] = e
	}
	c.mu.Unlock()
	e.once.Do(func() { e.value = details })
}

func (c *Cache) seedJobAttachments(jobID ids.JobID, details *action.JobAttachmentDetails) {
	c.mu.Lock()
	e, ok := c.attachments[jobID]
	if !ok {
		e = &entry[*action.JobAttachmentDetails]{}
		c.attachments[jobID] = e
	}
	c.mu.Unlock()
	e.once.Do(func() { e.value = details })
}
