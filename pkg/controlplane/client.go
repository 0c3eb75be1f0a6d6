// Package controlplane implements the worker agent's RPC client to the
// render-farm control plane: mTLS transport setup and the
// update_worker_schedule / update_worker calls the scheduler drives.
package controlplane

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/fleetworker/agent/pkg/action"
	"github.com/fleetworker/agent/pkg/ids"
)

const (
	methodCreateWorker         = "/fleetworker.ControlPlane/CreateWorker"
	methodUpdateWorkerSchedule = "/fleetworker.ControlPlane/UpdateWorkerSchedule"
	methodUpdateWorker         = "/fleetworker.ControlPlane/UpdateWorker"
	methodDeleteWorker         = "/fleetworker.ControlPlane/DeleteWorker"
	methodGetEnvironment       = "/fleetworker.ControlPlane/GetEnvironment"
	methodGetStep              = "/fleetworker.ControlPlane/GetStep"
	methodGetJobAttachments    = "/fleetworker.ControlPlane/GetJobAttachments"
	methodBatchGetJobEntity    = "/fleetworker.ControlPlane/BatchGetJobEntity"
)

// Client is a thin mTLS-secured gRPC client speaking the JSON wire codec
// registered in codec.go. workerID is filled in once known (either loaded
// from persisted identity or returned by CreateWorker) and is threaded into
// error classification so a CONFLICT naming a different worker's resourceId
// is never mistaken for our own recoverable status (§4.5).
type Client struct {
	conn     *grpc.ClientConn
	workerID ids.WorkerID
}

// SetWorkerID records this worker's id once bootstrapped, so later calls can
// classify CONFLICT/STATUS_CONFLICT errors correctly.
func (c *Client) SetWorkerID(id ids.WorkerID) { c.workerID = id }

// Dial establishes an mTLS connection to addr using the worker's client
// certificate/key and the control plane's CA certificate.
func Dial(addr, certPath, keyPath, caPath string) (*Client, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load worker certificate: %w", err)
	}

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA certificate: %s", caPath)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}
	creds := credentials.NewTLS(tlsConfig)

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial control plane: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// CreateWorker registers a new worker with the fleet and returns the id the
// control plane assigned it (§6 "create_worker"). Called once during
// bootstrap when no identity has been persisted yet.
func (c *Client) CreateWorker(ctx context.Context, farmID ids.FarmID, fleetID ids.FleetID, hostProperties HostProperties) (ids.WorkerID, error) {
	req := struct {
		FarmID         ids.FarmID     `json:"farmId"`
		FleetID        ids.FleetID    `json:"fleetId"`
		HostProperties HostProperties `json:"hostProperties"`
	}{farmID, fleetID, hostProperties}
	var resp struct {
		WorkerID ids.WorkerID `json:"workerId"`
	}
	if err := c.conn.Invoke(ctx, methodCreateWorker, &req, &resp); err != nil {
		return "", classifyAndWrap(c.workerID, err)
	}
	return resp.WorkerID, nil
}

// DeleteWorker deregisters this worker from the fleet (§6 "delete_worker").
// Called during a self-initiated drain once the worker has reported STOPPED
// and has no more work to pick up.
func (c *Client) DeleteWorker(ctx context.Context, farmID ids.FarmID, fleetID ids.FleetID, workerID ids.WorkerID) error {
	req := struct {
		FarmID   ids.FarmID   `json:"farmId"`
		FleetID  ids.FleetID  `json:"fleetId"`
		WorkerID ids.WorkerID `json:"workerId"`
	}{farmID, fleetID, workerID}
	var resp struct{}
	if err := c.conn.Invoke(ctx, methodDeleteWorker, &req, &resp); err != nil {
		return classifyAndWrap(c.workerID, err)
	}
	return nil
}

// UpdateWorkerSchedule sends the heartbeat payload and returns the schedule
// diff (§4.5 step 1–2).
func (c *Client) UpdateWorkerSchedule(ctx context.Context, req HeartbeatRequest) (*ScheduleDiff, error) {
	var resp ScheduleDiff
	if err := c.conn.Invoke(ctx, methodUpdateWorkerSchedule, &req, &resp); err != nil {
		return nil, classifyAndWrap(c.workerID, err)
	}
	return &resp, nil
}

// UpdateWorker reports a worker status transition (STARTED, STOPPING,
// STOPPED) outside the regular heartbeat cadence (§4.5 "Status reporting").
func (c *Client) UpdateWorker(ctx context.Context, workerID ids.WorkerID, status string) error {
	req := struct {
		WorkerID ids.WorkerID `json:"workerId"`
		Status   string       `json:"status"`
	}{workerID, status}
	var resp struct{}
	if err := c.conn.Invoke(ctx, methodUpdateWorker, &req, &resp); err != nil {
		return classifyAndWrap(c.workerID, err)
	}
	return nil
}

// GetEnvironment fetches the authoritative environment definition backing
// an ENV_ENTER/ENV_EXIT action (§4.2).
func (c *Client) GetEnvironment(ctx context.Context, envID ids.EnvironmentID) (*action.EnvironmentDetails, error) {
	req := struct {
		EnvironmentID ids.EnvironmentID `json:"environmentId"`
	}{envID}
	var resp action.EnvironmentDetails
	if err := c.conn.Invoke(ctx, methodGetEnvironment, &req, &resp); err != nil {
		return nil, classifyAndWrap(c.workerID, err)
	}
	return &resp, nil
}

// GetStep fetches the authoritative step definition backing a TASK_RUN
// action.
func (c *Client) GetStep(ctx context.Context, stepID ids.StepID) (*action.StepDetails, error) {
	req := struct {
		StepID ids.StepID `json:"stepId"`
	}{stepID}
	var resp action.StepDetails
	if err := c.conn.Invoke(ctx, methodGetStep, &req, &resp); err != nil {
		return nil, classifyAndWrap(c.workerID, err)
	}
	return &resp, nil
}

// GetJobAttachments fetches the manifest roots and blob-store location for
// a job's attachments, used by SYNC_INPUTS/ATTACHMENT_UPLOAD actions.
func (c *Client) GetJobAttachments(ctx context.Context, jobID ids.JobID) (*action.JobAttachmentDetails, error) {
	req := struct {
		JobID ids.JobID `json:"jobId"`
	}{jobID}
	var resp action.JobAttachmentDetails
	if err := c.conn.Invoke(ctx, methodGetJobAttachments, &req, &resp); err != nil {
		return nil, classifyAndWrap(c.workerID, err)
	}
	return &resp, nil
}

// BatchGetJobEntity resolves a set of job-entity identifiers in a single
// round trip, used to warm the job-entity cache before a session's queued
// actions are dequeued (§4.1 "list_identifiers", §6 "batch_get_job_entity").
func (c *Client) BatchGetJobEntity(ctx context.Context, identifiers []action.EntityIdentifier) (*action.JobEntityBatch, error) {
	wire := make([]EntityIdentifier, len(identifiers))
	for i, id := range identifiers {
		wire[i] = EntityIdentifier{
			Kind:          string(id.Kind),
			JobID:         id.JobID,
			EnvironmentID: id.EnvironmentID,
			StepID:        id.StepID,
		}
	}
	req := struct {
		Identifiers []EntityIdentifier `json:"identifiers"`
	}{wire}
	var resp action.JobEntityBatch
	if err := c.conn.Invoke(ctx, methodBatchGetJobEntity, &req, &resp); err != nil {
		return nil, classifyAndWrap(c.workerID, err)
	}
	return &resp, nil
}
