// Package shutdown implements the drain-then-stop procedure that reconciles
// a local stop request (operator, supervising service) with a service stop
// signaled through the heartbeat response (§4.6).
package shutdown

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetworker/agent/pkg/ids"
	"github.com/fleetworker/agent/pkg/log"
	"github.com/fleetworker/agent/pkg/scheduler"
	"github.com/fleetworker/agent/pkg/session"
)

const defaultHostShutdownRetry = 30 * time.Second

// StatusReporter is the subset of controlplane.Client the coordinator needs
// to report STOPPING/STOPPED outside of the regular heartbeat cadence, and
// to deregister the worker once it has fully drained (§6 "delete_worker").
type StatusReporter interface {
	UpdateWorker(ctx context.Context, workerID ids.WorkerID, status string) error
	DeleteWorker(ctx context.Context, farmID ids.FarmID, fleetID ids.FleetID, workerID ids.WorkerID) error
}

// HostShutdowner performs the actual OS-level shutdown when the control
// plane requested it and local policy allows it.
type HostShutdowner interface {
	Shutdown(ctx context.Context) error
}

// Request names why drain was triggered; ServiceInitiated and
// ShutdownOnStop together decide whether the coordinator attempts a host
// shutdown once sessions have drained.
type Request struct {
	ServiceInitiated bool
	ShutdownOnStop   bool
}

// Sessions is the subset of scheduler.Scheduler the coordinator depends on.
type Sessions interface {
	Sessions() []*session.Session
	SetDraining(bool)
	SetStatus(scheduler.Status)
	Stop()
}

// Coordinator drives the worker from running to fully stopped.
type Coordinator struct {
	workerID      ids.WorkerID
	farmID        ids.FarmID
	fleetID       ids.FleetID
	sched         Sessions
	reporter      StatusReporter
	hostShutdown  HostShutdowner
	drainDeadline time.Duration
	retryInterval time.Duration
	logger        zerolog.Logger
}

// New builds a coordinator. hostShutdown may be nil if the deployment never
// sets shutdown_on_stop; Drain will simply skip that step.
func New(workerID ids.WorkerID, farmID ids.FarmID, fleetID ids.FleetID, sched Sessions, reporter StatusReporter, hostShutdown HostShutdowner, drainDeadline time.Duration) *Coordinator {
	if drainDeadline <= 0 {
		drainDeadline = 30 * time.Second
	}
	return &Coordinator{
		workerID:      workerID,
		farmID:        farmID,
		fleetID:       fleetID,
		sched:         sched,
		reporter:      reporter,
		hostShutdown:  hostShutdown,
		drainDeadline: drainDeadline,
		retryInterval: defaultHostShutdownRetry,
		logger:        log.WithComponent("shutdown"),
	}
}

// Drain runs the full procedure from §4.6: stop admitting new sessions,
// drain every live session (bounded by the drain deadline), report
// STOPPING, then either attempt host shutdown or report STOPPED and stop
// the scheduler's own loop.
func (c *Coordinator) Drain(ctx context.Context, req Request) error {
	c.logger.Info().Bool("service_initiated", req.ServiceInitiated).Msg("draining worker")

	c.sched.SetDraining(true)
	c.sched.SetStatus(scheduler.StatusStopping)

	c.drainSessions()

	if err := c.reporter.UpdateWorker(ctx, c.workerID, string(scheduler.StatusStopping)); err != nil {
		c.logger.Warn().Err(err).Msg("failed to report STOPPING status")
	}

	if req.ServiceInitiated && req.ShutdownOnStop && c.hostShutdown != nil {
		return c.attemptHostShutdown(ctx)
	}

	c.sched.SetStatus(scheduler.StatusStopped)
	if err := c.reporter.UpdateWorker(ctx, c.workerID, string(scheduler.StatusStopped)); err != nil {
		c.logger.Warn().Err(err).Msg("failed to report STOPPED status")
	}

	// A service-initiated stop expects this worker to come back (a fleet
	// scale-down or host reboot), so it stays registered. Only a
	// self-initiated drain deregisters for good.
	if !req.ServiceInitiated {
		if err := c.reporter.DeleteWorker(ctx, c.farmID, c.fleetID, c.workerID); err != nil {
			c.logger.Warn().Err(err).Msg("failed to deregister worker")
		}
	}

	c.sched.Stop()
	return nil
}

// drainSessions asks every live session to drain and waits up to the
// drain deadline for each to reach Stopped. Sessions still running past the
// deadline are left for their executor's own subprocess termination to
// catch up; the coordinator does not block the process exit on them.
func (c *Coordinator) drainSessions() {
	sessions := c.sched.Sessions()
	for _, sess := range sessions {
		sess.Stop(c.drainDeadline)
	}

	deadline := time.After(c.drainDeadline)
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-deadline:
			c.logger.Warn().Msg("drain deadline exceeded, remaining sessions left to terminate on their own")
			return
		}
	}
}

// attemptHostShutdown repeatedly asks the host collaborator to shut down,
// retrying on failure since the surrounding scheduler keeps heartbeating
// (service-initiated shutdown per §4.6 step 4).
func (c *Coordinator) attemptHostShutdown(ctx context.Context) error {
	for {
		err := c.hostShutdown.Shutdown(ctx)
		if err == nil {
			return nil
		}
		c.logger.Warn().Err(err).Msg("host shutdown attempt failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryInterval):
		}
	}
}
