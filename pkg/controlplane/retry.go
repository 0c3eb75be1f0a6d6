package controlplane

import (
	"encoding/json"
	"time"

	"google.golang.org/grpc/status"

	"github.com/fleetworker/agent/pkg/ids"
	"github.com/fleetworker/agent/pkg/workererr"
)

// selfConflictStatuses is the set of this-worker CONFLICT/STATUS_CONFLICT
// statuses that are safe to retry: the worker can plausibly try again in a
// moment without another actor having claimed the resource out from under
// it (§4.5).
var selfConflictStatuses = map[string]bool{
	"STARTED":        true,
	"STOPPING":       true,
	"NOT_RESPONDING": true,
	"NOT_COMPATIBLE": true,
	"RUNNING":        true,
	"IDLE":           true,
}

// classifyAndWrap turns a gRPC error into a *workererr.Error carrying
// KindTransientRPC or KindFatalRPC, per the retry table in §4.5. workerID is
// this worker's own id, needed to judge CONFLICT/STATUS_CONFLICT responses.
func classifyAndWrap(workerID ids.WorkerID, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return workererr.Wrap(workererr.KindTransientRPC, "control plane RPC failed", err)
	}

	var apiErr APIError
	for _, d := range st.Details() {
		if raw, ok := d.(json.RawMessage); ok {
			if jsonErr := json.Unmarshal(raw, &apiErr); jsonErr == nil {
				break
			}
		}
	}

	kind, msg := classify(apiErr, workerID)
	return workererr.Wrap(kind, msg, err)
}

// classify decides recoverability from the control plane's structured error
// alone, separated out from classifyAndWrap's gRPC unwrapping so the
// CONFLICT/STATUS_CONFLICT resourceId comparison can be exercised directly.
// A CONFLICT/STATUS_CONFLICT is recoverable only when resourceId names this
// worker AND its reported status is in the safe set; a conflict naming any
// other worker's resourceId is always unrecoverable regardless of status
// (confirmed by the STATUS_CONFLICT-different-worker case in the original
// agent's delete_worker tests).
func classify(apiErr APIError, workerID ids.WorkerID) (workererr.Kind, string) {
	switch apiErr.Code {
	case "THROTTLING", "INTERNAL_SERVER":
		return workererr.KindTransientRPC, "recoverable control plane error"
	case "CONFLICT", "STATUS_CONFLICT":
		if apiErr.ResourceID != "" && apiErr.ResourceID == string(workerID) && selfConflictStatuses[apiErr.Status] {
			return workererr.KindTransientRPC, "recoverable worker-status conflict"
		}
		return workererr.KindFatalRPC, "unrecoverable status conflict"
	case "ACCESS_DENIED", "VALIDATION", "RESOURCE_NOT_FOUND":
		return workererr.KindFatalRPC, "unrecoverable control plane error"
	default:
		// Unclassified errors default to transient: a network blip or an
		// error shape we don't recognize shouldn't immediately trigger
		// shutdown.
		return workererr.KindTransientRPC, "unclassified control plane error"
	}
}

// RetryAfter extracts the control plane's retry advisory from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	werr, ok := err.(*workererr.Error)
	if !ok || werr.Cause == nil {
		return 0, false
	}
	st, ok := status.FromError(werr.Cause)
	if !ok {
		return 0, false
	}
	var apiErr APIError
	for _, d := range st.Details() {
		if raw, ok := d.(json.RawMessage); ok {
			if jsonErr := json.Unmarshal(raw, &apiErr); jsonErr == nil && apiErr.RetryAfterSeconds > 0 {
				return time.Duration(apiErr.RetryAfterSeconds * float64(time.Second)), true
			}
		}
	}
	return 0, false
}
