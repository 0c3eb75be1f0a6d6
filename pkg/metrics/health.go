package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fleetworker/agent/pkg/health"
)

// criticalComponents must be healthy for /ready to report ready; anything
// else registered (e.g. a best-effort background checker) only affects
// /health.
var criticalComponents = []string{"control_plane", "scheduler"}

// registry backs every package-level health function below. It's also
// handed to cmd/fleetworker as the health.ComponentRegistry a Monitor
// reports into, so there is exactly one source of truth for component
// health in the process.
var registry = health.NewRegistry()

// healthResponse is the JSON shape served on /health and /ready.
type healthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// SetVersion sets the version string for health responses.
func SetVersion(version string) {
	registry.SetVersion(version)
}

// RegisterComponent records a component's current health for /health and
// /ready. Satisfies health.ComponentRegistry.
func RegisterComponent(name string, healthy bool, message string) {
	registry.RegisterComponent(name, healthy, message)
}

// HealthHandler returns an HTTP handler for the /health endpoint.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, version, uptime, components := registry.Snapshot()

		statusCode := http.StatusOK
		if status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		writeHealthJSON(w, statusCode, healthResponse{
			Status:     status,
			Timestamp:  time.Now(),
			Components: components,
			Version:    version,
			Uptime:     uptime.String(),
		})
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, message, components := registry.Readiness(criticalComponents)

		statusCode := http.StatusOK
		if status != "ready" {
			statusCode = http.StatusServiceUnavailable
		}
		writeHealthJSON(w, statusCode, healthResponse{
			Status:     status,
			Timestamp:  time.Now(),
			Components: components,
			Message:    message,
			Uptime:     registry.Uptime().String(),
		})
	}
}

// LivenessHandler returns a simple liveness check: 200 as long as the
// process is running and can answer HTTP requests at all.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": registry.Uptime().String(),
		})
	}
}

func writeHealthJSON(w http.ResponseWriter, statusCode int, resp healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}
