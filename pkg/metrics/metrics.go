package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive reports live sessions by state (IDLE, RUNNING,
	// DRAINING, STOPPED).
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetworker_sessions_active",
			Help: "Number of sessions currently held by this worker, by state",
		},
		[]string{"state"},
	)

	ActionsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetworker_actions_completed_total",
			Help: "Total number of session actions completed, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetworker_action_duration_seconds",
			Help:    "Wall-clock duration of a session action from dequeue to completion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	HeartbeatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetworker_heartbeat_duration_seconds",
			Help:    "Duration of update_worker_schedule RPC calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	HeartbeatFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetworker_heartbeat_failures_total",
			Help: "Total number of failed heartbeat RPCs, by error kind",
		},
		[]string{"kind"},
	)

	PendingReports = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetworker_pending_reports",
			Help: "Number of completed-action reports buffered for the next heartbeat",
		},
	)

	EnvironmentReuseCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetworker_environment_reuse_refcount_total",
			Help: "Sum of reference counts held across all environments in the reuse tracker",
		},
	)

	SubprocessesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetworker_subprocesses_skipped_total",
			Help: "Total number of EnvEnter/EnvExit subprocess spawns skipped via environment reuse",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(ActionsCompletedTotal)
	prometheus.MustRegister(ActionDuration)
	prometheus.MustRegister(HeartbeatDuration)
	prometheus.MustRegister(HeartbeatFailuresTotal)
	prometheus.MustRegister(PendingReports)
	prometheus.MustRegister(EnvironmentReuseCount)
	prometheus.MustRegister(SubprocessesSkippedTotal)
}

// Handler returns the HTTP handler Prometheus scrapes.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
