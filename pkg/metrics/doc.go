// Package metrics exposes the worker agent's Prometheus metrics and health
// endpoints: session counts, action completion/duration, heartbeat outcome,
// and environment-reuse effectiveness, scraped over HTTP alongside the
// /health, /ready, and /live handlers.
package metrics
