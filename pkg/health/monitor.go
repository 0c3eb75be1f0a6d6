package health

import (
	"context"
	"time"
)

// ComponentRegistry is the subset of pkg/metrics this monitor reports
// through (kept as an interface here so health stays independent of
// metrics).
type ComponentRegistry interface {
	RegisterComponent(name string, healthy bool, message string)
}

// Monitor periodically runs a Checker and reflects its Status into a
// ComponentRegistry, so a control-plane outage shows up in /ready within
// one poll interval instead of only at the next failed heartbeat.
type Monitor struct {
	name     string
	checker  Checker
	config   Config
	registry ComponentRegistry
	status   *Status

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor constructs a Monitor reporting checker's outcome under name.
func NewMonitor(name string, checker Checker, config Config, registry ComponentRegistry) *Monitor {
	return &Monitor{
		name:     name,
		checker:  checker,
		config:   config,
		registry: registry,
		status:   NewStatus(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the check loop in a new goroutine until Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop ends the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			result := m.checker.Check(ctx)
			m.status.Update(result, m.config)
			if !m.status.InStartPeriod(m.config) {
				m.registry.RegisterComponent(m.name, m.status.Healthy, result.Message)
			}
		}
	}
}
