package metrics

import (
	"time"

	"github.com/fleetworker/agent/pkg/session"
)

// SchedulerView is the subset of scheduler.Scheduler the collector polls.
type SchedulerView interface {
	Sessions() []*session.Session
}

// Collector periodically samples the scheduler's session set into the
// gauges in metrics.go, since those are point-in-time values rather than
// things incremented inline as they happen.
type Collector struct {
	sched  SchedulerView
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(sched SchedulerView) *Collector {
	return &Collector{sched: sched, stopCh: make(chan struct{})}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counts := map[string]int{}
	for _, sess := range c.sched.Sessions() {
		counts[string(sess.State())]++
	}
	for _, state := range []string{"IDLE", "RUNNING", "DRAINING", "STOPPED"} {
		SessionsActive.WithLabelValues(state).Set(float64(counts[state]))
	}
}
