package action

import (
	"sort"
	"sync"
	"time"
)

// MetricsSink receives one record per successful labelled execution.
//
// Implementations must be safe for concurrent use. Recording is
// best-effort: a panicking sink is recovered and ignored.
type MetricsSink interface {
	Record(label string, d time.Duration)
}

// Clock supplies the current time for duration measurement.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// ActionMetrics is the latest diagnostic snapshot for one label.
type ActionMetrics struct {
	Runs         int           `json:"runs"`
	LastDuration time.Duration `json:"last_duration"`
	At           time.Time     `json:"ts"`
}

// Counters is an in-memory MetricsSink keyed by label.
type Counters struct {
	mu      sync.Mutex
	clock   Clock
	actions map[string]ActionMetrics
}

// NewCounters creates an empty sink. A nil clock uses wall time for the
// recorded timestamps.
func NewCounters(clock Clock) *Counters {
	if clock == nil {
		clock = wallClock{}
	}
	return &Counters{clock: clock, actions: make(map[string]ActionMetrics)}
}

// Record increments the label's run count and stores d as its latest
// duration.
func (c *Counters) Record(label string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.actions[label]
	c.actions[label] = ActionMetrics{
		Runs:         prev.Runs + 1,
		LastDuration: d,
		At:           c.clock.Now(),
	}
}

// Snapshot returns the metrics for label and whether any were recorded.
func (c *Counters) Snapshot(label string) (ActionMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.actions[label]
	return m, ok
}

// Labels returns every recorded label in sorted order.
func (c *Counters) Labels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	labels := make([]string, 0, len(c.actions))
	for l := range c.actions {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}
