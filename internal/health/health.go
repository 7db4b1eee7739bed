// Package health aggregates named subsystem probes into a readiness verdict.
//
// A probe reports one of three states: up, degraded, or down. Degraded means
// the subsystem answers but with reduced capability (for example an oracle
// whose rates have all gone stale: quotes fail but existing escrows still
// settle). Aggregation takes the worst state across all probes, so a single
// down subsystem fails the whole check while degraded ones only lower it.
package health

import (
	"context"
	"sync"
	"time"
)

// State is a subsystem's health level. Ordering matters: higher is worse.
type State string

const (
	StateUp       State = "up"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

var severity = map[State]int{StateUp: 0, StateDegraded: 1, StateDown: 2}

// Worse returns the more severe of the two states.
func Worse(a, b State) State {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// Status is one probe's result.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Up builds a healthy status for name.
func Up(name string) Status {
	return Status{Name: name, State: StateUp}
}

// Degraded builds a reduced-capability status for name.
func Degraded(name, detail string) Status {
	return Status{Name: name, State: StateDegraded, Detail: detail}
}

// Down builds a failed status for name.
func Down(name, detail string) Status {
	return Status{Name: name, State: StateDown, Detail: detail}
}

// Probe checks one subsystem. It must respect ctx cancellation.
type Probe func(ctx context.Context) Status

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	probes []namedProbe
	now    func() time.Time
}

type namedProbe struct {
	name  string
	probe Probe
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Register adds a named probe. A probe returning a Status with an empty Name
// gets the registered name filled in.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	r.probes = append(r.probes, namedProbe{name: name, probe: probe})
	r.mu.Unlock()
}

// CheckAll runs every probe and returns the worst observed state plus the
// individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (State, []Status) {
	r.mu.RLock()
	probes := make([]namedProbe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	overall := StateUp
	statuses := make([]Status, len(probes))

	for i, np := range probes {
		st := np.probe(ctx)
		if st.Name == "" {
			st.Name = np.name
		}
		st.CheckedAt = r.now().UTC()
		statuses[i] = st
		overall = Worse(overall, st.State)
	}

	return overall, statuses
}
