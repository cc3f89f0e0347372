package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// CheckFunc reports the current status of a component on demand.
type CheckFunc func(ctx context.Context) Status

// Monitor tracks pushed statuses and pull-style checks for named
// components. It is safe for concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]CheckFunc
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]CheckFunc),
	}
}

// Update records status for name, overriding its component field.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

func (m *Monitor) UpdateHealthy(name, message string)   { m.Update(name, NewHealthy(name, message)) }
func (m *Monitor) UpdateUnhealthy(name, message string) { m.Update(name, NewUnhealthy(name, message)) }
func (m *Monitor) UpdateDegraded(name, message string)  { m.Update(name, NewDegraded(name, message)) }

// RegisterCheck installs a check evaluated on every Snapshot. A check
// shadows any pushed status with the same name.
func (m *Monitor) RegisterCheck(name string, check CheckFunc) {
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

// Get returns the pushed status for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Remove drops name from both pushed statuses and checks.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	delete(m.checks, name)
	m.mu.Unlock()
}

// Count returns the number of monitored components.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.statuses)
	for name := range m.checks {
		if _, dup := m.statuses[name]; !dup {
			n++
		}
	}
	return n
}

// Snapshot evaluates every check and returns all statuses sorted by name.
func (m *Monitor) Snapshot(ctx context.Context) []Status {
	m.mu.RLock()
	merged := make(map[string]Status, len(m.statuses)+len(m.checks))
	for name, s := range m.statuses {
		merged[name] = s
	}
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	// Checks run outside the lock; they may call back into the monitor.
	for name, check := range checks {
		s := check(ctx)
		s.Component = name
		merged[name] = s
	}

	out := make([]Status, 0, len(merged))
	for _, s := range merged {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// AggregateHealth returns the aggregate status of every component.
func (m *Monitor) AggregateHealth(ctx context.Context, systemName string) Status {
	return Aggregate(systemName, m.Snapshot(ctx))
}

// Handler serves the aggregate status as JSON. Unhealthy maps to 503 so load
// balancers can act on the status code alone.
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := m.AggregateHealth(r.Context(), systemName)

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
