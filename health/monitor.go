package health

import (
	"sort"
	"sync"
	"time"
)

// Check produces the current status of a component
type Check func() Status

// Monitor tracks health of multiple components. Statuses are either pushed
// with Update or pulled from registered checks on every aggregation.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]Check
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]Check),
	}
}

// Register installs a pull-style check. It replaces any pushed status with
// the same name.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
	m.checks[name] = check
}

// Update records the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy marks a component healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks a component unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks a component degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get retrieves the status for a named component, running its check if one
// is registered.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	check, hasCheck := m.checks[name]
	status, exists := m.statuses[name]
	m.mu.RUnlock()

	if hasCheck {
		s := check()
		s.Component = name
		return s, true
	}
	return status, exists
}

// GetAll returns the current status of every component
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	result := make(map[string]Status, len(m.statuses)+len(m.checks))
	for name, status := range m.statuses {
		result[name] = status
	}
	checks := make(map[string]Check, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	for name, check := range checks {
		s := check()
		s.Component = name
		result[name] = s
	}
	return result
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
	delete(m.checks, name)
}

// AggregateHealth returns the system status with components sorted by name
func (m *Monitor) AggregateHealth(systemName string) Status {
	all := m.GetAll()

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	subStatuses := make([]Status, 0, len(all))
	for _, name := range names {
		subStatuses = append(subStatuses, all[name])
	}
	return Aggregate(systemName, subStatuses)
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.statuses) + len(m.checks)
}
