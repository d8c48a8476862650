// Package health aggregates component liveness for the /healthz endpoint.
package health

import (
	"sync"
	"time"
)

// Check reports one component's health.
type Check func() error

// Manager aggregates registered checks.
type Manager struct {
	mu     sync.RWMutex
	checks map[string]Check

	lastErr map[string]string
	lastRun time.Time
}

// NewManager creates an empty health manager.
func NewManager() *Manager {
	return &Manager{
		checks:  make(map[string]Check),
		lastErr: make(map[string]string),
	}
}

// Register adds a named check.
func (m *Manager) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Healthy runs every check and reports overall health.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastRun = time.Now()
	healthy := true
	for name, check := range m.checks {
		if err := check(); err != nil {
			m.lastErr[name] = err.Error()
			healthy = false
		} else {
			delete(m.lastErr, name)
		}
	}
	return healthy
}

// Failures returns the most recent failure per component.
func (m *Manager) Failures() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.lastErr))
	for k, v := range m.lastErr {
		out[k] = v
	}
	return out
}
