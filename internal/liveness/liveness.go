// Package liveness classifies agent staleness from heartbeat age and
// runs the optional background sweep that deactivates stale dynamic
// agents. Classification and policy are separate: FindStale is a pure
// read, the Sweeper is the caller that acts on it.
package liveness

import (
	"time"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/registry"
)

// Monitor classifies agents by heartbeat age.
type Monitor struct {
	store *registry.Store
	now   func() time.Time
}

// NewMonitor creates a liveness monitor.
func NewMonitor(store *registry.Store) *Monitor {
	return &Monitor{store: store, now: time.Now}
}

// FindStale returns the ids of dynamic agents whose last heartbeat is
// older than threshold. Core agents are always-on infrastructure, not
// self-reporting peers: they are never reported stale regardless of
// heartbeat age.
func (m *Monitor) FindStale(threshold time.Duration) []string {
	cutoff := m.now().UnixMilli() - threshold.Milliseconds()

	var stale []string
	for _, agent := range m.store.GetAll() {
		if agent.Type != registry.TypeDynamic {
			continue
		}
		if agent.LastHeartbeat < cutoff {
			stale = append(stale, agent.ID)
		}
	}
	return stale
}
