// Package reputation turns completed-booking feedback into bounded
// score adjustments. Scores only ever move by small deltas; the store
// clamps them to [0, 100].
package reputation

import (
	"log/slog"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/registry"
)

// Per-booking deltas. A breach costs more than a good call earns so a
// flaky agent trends down even at a 50% hit rate.
const (
	DeltaWithinSLA = 1
	DeltaBreach    = -2
)

// Tracker applies booking outcomes to agent scores.
type Tracker struct {
	store  *registry.Store
	logger *slog.Logger
}

func NewTracker(store *registry.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger.With("component", "reputation")}
}

// RecordOutcome adjusts the agent's score for one completed booking
// and returns the updated profile.
func (t *Tracker) RecordOutcome(agentID string, withinSLA bool) (*registry.AgentProfile, error) {
	delta := DeltaWithinSLA
	if !withinSLA {
		delta = DeltaBreach
	}

	agent, err := t.store.AdjustReputation(agentID, delta)
	if err != nil {
		return nil, err
	}

	t.logger.Info("reputation adjusted",
		"agent_id", agentID, "delta", delta, "score", agent.ReputationScore)
	return agent, nil
}
