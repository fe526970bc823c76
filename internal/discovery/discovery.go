// Package discovery is the read-only query layer over the agent
// registry: capability, tier, reputation, and latency filtering with
// deterministic ranking. It never mutates registry state.
package discovery

import (
	"sort"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/registry"
)

// Filters are the optional, independently applicable discovery
// constraints.
type Filters struct {
	// MinReputation excludes agents scoring below the threshold.
	MinReputation *int

	// Tier requires the agent to offer the tier with free capacity.
	Tier registry.Tier

	// MaxResponseTime bounds the responseSLA of the matched tier, or of
	// the fastest tier the agent offers when no tier is given.
	MaxResponseTime *int64
}

// Engine answers discovery queries against a registry store.
type Engine struct {
	store *registry.Store
}

// NewEngine creates a discovery engine.
func NewEngine(store *registry.Store) *Engine {
	return &Engine{store: store}
}

// Discover returns agents offering the capability (exact tag match),
// after applying filters, ordered by descending reputation with ties
// broken by ascending responseSLA of the matched tier, then by id.
// An empty capability matches every agent, still subject to filters.
//
// Core agents participate like any other: as long as one core agent
// offers the capability, a capability query cannot come back empty even
// with persistence down.
func (e *Engine) Discover(capability string, filters Filters) []*registry.AgentProfile {
	var matched []*registry.AgentProfile

	for _, agent := range e.store.GetAll() {
		if agent.Status != registry.StatusActive {
			continue
		}
		if capability != "" && !agent.HasCapability(capability) {
			continue
		}
		if filters.MinReputation != nil && agent.ReputationScore < *filters.MinReputation {
			continue
		}
		if filters.Tier != "" {
			av, offers := agent.ServiceAvailability[filters.Tier]
			if !offers || av.SlotsFilled >= av.Slots {
				continue
			}
		}
		if filters.MaxResponseTime != nil {
			sla := e.matchedSLA(agent, filters.Tier)
			if sla == 0 || sla > *filters.MaxResponseTime {
				continue
			}
		}
		matched = append(matched, agent)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].ReputationScore != matched[j].ReputationScore {
			return matched[i].ReputationScore > matched[j].ReputationScore
		}
		slaI := e.matchedSLA(matched[i], filters.Tier)
		slaJ := e.matchedSLA(matched[j], filters.Tier)
		if slaI != slaJ {
			// Agents with no advertised SLA sort last.
			if slaI == 0 {
				return false
			}
			if slaJ == 0 {
				return true
			}
			return slaI < slaJ
		}
		return matched[i].ID < matched[j].ID
	})

	return matched
}

// matchedSLA is the responseSLA the ordering and MaxResponseTime filter
// compare against: the requested tier's when one is given, otherwise
// the fastest tier the agent offers.
func (e *Engine) matchedSLA(agent *registry.AgentProfile, tier registry.Tier) int64 {
	if tier != "" {
		return agent.ServiceAvailability[tier].ResponseSLA
	}
	return agent.FastestSLA()
}
