package registry

import (
	"context"
	"sync"
)

// Gateway is the external persistence collaborator. It is strictly
// best-effort: the in-memory store is authoritative and never blocks a
// request on gateway availability. Records are keyed by agent id with a
// secondary index by signer (owner).
type Gateway interface {
	Get(ctx context.Context, id string) (*AgentProfile, error)
	Put(ctx context.Context, profile *AgentProfile) error
	Scan(ctx context.Context) ([]*AgentProfile, error)
	ListByOwner(ctx context.Context, signer string) ([]*AgentProfile, error)
}

// -----------------------------------------------------------------------------
// In-memory gateway (demo mode and tests)
// -----------------------------------------------------------------------------

// MemoryGateway is a thread-safe in-memory Gateway.
type MemoryGateway struct {
	mu      sync.RWMutex
	records map[string]*AgentProfile
	byOwner map[string][]string // signer -> agent ids
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		records: make(map[string]*AgentProfile),
		byOwner: make(map[string][]string),
	}
}

var _ Gateway = (*MemoryGateway)(nil)

func (g *MemoryGateway) Get(ctx context.Context, id string) (*AgentProfile, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p, exists := g.records[id]
	if !exists {
		return nil, ErrAgentNotFound
	}
	return p.Clone(), nil
}

func (g *MemoryGateway) Put(ctx context.Context, profile *AgentProfile) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, exists := g.records[profile.ID]; exists && prev.Signer != profile.Signer {
		g.removeOwnerIndex(prev.Signer, profile.ID)
	}
	if _, exists := g.records[profile.ID]; !exists {
		g.byOwner[profile.Signer] = append(g.byOwner[profile.Signer], profile.ID)
	}
	g.records[profile.ID] = profile.Clone()
	return nil
}

func (g *MemoryGateway) Scan(ctx context.Context) ([]*AgentProfile, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*AgentProfile, 0, len(g.records))
	for _, p := range g.records {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (g *MemoryGateway) ListByOwner(ctx context.Context, signer string) ([]*AgentProfile, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.byOwner[signer]
	out := make([]*AgentProfile, 0, len(ids))
	for _, id := range ids {
		if p, exists := g.records[id]; exists {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (g *MemoryGateway) removeOwnerIndex(signer, id string) {
	ids := g.byOwner[signer]
	for i, existing := range ids {
		if existing == id {
			g.byOwner[signer] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}
