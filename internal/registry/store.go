package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/chainsig"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/retry"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/syncutil"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/validation"
)

// RegistrationMessage is the canonical string a registrant signs to
// prove control of the advertised identity.
// Format: "ImperfectCoach|register|{id}|{signer}"
func RegistrationMessage(id, signer string) string {
	return fmt.Sprintf("ImperfectCoach|register|%s|%s", id, strings.ToLower(signer))
}

// Options configures a Store.
type Options struct {
	// Gateway is the optional persistence collaborator. Nil means pure
	// in-memory operation (core agents still served).
	Gateway Gateway

	// DevMode permits registrations without an identity proof. A proof
	// that is present but invalid still fails hard, dev mode or not.
	DevMode bool

	Verifier *chainsig.Registry
	Logger   *slog.Logger

	// now overrides the clock in tests.
	now func() time.Time
}

// Store is the single authoritative in-memory view of all known agents.
// Reads are concurrent; every mutation of one agent is serialized
// through a per-id lock so check-then-act sequences (slot reservation
// above all) cannot race.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*AgentProfile
	order  []string // insertion order for GetAll

	locks    syncutil.ShardedMutex
	gateway  Gateway
	devMode  bool
	verifier *chainsig.Registry
	logger   *slog.Logger
	now      func() time.Time

	persistWG sync.WaitGroup
}

// NewStore creates a store pre-seeded with the core agents. Core agents
// are always present regardless of persistence availability.
func NewStore(opts Options) *Store {
	if opts.Verifier == nil {
		opts.Verifier = chainsig.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	s := &Store{
		agents:   make(map[string]*AgentProfile),
		gateway:  opts.Gateway,
		devMode:  opts.DevMode,
		verifier: opts.Verifier,
		logger:   opts.Logger,
		now:      opts.now,
	}

	for _, core := range CoreAgents() {
		core.LastHeartbeat = s.nowMillis()
		s.agents[core.ID] = core
		s.order = append(s.order, core.ID)
	}

	return s
}

// Hydrate loads dynamically registered agents from the persistence
// gateway. Called once on cold start; failures degrade to in-memory
// operation rather than failing startup. Core agents are never
// overwritten by persisted records.
func (s *Store) Hydrate(ctx context.Context) {
	if s.gateway == nil {
		return
	}

	profiles, err := s.gateway.Scan(ctx)
	if err != nil {
		s.logger.Warn("registry hydration failed, serving core agents only", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, p := range profiles {
		if _, exists := s.agents[p.ID]; exists {
			continue
		}
		s.agents[p.ID] = p.Clone()
		s.order = append(s.order, p.ID)
		restored++
	}

	s.logger.Info("registry hydrated", "restored", restored, "total", len(s.agents))
}

// Close waits for in-flight background persistence writes.
func (s *Store) Close() {
	s.persistWG.Wait()
}

// -----------------------------------------------------------------------------
// Registration
// -----------------------------------------------------------------------------

// Register validates and stores a dynamic agent. If a signature is
// supplied it must verify against the profile's chain and signer; a
// present-but-invalid proof fails the whole registration rather than
// degrading to an unverified one. Re-registration of an existing id is
// treated as an update and requires the signer to match the stored one.
func (s *Store) Register(ctx context.Context, req RegisterRequest) (*AgentProfile, error) {
	profile := req.Profile

	if err := validateProfile(&profile); err != nil {
		return nil, err
	}

	verifiedAt := int64(0)
	if req.Signature != "" {
		res := s.verifier.Verify(string(profile.Chain), profile.Signer, RegistrationMessage(profile.ID, profile.Signer), req.Signature)
		if !res.Verified {
			return nil, fmt.Errorf("%w: %s", ErrBadSignature, res.Reason)
		}
		verifiedAt = s.nowMillis()
	} else if !s.devMode {
		return nil, fmt.Errorf("%w: signature required outside dev mode", ErrBadSignature)
	}

	unlock := s.locks.Lock(profile.ID)
	defer unlock()

	now := s.nowMillis()

	s.mu.Lock()
	existing, exists := s.agents[profile.ID]
	if exists && !strings.EqualFold(existing.Signer, profile.Signer) {
		s.mu.Unlock()
		return nil, ErrSignerMismatch
	}

	stored := profile.Clone()
	stored.Type = TypeDynamic
	stored.Status = StatusActive
	stored.VerifiedAt = verifiedAt
	if stored.ServiceAvailability == nil {
		stored.ServiceAvailability = map[Tier]TierAvailability{}
	}
	if exists {
		// Update path: immutable fields and bookkeeping carry over.
		stored.Type = existing.Type
		stored.RegisteredAt = existing.RegisteredAt
		stored.ReputationScore = existing.ReputationScore
		stored.LastHeartbeat = existing.LastHeartbeat
		if verifiedAt == 0 {
			stored.VerifiedAt = existing.VerifiedAt
		}
		// Active reservations own slotsFilled; a re-registration must
		// not zero out slots that bookings still hold. Shrinking a
		// tier below its filled count leaves it at capacity.
		for tier, av := range stored.ServiceAvailability {
			prev, ok := existing.ServiceAvailability[tier]
			if !ok {
				continue
			}
			av.SlotsFilled = prev.SlotsFilled
			if av.SlotsFilled > av.Slots {
				av.SlotsFilled = av.Slots
			}
			stored.ServiceAvailability[tier] = av
		}
	} else {
		stored.RegisteredAt = now
		stored.LastHeartbeat = now
		stored.ReputationScore = DefaultReputation
		s.order = append(s.order, stored.ID)
	}

	s.agents[stored.ID] = stored
	result := stored.Clone()
	s.mu.Unlock()

	s.persistAsync(result.Clone())

	return result, nil
}

func validateProfile(p *AgentProfile) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidProfile)
	}
	if strings.TrimSpace(p.Endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidProfile)
	}
	if strings.TrimSpace(p.Signer) == "" {
		return fmt.Errorf("%w: signer identity is required", ErrInvalidProfile)
	}
	if !validation.IsValidAgentID(p.ID) {
		return fmt.Errorf("%w: id must be a URL-safe slug", ErrInvalidProfile)
	}
	p.Name = validation.SanitizeString(p.Name, 256)
	for _, tag := range p.Capabilities {
		if !validation.IsValidCapability(tag) {
			return fmt.Errorf("%w: invalid capability tag %q", ErrInvalidProfile, tag)
		}
	}
	switch p.Chain {
	case ChainEVM, ChainSolana:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChain, p.Chain)
	}
	for capability, fee := range p.Pricing {
		if errs := validation.Validate(validation.ValidAmount("pricing."+capability, fee)); len(errs) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalidProfile, errs.Error())
		}
	}
	for capability, tiers := range p.TieredPricing {
		for tier, price := range tiers {
			field := fmt.Sprintf("tieredPricing.%s.%s.baseFee", capability, tier)
			if errs := validation.Validate(validation.ValidAmount(field, price.BaseFee)); len(errs) > 0 {
				return fmt.Errorf("%w: %s", ErrInvalidProfile, errs.Error())
			}
		}
	}
	for tier := range p.ServiceAvailability {
		if !tier.Valid() {
			return fmt.Errorf("%w: unknown tier %q", ErrInvalidProfile, tier)
		}
		av := p.ServiceAvailability[tier]
		if av.SlotsFilled < 0 || av.Slots < 0 || av.SlotsFilled > av.Slots {
			return fmt.Errorf("%w: tier %s slotsFilled must be within [0, slots]", ErrInvalidProfile, tier)
		}
	}
	return p.ValidateSLAOrdering()
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// GetByID returns a copy of the agent, or ErrAgentNotFound.
func (s *Store) GetByID(id string) (*AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, exists := s.agents[id]
	if !exists {
		return nil, ErrAgentNotFound
	}
	return agent.Clone(), nil
}

// GetAll returns copies of every agent in insertion order.
func (s *Store) GetAll() []*AgentProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*AgentProfile, 0, len(s.order))
	for _, id := range s.order {
		if agent, exists := s.agents[id]; exists {
			out = append(out, agent.Clone())
		}
	}
	return out
}

// Count returns the number of known agents.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// -----------------------------------------------------------------------------
// Heartbeat
// -----------------------------------------------------------------------------

// UpdateHeartbeat records a liveness signal. Heartbeats are idempotent
// and commutative; the recorded value never moves backwards.
func (s *Store) UpdateHeartbeat(id string) (*AgentProfile, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	agent, exists := s.agents[id]
	if !exists {
		s.mu.Unlock()
		return nil, ErrAgentNotFound
	}

	if now := s.nowMillis(); now > agent.LastHeartbeat {
		agent.LastHeartbeat = now
	}
	if agent.Type == TypeDynamic && agent.Status == StatusInactive {
		// A heartbeat from a swept agent brings it back.
		agent.Status = StatusActive
	}
	result := agent.Clone()
	s.mu.Unlock()

	s.persistAsync(result.Clone())
	return result, nil
}

// -----------------------------------------------------------------------------
// Availability & slots
// -----------------------------------------------------------------------------

// UpdateAvailability merges the supplied fields into one tier's
// availability block. Creating a new tier block requires at least Slots
// and ResponseSLA. The whole read-modify-write runs inside the
// per-agent critical section.
func (s *Store) UpdateAvailability(ctx context.Context, id string, tier Tier, update AvailabilityUpdate) (*AgentProfile, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrTierNotFound, tier)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	agent, exists := s.agents[id]
	if !exists {
		s.mu.Unlock()
		return nil, ErrAgentNotFound
	}

	av, hasTier := agent.ServiceAvailability[tier]
	if !hasTier {
		if update.Slots == nil || update.ResponseSLA == nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: tier %s has no availability block and update does not supply slots and responseSLA", ErrTierNotFound, tier)
		}
		av = TierAvailability{}
	}

	if update.Slots != nil {
		av.Slots = *update.Slots
	}
	if update.SlotsFilled != nil {
		av.SlotsFilled = *update.SlotsFilled
	}
	if update.ResponseSLA != nil {
		av.ResponseSLA = *update.ResponseSLA
	}
	if update.Uptime != nil {
		av.Uptime = *update.Uptime
	}
	if update.NextAvailable != nil {
		av.NextAvailable = *update.NextAvailable
	}

	if av.Slots < 0 || av.SlotsFilled < 0 || av.SlotsFilled > av.Slots {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: slotsFilled %d exceeds slots %d", ErrNoCapacity, av.SlotsFilled, av.Slots)
	}

	candidate := agent.Clone()
	candidate.ServiceAvailability[tier] = av
	if err := candidate.ValidateSLAOrdering(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	agent.ServiceAvailability[tier] = av
	result := agent.Clone()
	s.mu.Unlock()

	s.persistAsync(result.Clone())
	return result, nil
}

// ReserveSlot atomically claims one slot at the given tier. It is the
// single compare-and-increment path every booking goes through; the
// (N+1)th concurrent caller on an N-slot tier gets ErrNoCapacity with
// the tier snapshot carrying the NextAvailable hint.
func (s *Store) ReserveSlot(ctx context.Context, id string, tier Tier) (TierAvailability, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	agent, exists := s.agents[id]
	if !exists {
		s.mu.Unlock()
		return TierAvailability{}, ErrAgentNotFound
	}

	av, hasTier := agent.ServiceAvailability[tier]
	if !hasTier {
		s.mu.Unlock()
		return TierAvailability{}, ErrTierNotFound
	}

	if av.SlotsFilled >= av.Slots {
		s.mu.Unlock()
		return av, ErrNoCapacity
	}

	av.SlotsFilled++
	agent.ServiceAvailability[tier] = av
	result := agent.Clone()
	s.mu.Unlock()

	s.persistAsync(result)
	return av, nil
}

// ReleaseSlot returns one slot at the given tier, clamped at zero so a
// double release cannot underflow.
func (s *Store) ReleaseSlot(ctx context.Context, id string, tier Tier) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	agent, exists := s.agents[id]
	if !exists {
		s.mu.Unlock()
		return ErrAgentNotFound
	}

	av, hasTier := agent.ServiceAvailability[tier]
	if !hasTier {
		s.mu.Unlock()
		return ErrTierNotFound
	}

	if av.SlotsFilled > 0 {
		av.SlotsFilled--
	}
	agent.ServiceAvailability[tier] = av
	result := agent.Clone()
	s.mu.Unlock()

	s.persistAsync(result)
	return nil
}

// SetStatus flips an agent's serving state. Used by the liveness
// sweeper; core agents are left alone.
func (s *Store) SetStatus(id string, status Status) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	agent, exists := s.agents[id]
	if !exists {
		s.mu.Unlock()
		return ErrAgentNotFound
	}
	if agent.Type == TypeCore {
		s.mu.Unlock()
		return nil
	}
	agent.Status = status
	result := agent.Clone()
	s.mu.Unlock()

	s.persistAsync(result)
	return nil
}

// AdjustReputation applies a bounded delta to the agent's score,
// clamped to [0, 100]. Never a silent overwrite.
func (s *Store) AdjustReputation(id string, delta int) (*AgentProfile, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	agent, exists := s.agents[id]
	if !exists {
		s.mu.Unlock()
		return nil, ErrAgentNotFound
	}

	score := agent.ReputationScore + delta
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	agent.ReputationScore = score
	result := agent.Clone()
	s.mu.Unlock()

	s.persistAsync(result)
	return result, nil
}

// -----------------------------------------------------------------------------
// Persistence (write-through, best effort)
// -----------------------------------------------------------------------------

// persistAsync writes the profile to the gateway in the background.
// Gateway failures are logged and tolerated; the in-memory state is
// already committed.
func (s *Store) persistAsync(profile *AgentProfile) {
	if s.gateway == nil {
		return
	}
	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
			return s.gateway.Put(ctx, profile)
		})
		if err != nil {
			s.logger.Warn("registry persistence lagging", "agent", profile.ID, "error", err)
		}
	}()
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}
