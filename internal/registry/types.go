// Package registry implements the agent registry: permissionless
// registration with chain-native identity proofs, heartbeat tracking,
// and tiered service availability. This is the authoritative view every
// other component reads from.
package registry

import (
	"errors"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrAgentNotFound   = errors.New("registry: agent not found")
	ErrSignerMismatch  = errors.New("registry: signer does not match registered identity")
	ErrTierNotFound    = errors.New("registry: tier not offered by agent")
	ErrNoCapacity      = errors.New("registry: no slots available")
	ErrInvalidProfile  = errors.New("registry: invalid agent profile")
	ErrBadSignature    = errors.New("registry: identity proof verification failed")
	ErrSLAOrdering     = errors.New("registry: tier response SLAs must strictly improve basic > pro > premium")
	ErrUnknownChain    = errors.New("registry: unsupported chain")
	ErrHeartbeatInPast = errors.New("registry: heartbeat older than recorded")
)

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// Chain identifies the signature scheme an agent proved its identity with.
type Chain string

const (
	ChainEVM    Chain = "evm"
	ChainSolana Chain = "solana"
)

// AgentType distinguishes pre-seeded infrastructure agents from
// permissionlessly registered ones.
type AgentType string

const (
	TypeCore    AgentType = "core"
	TypeDynamic AgentType = "dynamic"
)

// Status is an agent's serving state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Tier is a service level. Higher tiers cost more and promise faster
// responses.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// Tiers lists all tiers from cheapest to most expensive.
var Tiers = []Tier{TierBasic, TierPro, TierPremium}

// Multiplier returns the tier's price multiplier over the capability's
// base price. Callers use this to pick a tier before booking; the quote
// itself comes from the agent's own pricing.
func (t Tier) Multiplier() float64 {
	switch t {
	case TierPro:
		return 2.5
	case TierPremium:
		return 5.0
	default:
		return 1.0
	}
}

// Valid reports whether t is a recognized tier.
func (t Tier) Valid() bool {
	return t == TierBasic || t == TierPro || t == TierPremium
}

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// TierPrice is the price of one call at a given tier.
type TierPrice struct {
	BaseFee string `json:"baseFee"` // USDC decimal string, e.g. "0.03"
	Asset   string `json:"asset"`   // e.g. "USDC"
	Chain   string `json:"chain"`   // settlement network, e.g. "base-sepolia"
}

// TierAvailability is an agent's live capacity and SLA for one tier.
type TierAvailability struct {
	Slots         int     `json:"slots"`         // total concurrent capacity
	SlotsFilled   int     `json:"slotsFilled"`   // invariant: 0 <= SlotsFilled <= Slots
	ResponseSLA   int64   `json:"responseSLA"`   // milliseconds
	Uptime        float64 `json:"uptime"`        // percentage
	NextAvailable int64   `json:"nextAvailable"` // epoch millis hint when full
}

// AgentProfile is one registered agent. Fields marked immutable are set
// once at registration and never change.
type AgentProfile struct {
	ID           string   `json:"id"` // immutable, caller-supplied
	Name         string   `json:"name"`
	Endpoint     string   `json:"endpoint"` // the agent's own HTTP endpoint
	Capabilities []string `json:"capabilities"`

	Signer string    `json:"signer"` // EVM address or Solana base58 pubkey
	Chain  Chain     `json:"chain"`
	Type   AgentType `json:"type"`
	Status Status    `json:"status"`

	ReputationScore int `json:"reputationScore"` // 0-100

	// Pricing: flat per capability, optionally overridden per tier.
	Pricing       map[string]string             `json:"pricing,omitempty"`
	TieredPricing map[string]map[Tier]TierPrice `json:"tieredPricing,omitempty"`

	ServiceAvailability map[Tier]TierAvailability `json:"serviceAvailability,omitempty"`

	LastHeartbeat int64 `json:"lastHeartbeat"`        // epoch millis
	VerifiedAt    int64 `json:"verifiedAt,omitempty"` // set only on proven identity
	RegisteredAt  int64 `json:"registeredAt"`         // immutable
}

// Verified reports whether the agent's identity proof was checked and
// passed at registration. Dev-mode registrations are never verified.
func (a *AgentProfile) Verified() bool {
	return a.VerifiedAt > 0
}

// HasCapability reports whether the agent advertises the exact tag.
func (a *AgentProfile) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// FastestSLA returns the lowest responseSLA across offered tiers, or 0
// if the agent advertises no availability.
func (a *AgentProfile) FastestSLA() int64 {
	var fastest int64
	for _, avail := range a.ServiceAvailability {
		if fastest == 0 || avail.ResponseSLA < fastest {
			fastest = avail.ResponseSLA
		}
	}
	return fastest
}

// Clone returns a deep copy so callers can never mutate store state.
func (a *AgentProfile) Clone() *AgentProfile {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Pricing != nil {
		cp.Pricing = make(map[string]string, len(a.Pricing))
		for k, v := range a.Pricing {
			cp.Pricing[k] = v
		}
	}
	if a.TieredPricing != nil {
		cp.TieredPricing = make(map[string]map[Tier]TierPrice, len(a.TieredPricing))
		for cap, tiers := range a.TieredPricing {
			inner := make(map[Tier]TierPrice, len(tiers))
			for t, p := range tiers {
				inner[t] = p
			}
			cp.TieredPricing[cap] = inner
		}
	}
	if a.ServiceAvailability != nil {
		cp.ServiceAvailability = make(map[Tier]TierAvailability, len(a.ServiceAvailability))
		for t, av := range a.ServiceAvailability {
			cp.ServiceAvailability[t] = av
		}
	}
	return &cp
}

// ValidateSLAOrdering enforces the tier invariant: basic must be slower
// than pro, pro slower than premium, for every pair the agent offers.
// Checked at registration time, not per request.
func (a *AgentProfile) ValidateSLAOrdering() error {
	sla := func(t Tier) (int64, bool) {
		av, ok := a.ServiceAvailability[t]
		return av.ResponseSLA, ok
	}
	basic, hasBasic := sla(TierBasic)
	pro, hasPro := sla(TierPro)
	premium, hasPremium := sla(TierPremium)

	if hasBasic && hasPro && basic <= pro {
		return ErrSLAOrdering
	}
	if hasPro && hasPremium && pro <= premium {
		return ErrSLAOrdering
	}
	if hasBasic && hasPremium && basic <= premium {
		return ErrSLAOrdering
	}
	return nil
}

// -----------------------------------------------------------------------------
// Request types
// -----------------------------------------------------------------------------

// RegisterRequest is the payload for agent registration. The signature,
// when present, is an identity proof over SigningMessage(profile).
type RegisterRequest struct {
	Profile   AgentProfile `json:"profile" binding:"required"`
	Signature string       `json:"signature,omitempty"`
}

// AvailabilityUpdate is a partial update of one tier's availability.
// Nil fields are left untouched.
type AvailabilityUpdate struct {
	Slots         *int     `json:"slots,omitempty"`
	SlotsFilled   *int     `json:"slotsFilled,omitempty"`
	ResponseSLA   *int64   `json:"responseSLA,omitempty"`
	Uptime        *float64 `json:"uptime,omitempty"`
	NextAvailable *int64   `json:"nextAvailable,omitempty"`
}

// DefaultReputation is the conservative starting score for new dynamic
// registrants.
const DefaultReputation = 50
