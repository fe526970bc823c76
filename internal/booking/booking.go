// Package booking reserves tiered service slots and quotes prices.
// A booking is an ephemeral reservation: it claims one slot at an
// agent's tier, carries a pricing and SLA snapshot, and releases the
// slot when completed or expired.
package booking

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/registry"
)

var (
	ErrBookingNotFound = errors.New("booking: not found")
	ErrNotBookable     = errors.New("booking: capability not offered by agent")
	ErrAlreadyClosed   = errors.New("booking: already completed or expired")
)

// Status is a booking's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// SLASnapshot is the service-level promise quoted at booking time.
type SLASnapshot struct {
	ResponseSLA int64   `json:"responseSLA"` // milliseconds
	Uptime      float64 `json:"uptime"`      // percentage
}

// Booking is one slot reservation.
type Booking struct {
	BookingID  string             `json:"bookingId"`
	AgentID    string             `json:"agentId"`
	Tier       registry.Tier      `json:"tier"`
	Capability string             `json:"capability"`
	Pricing    registry.TierPrice `json:"pricing"`
	SLA        SLASnapshot        `json:"sla"`
	ExpiryTime int64              `json:"expiryTime"` // epoch millis
	CreatedAt  int64              `json:"createdAt"`  // epoch millis
	Status     Status             `json:"status"`

	// RequestData is the caller's opaque payload; the registry passes
	// it through unvalidated.
	RequestData json.RawMessage `json:"requestData,omitempty"`

	// TxHash is set when the caller reports settlement on completion.
	TxHash string `json:"txHash,omitempty"`

	// ActualMs is the reported response time, set on completion.
	ActualMs int64 `json:"actualMs,omitempty"`
}

// Expired reports whether the booking's TTL has elapsed at t.
func (b *Booking) Expired(t time.Time) bool {
	return t.UnixMilli() > b.ExpiryTime
}

// SLAPerformance compares an actual response time against a tier's
// promised SLA. Pure report; it never touches booking state.
type SLAPerformance struct {
	Tier       registry.Tier `json:"tier"`
	ExpectedMs int64         `json:"expectedMs"`
	ActualMs   int64         `json:"actualMs"`
	WithinSLA  bool          `json:"withinSLA"`
	Message    string        `json:"message"`
}

// CalculateSLAPerformance builds the post-hoc SLA report for a booking.
func CalculateSLAPerformance(tier registry.Tier, expectedMs, actualMs int64) SLAPerformance {
	perf := SLAPerformance{
		Tier:       tier,
		ExpectedMs: expectedMs,
		ActualMs:   actualMs,
		WithinSLA:  actualMs <= expectedMs,
	}
	if perf.WithinSLA {
		perf.Message = "response met the tier SLA"
	} else {
		perf.Message = "response exceeded the tier SLA"
	}
	return perf
}

// DefaultPrice is the hard-coded fallback when an agent prices neither
// the tier nor the capability.
var DefaultPrice = registry.TierPrice{
	BaseFee: "0.01",
	Asset:   "USDC",
	Chain:   "base-sepolia",
}

// ResolvePrice resolves the quote for a capability/tier pair:
// tieredPricing first, flat pricing next, hard default last.
func ResolvePrice(agent *registry.AgentProfile, capability string, tier registry.Tier) registry.TierPrice {
	if tiers, ok := agent.TieredPricing[capability]; ok {
		if price, ok := tiers[tier]; ok {
			return price
		}
	}
	if flat, ok := agent.Pricing[capability]; ok {
		return registry.TierPrice{BaseFee: flat, Asset: DefaultPrice.Asset, Chain: DefaultPrice.Chain}
	}
	return DefaultPrice
}
