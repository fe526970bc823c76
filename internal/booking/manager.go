package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/idgen"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/registry"
)

// DefaultTTL is how long a reservation holds its slot before the
// expiry sweep reclaims it.
const DefaultTTL = time.Hour

// Manager owns the booking lifecycle: it reserves slots through the
// registry store's atomic path, tracks reservations in memory, and
// reclaims slots when bookings complete or their TTL lapses.
type Manager struct {
	store  *registry.Store
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	bookings map[string]*Booking
}

// Options configures a Manager. Zero values get sane defaults.
type Options struct {
	TTL    time.Duration
	Logger *slog.Logger
}

func NewManager(store *registry.Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:    store,
		logger:   opts.Logger.With("component", "booking"),
		ttl:      opts.TTL,
		now:      time.Now,
		bookings: make(map[string]*Booking),
	}
}

// newBookingID builds a time-prefixed random ID and re-draws on the
// unlikely collision with a live booking. Caller holds m.mu.
func (m *Manager) newBookingID() string {
	for {
		id := fmt.Sprintf("bk_%d_%s", m.now().UnixMilli(), idgen.Hex(4))
		if _, taken := m.bookings[id]; !taken {
			return id
		}
	}
}

// Book reserves one slot at the agent's tier and returns the quote.
// Preconditions are checked in a fixed order so each failure keeps a
// distinct status: unknown agent, then tier not offered, then no
// capacity (carrying the nextAvailable hint), then capability not
// offered. The slot increment goes through the store's single
// compare-and-increment path.
func (m *Manager) Book(ctx context.Context, agentID string, tier registry.Tier, capability string, requestData json.RawMessage) (*Booking, error) {
	agent, err := m.store.GetByID(agentID)
	if err != nil {
		return nil, err
	}

	if _, offered := agent.ServiceAvailability[tier]; !offered {
		return nil, registry.ErrTierNotFound
	}

	av, err := m.store.ReserveSlot(ctx, agentID, tier)
	if err != nil {
		if err == registry.ErrNoCapacity {
			return nil, &CapacityError{Tier: tier, NextAvailable: av.NextAvailable}
		}
		return nil, err
	}

	if !agent.HasCapability(capability) {
		if relErr := m.store.ReleaseSlot(ctx, agentID, tier); relErr != nil {
			m.logger.Warn("slot release after capability miss failed",
				"agent_id", agentID, "tier", tier, "error", relErr)
		}
		return nil, ErrNotBookable
	}

	now := m.now()
	b := &Booking{
		AgentID:    agentID,
		Tier:       tier,
		Capability: capability,
		Pricing:    ResolvePrice(agent, capability, tier),
		SLA: SLASnapshot{
			ResponseSLA: av.ResponseSLA,
			Uptime:      av.Uptime,
		},
		CreatedAt:   now.UnixMilli(),
		ExpiryTime:  now.Add(m.ttl).UnixMilli(),
		Status:      StatusActive,
		RequestData: requestData,
	}

	m.mu.Lock()
	b.BookingID = m.newBookingID()
	m.bookings[b.BookingID] = b
	m.mu.Unlock()

	m.logger.Info("booking created",
		"booking_id", b.BookingID, "agent_id", agentID,
		"tier", tier, "capability", capability, "base_fee", b.Pricing.BaseFee)
	return b.snapshot(), nil
}

// Get returns a booking by ID. Expiry is checked lazily here so a
// stale reservation is reclaimed even between sweep ticks.
func (m *Manager) Get(ctx context.Context, agentID, bookingID string) (*Booking, error) {
	m.mu.Lock()
	b, ok := m.bookings[bookingID]
	if !ok || b.AgentID != agentID {
		m.mu.Unlock()
		return nil, ErrBookingNotFound
	}
	expired := b.Status == StatusActive && b.Expired(m.now())
	if expired {
		b.Status = StatusExpired
	}
	out := b.snapshot()
	m.mu.Unlock()

	if expired {
		m.releaseExpired(ctx, out)
	}
	return out, nil
}

// Complete closes an active booking, frees its slot, and returns the
// SLA report for the observed response time. The txHash is recorded
// for audit only; settlement itself happens off this service.
func (m *Manager) Complete(ctx context.Context, agentID, bookingID string, actualMs int64, txHash string) (*Booking, SLAPerformance, error) {
	m.mu.Lock()
	b, ok := m.bookings[bookingID]
	if !ok || b.AgentID != agentID {
		m.mu.Unlock()
		return nil, SLAPerformance{}, ErrBookingNotFound
	}
	if b.Status != StatusActive {
		m.mu.Unlock()
		return nil, SLAPerformance{}, ErrAlreadyClosed
	}
	if b.Expired(m.now()) {
		b.Status = StatusExpired
		out := b.snapshot()
		m.mu.Unlock()
		m.releaseExpired(ctx, out)
		return nil, SLAPerformance{}, ErrAlreadyClosed
	}
	b.Status = StatusCompleted
	b.ActualMs = actualMs
	b.TxHash = txHash
	out := b.snapshot()
	m.mu.Unlock()

	if err := m.store.ReleaseSlot(ctx, agentID, out.Tier); err != nil {
		m.logger.Warn("slot release on completion failed",
			"booking_id", bookingID, "agent_id", agentID, "error", err)
	}

	perf := CalculateSLAPerformance(out.Tier, out.SLA.ResponseSLA, actualMs)
	m.logger.Info("booking completed",
		"booking_id", bookingID, "agent_id", agentID,
		"within_sla", perf.WithinSLA, "actual_ms", actualMs)
	return out, perf, nil
}

// SweepExpired moves every lapsed active booking to expired and frees
// its slot. Returns how many bookings were reclaimed. Closed bookings
// older than one TTL past expiry are dropped from the map.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := m.now()
	var lapsed []*Booking

	m.mu.Lock()
	for id, b := range m.bookings {
		switch {
		case b.Status == StatusActive && b.Expired(now):
			b.Status = StatusExpired
			lapsed = append(lapsed, b.snapshot())
		case b.Status != StatusActive && now.UnixMilli() > b.ExpiryTime+m.ttl.Milliseconds():
			delete(m.bookings, id)
		}
	}
	m.mu.Unlock()

	for _, b := range lapsed {
		m.releaseExpired(ctx, b)
	}
	return len(lapsed)
}

// Active returns how many bookings currently hold a slot.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.bookings {
		if b.Status == StatusActive {
			n++
		}
	}
	return n
}

func (m *Manager) releaseExpired(ctx context.Context, b *Booking) {
	if err := m.store.ReleaseSlot(ctx, b.AgentID, b.Tier); err != nil {
		m.logger.Warn("slot release on expiry failed",
			"booking_id", b.BookingID, "agent_id", b.AgentID, "error", err)
		return
	}
	m.logger.Info("booking expired, slot reclaimed",
		"booking_id", b.BookingID, "agent_id", b.AgentID, "tier", b.Tier)
}

// snapshot copies the booking so callers never share the map's value.
func (b *Booking) snapshot() *Booking {
	cp := *b
	if b.RequestData != nil {
		cp.RequestData = append(json.RawMessage(nil), b.RequestData...)
	}
	return &cp
}

// CapacityError carries the nextAvailable hint alongside the conflict.
type CapacityError struct {
	Tier          registry.Tier
	NextAvailable int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("booking: no slots available at tier %s", e.Tier)
}
