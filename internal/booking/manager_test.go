package booking

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/registry"
)

func testStore(t *testing.T) *registry.Store {
	t.Helper()
	store := registry.NewStore(registry.Options{DevMode: true})

	_, err := store.Register(context.Background(), registry.RegisterRequest{Profile: registry.AgentProfile{
		ID:           "coach-1",
		Name:         "Test Coach",
		Endpoint:     "https://coach.example.com",
		Capabilities: []string{"form_analysis"},
		Signer:       "0x1111111111111111111111111111111111111111",
		Chain:        registry.ChainEVM,
		Pricing:      map[string]string{"form_analysis": "0.02"},
		TieredPricing: map[string]map[registry.Tier]registry.TierPrice{
			"form_analysis": {
				registry.TierPro: {BaseFee: "0.03", Asset: "USDC", Chain: "base-sepolia"},
			},
		},
		ServiceAvailability: map[registry.Tier]registry.TierAvailability{
			registry.TierBasic: {Slots: 3, ResponseSLA: 5000, Uptime: 99.0},
			registry.TierPro:   {Slots: 2, ResponseSLA: 2000, Uptime: 99.9, NextAvailable: 1700000123000},
		},
	}})
	require.NoError(t, err)
	return store
}

func slotsFilled(t *testing.T, store *registry.Store, tier registry.Tier) int {
	t.Helper()
	agent, err := store.GetByID("coach-1")
	require.NoError(t, err)
	return agent.ServiceAvailability[tier].SlotsFilled
}

func TestBook_QuotesTieredPrice(t *testing.T) {
	store := testStore(t)
	m := NewManager(store, Options{})

	b, err := m.Book(context.Background(), "coach-1", registry.TierPro, "form_analysis", json.RawMessage(`{"video":"squat.mp4"}`))
	require.NoError(t, err)

	assert.Equal(t, "0.03", b.Pricing.BaseFee)
	assert.Equal(t, "USDC", b.Pricing.Asset)
	assert.Equal(t, int64(2000), b.SLA.ResponseSLA, "SLA snapshot comes from the reserved tier")
	assert.Equal(t, StatusActive, b.Status)
	assert.JSONEq(t, `{"video":"squat.mp4"}`, string(b.RequestData))
	assert.Equal(t, 1, slotsFilled(t, store, registry.TierPro))
}

func TestBook_FallsBackToFlatThenDefault(t *testing.T) {
	store := testStore(t)
	m := NewManager(store, Options{})

	// Basic has no tiered price for form_analysis, flat pricing applies.
	b, err := m.Book(context.Background(), "coach-1", registry.TierBasic, "form_analysis", nil)
	require.NoError(t, err)
	assert.Equal(t, "0.02", b.Pricing.BaseFee)

	agent, err := store.GetByID("coach-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultPrice, ResolvePrice(agent, "unpriced_capability", registry.TierBasic))
}

func TestBook_UnknownAgent(t *testing.T) {
	m := NewManager(testStore(t), Options{})

	_, err := m.Book(context.Background(), "ghost", registry.TierBasic, "form_analysis", nil)
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}

func TestBook_TierNotOffered(t *testing.T) {
	store := testStore(t)
	m := NewManager(store, Options{})

	_, err := m.Book(context.Background(), "coach-1", registry.TierPremium, "form_analysis", nil)
	assert.ErrorIs(t, err, registry.ErrTierNotFound)
	assert.Zero(t, slotsFilled(t, store, registry.TierBasic))
}

func TestBook_CapacityExhaustedCarriesHint(t *testing.T) {
	store := testStore(t)
	m := NewManager(store, Options{})

	for i := 0; i < 2; i++ {
		_, err := m.Book(context.Background(), "coach-1", registry.TierPro, "form_analysis", nil)
		require.NoError(t, err)
	}

	_, err := m.Book(context.Background(), "coach-1", registry.TierPro, "form_analysis", nil)
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, registry.TierPro, capErr.Tier)
	assert.Equal(t, int64(1700000123000), capErr.NextAvailable)
}

// A capability miss is detected after the reservation, so the slot must
// come back.
func TestBook_CapabilityMissReleasesSlot(t *testing.T) {
	store := testStore(t)
	m := NewManager(store, Options{})

	_, err := m.Book(context.Background(), "coach-1", registry.TierBasic, "mind_reading", nil)
	assert.ErrorIs(t, err, ErrNotBookable)
	assert.Zero(t, slotsFilled(t, store, registry.TierBasic))
}

func TestBook_ConcurrentNeverExceedsSlots(t *testing.T) {
	store := testStore(t)
	m := NewManager(store, Options{})

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Book(context.Background(), "coach-1", registry.TierBasic, "form_analysis", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	booked := 0
	for err := range errs {
		if err == nil {
			booked++
		}
	}
	assert.Equal(t, 3, booked)
	assert.Equal(t, 3, slotsFilled(t, store, registry.TierBasic))
	assert.Equal(t, 3, m.Active())
}

func TestGet_ScopedToAgent(t *testing.T) {
	m := NewManager(testStore(t), Options{})

	b, err := m.Book(context.Background(), "coach-1", registry.TierBasic, "form_analysis", nil)
	require.NoError(t, err)

	got, err := m.Get(context.Background(), "coach-1", b.BookingID)
	require.NoError(t, err)
	assert.Equal(t, b.BookingID, got.BookingID)

	_, err = m.Get(context.Background(), "other-agent", b.BookingID)
	assert.ErrorIs(t, err, ErrBookingNotFound)

	_, err = m.Get(context.Background(), "coach-1", "bk_unknown")
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestComplete_FreesSlotAndReportsSLA(t *testing.T) {
	store := testStore(t)
	m := NewManager(store, Options{})

	b, err := m.Book(context.Background(), "coach-1", registry.TierPro, "form_analysis", nil)
	require.NoError(t, err)

	done, perf, err := m.Complete(context.Background(), "coach-1", b.BookingID, 1500, "0xabc")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "0xabc", done.TxHash)
	assert.True(t, perf.WithinSLA)
	assert.Equal(t, int64(2000), perf.ExpectedMs)
	assert.Zero(t, slotsFilled(t, store, registry.TierPro))
}

func TestComplete_BreachReported(t *testing.T) {
	m := NewManager(testStore(t), Options{})

	b, err := m.Book(context.Background(), "coach-1", registry.TierPro, "form_analysis", nil)
	require.NoError(t, err)

	_, perf, err := m.Complete(context.Background(), "coach-1", b.BookingID, 9000, "")
	require.NoError(t, err)
	assert.False(t, perf.WithinSLA)
}

func TestComplete_Twice(t *testing.T) {
	m := NewManager(testStore(t), Options{})

	b, err := m.Book(context.Background(), "coach-1", registry.TierBasic, "form_analysis", nil)
	require.NoError(t, err)

	_, _, err = m.Complete(context.Background(), "coach-1", b.BookingID, 100, "")
	require.NoError(t, err)

	_, _, err = m.Complete(context.Background(), "coach-1", b.BookingID, 100, "")
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestExpiry_LazyOnGet(t *testing.T) {
	store := testStore(t)
	m := NewManager(store, Options{TTL: time.Hour})

	b, err := m.Book(context.Background(), "coach-1", registry.TierBasic, "form_analysis", nil)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	got, err := m.Get(context.Background(), "coach-1", b.BookingID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Zero(t, slotsFilled(t, store, registry.TierBasic), "lazy expiry reclaims the slot")

	_, _, err = m.Complete(context.Background(), "coach-1", b.BookingID, 100, "")
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestSweepExpired(t *testing.T) {
	store := testStore(t)
	m := NewManager(store, Options{TTL: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := m.Book(context.Background(), "coach-1", registry.TierBasic, "form_analysis", nil)
		require.NoError(t, err)
	}
	require.Equal(t, 2, slotsFilled(t, store, registry.TierBasic))

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	assert.Equal(t, 2, m.SweepExpired(context.Background()))
	assert.Zero(t, slotsFilled(t, store, registry.TierBasic))
	assert.Zero(t, m.Active())

	// Second sweep finds nothing and eventually drops the closed records.
	assert.Zero(t, m.SweepExpired(context.Background()))
}

func TestSweeper_StartStop(t *testing.T) {
	m := NewManager(testStore(t), Options{})
	s := NewSweeper(m, 10*time.Millisecond, slog.Default())

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)

	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestCalculateSLAPerformance_BoundaryIsWithin(t *testing.T) {
	perf := CalculateSLAPerformance(registry.TierPro, 2000, 2000)
	assert.True(t, perf.WithinSLA)
}
