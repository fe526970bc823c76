package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/testutil"
)

func TestPostgresGateway_PutGetRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	gw := NewPostgresGateway(db)
	ctx := context.Background()

	profile := testProfile("coach-pg")
	profile.Type = TypeDynamic
	profile.Status = StatusActive
	profile.ReputationScore = 61
	require.NoError(t, gw.Put(ctx, &profile))

	got, err := gw.Get(ctx, "coach-pg")
	require.NoError(t, err)
	assert.Equal(t, profile.ID, got.ID)
	assert.Equal(t, profile.Capabilities, got.Capabilities)
	assert.Equal(t, 61, got.ReputationScore)
	assert.Equal(t, profile.ServiceAvailability, got.ServiceAvailability)
}

func TestPostgresGateway_GetMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	_, err := NewPostgresGateway(db).Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestPostgresGateway_PutUpsertsByID(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	gw := NewPostgresGateway(db)
	ctx := context.Background()

	profile := testProfile("coach-pg")
	require.NoError(t, gw.Put(ctx, &profile))

	profile.Name = "Renamed Coach"
	require.NoError(t, gw.Put(ctx, &profile))

	got, err := gw.Get(ctx, "coach-pg")
	require.NoError(t, err)
	assert.Equal(t, "Renamed Coach", got.Name)

	all, err := gw.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPostgresGateway_ListByOwnerIsCaseInsensitive(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	gw := NewPostgresGateway(db)
	ctx := context.Background()

	a := testProfile("coach-a")
	b := testProfile("coach-b")
	other := testProfile("coach-c")
	other.Signer = "0x9999999999999999999999999999999999999999"

	for _, p := range []AgentProfile{a, b, other} {
		require.NoError(t, gw.Put(ctx, &p))
	}

	owned, err := gw.ListByOwner(ctx, "0XABC1230000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}

func TestStoreWithPostgres_HydrateAfterRestart(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	gw := NewPostgresGateway(db)
	ctx := context.Background()

	first := NewStore(Options{DevMode: true, Gateway: gw})
	mustRegister(t, first, testProfile("coach-durable"))
	first.Close()

	// A fresh store simulates a process restart.
	second := NewStore(Options{DevMode: true, Gateway: gw})
	second.Hydrate(ctx)

	agent, err := second.GetByID("coach-durable")
	require.NoError(t, err)
	assert.Equal(t, "Test Coach", agent.Name)
}
