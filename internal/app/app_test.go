package app

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitrack/internal/config"
	"unitrack/internal/domain"
	"unitrack/internal/repo"
	"unitrack/internal/syncer"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Workspace = t.TempDir()
	return cfg
}

func TestOpenServerAndSeed(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	srv, err := OpenServer(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()
	assert.Nil(t, srv.Feed)

	created, err := SeedDemo(ctx, srv.Authority)
	require.NoError(t, err)
	require.Len(t, created, 6)

	again, err := SeedDemo(ctx, srv.Authority)
	require.NoError(t, err)
	assert.Empty(t, again)

	counts, err := srv.Authority.Units.CountUnitsByStatus(ctx)
	require.NoError(t, err)
	for _, st := range srv.Authority.Workflow.Table.States() {
		assert.Equal(t, 1, counts[st.ID], st.ID)
	}

	u, err := srv.Authority.Units.GetUnit(ctx, "UN003")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInUse, u.Status)
	assert.Equal(t, "delivery001", u.AssignedTo)
}

func TestOpenServerRejectsUnknownLockBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lock.Backend = "etcd"
	_, err := OpenServer(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}

func TestNewLockerMemory(t *testing.T) {
	l, closeFn, err := NewLocker(context.Background(), config.LockConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.Nil(t, closeFn)
	unlock, err := l.Lock(context.Background(), "UN001")
	require.NoError(t, err)
	unlock()
}

func TestDeviceSubmitsThroughLocalTransport(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	srv, err := OpenServer(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()
	_, err = SeedDemo(ctx, srv.Authority)
	require.NoError(t, err)

	dev, err := OpenDevice(cfg, syncer.LocalTransport{Authority: srv.Authority}, zerolog.Nop())
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, cfg.Device.DrainInterval, dev.Coordinator.Interval)

	res, err := dev.Coordinator.Submit(ctx, domain.ActionIntent{
		IdempotencyKey: "seed-k1",
		UnitID:         "UN001",
		Action:         domain.ActionDispatch,
		ActorID:        "delivery001",
		ActorRole:      domain.RoleDelivery,
		Signature:      "sig-ref",
		Geo:            &domain.Geo{Lat: 14.69, Lng: -17.44},
	})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)

	u, err := srv.Authority.Units.GetUnit(ctx, "UN001")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInTransit, u.Status)

	_, err = srv.Authority.Units.GetUnit(ctx, "UN999")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
