package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitrack/internal/db"
	"unitrack/internal/domain"
	"unitrack/internal/migrate"
	"unitrack/internal/outbox"
)

func openOutbox(t *testing.T, workspace string) outbox.Outbox {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: workspace, Name: db.DeviceDB})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.MigrateDevice(conn))
	return outbox.Outbox{DB: conn}
}

func intent(key string) domain.ActionIntent {
	return domain.ActionIntent{
		IdempotencyKey: key,
		UnitID:         "UN001",
		Action:         domain.ActionDispatch,
		ActorID:        "delivery001",
		ActorRole:      domain.RoleDelivery,
		Signature:      "sig",
		Geo:            &domain.Geo{Lat: 1.5, Lng: 2.5},
	}
}

func TestFIFOAndConfirm(t *testing.T) {
	ob := openOutbox(t, t.TempDir())
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_, err := ob.Enqueue(ctx, intent(k))
		require.NoError(t, err)
	}
	_, err := ob.Enqueue(ctx, intent("b"))
	assert.ErrorIs(t, err, outbox.ErrDuplicateKey)

	rec, err := ob.PeekOldest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Intent.IdempotencyKey)
	assert.Equal(t, domain.DeliveryQueued, rec.State)
	assert.Equal(t, &domain.Geo{Lat: 1.5, Lng: 2.5}, rec.Intent.Geo)

	require.NoError(t, ob.MarkInFlight(ctx, "a"))
	require.NoError(t, ob.MarkConfirmed(ctx, "a", "evt-1"))
	_, err = ob.Get(ctx, "a")
	assert.ErrorIs(t, err, outbox.ErrNotFound)

	rec, err = ob.PeekOldest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", rec.Intent.IdempotencyKey)

	pending, err := ob.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].Intent.IdempotencyKey)
	assert.Equal(t, "c", pending[1].Intent.IdempotencyKey)

	stats, err := ob.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.NotEmpty(t, stats.LastConfirmedAt)
}

func TestRetryKeepsRecordQueued(t *testing.T) {
	ob := openOutbox(t, t.TempDir())
	ctx := context.Background()
	_, err := ob.Enqueue(ctx, intent("a"))
	require.NoError(t, err)

	require.NoError(t, ob.MarkInFlight(ctx, "a"))
	next := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ob.MarkRetry(ctx, "a", "dial tcp: connection refused", next))
	require.NoError(t, ob.MarkInFlight(ctx, "a"))
	require.NoError(t, ob.MarkRetry(ctx, "a", "timeout", next))

	rec, err := ob.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryQueued, rec.State)
	assert.Equal(t, 2, rec.AttemptCount)
	assert.Equal(t, "timeout", rec.LastError)
	assert.Equal(t, next.Format(domain.TimeFormat), rec.NextAttemptAt)
}

func TestRejectAndDiscard(t *testing.T) {
	ob := openOutbox(t, t.TempDir())
	ctx := context.Background()
	_, err := ob.Enqueue(ctx, intent("a"))
	require.NoError(t, err)
	_, err = ob.Enqueue(ctx, intent("b"))
	require.NoError(t, err)

	assert.ErrorIs(t, ob.Discard(ctx, "a"), outbox.ErrNotRejected)

	require.NoError(t, ob.MarkRejected(ctx, "a", domain.OutcomeForbidden, "role delivery may not perform dispatch"))
	rec, err := ob.PeekOldest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", rec.Intent.IdempotencyKey)

	rejected, err := ob.ListRejected(ctx)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, domain.OutcomeForbidden, rejected[0].RejectionCode)
	assert.Equal(t, 1, rejected[0].AttemptCount)

	// A rejected record is not confirmable by a late response.
	assert.ErrorIs(t, ob.MarkConfirmed(ctx, "a", "evt"), outbox.ErrNotFound)

	require.NoError(t, ob.Discard(ctx, "a"))
	_, err = ob.Get(ctx, "a")
	assert.ErrorIs(t, err, outbox.ErrNotFound)
	assert.ErrorIs(t, ob.Discard(ctx, "missing"), outbox.ErrNotFound)
}

func TestDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	{
		conn, err := db.Open(db.Config{Workspace: dir, Name: db.DeviceDB})
		require.NoError(t, err)
		require.NoError(t, migrate.MigrateDevice(conn))
		ob := outbox.Outbox{DB: conn}
		_, err = ob.Enqueue(ctx, intent("a"))
		require.NoError(t, err)
		require.NoError(t, ob.MarkInFlight(ctx, "a"))
		require.NoError(t, conn.Close())
	}
	ob := openOutbox(t, dir)
	rec, err := ob.PeekOldest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Intent.IdempotencyKey)
	assert.Equal(t, domain.DeliveryInFlight, rec.State)

	stats, err := ob.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Pending: 1, InFlight: 1}, stats)
}

func TestPeekOldestEmpty(t *testing.T) {
	ob := openOutbox(t, t.TempDir())
	_, err := ob.PeekOldest(context.Background())
	assert.ErrorIs(t, err, outbox.ErrEmpty)
}
