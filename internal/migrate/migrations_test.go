package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitrack/internal/db"
	"unitrack/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v, err := migrate.Version(conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))
	v, err = migrate.Version(conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('units','ledger')`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestLedgerRowsAreImmutable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	_, err = conn.Exec(`INSERT INTO units(unit_id,name,current_status,created_at,updated_at) VALUES ('U1','u','warehouse','t','t')`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO ledger(event_id,idempotency_key,unit_id,action_kind,actor_id,actor_role,status_before,status_after,applied_at)
		VALUES ('e1','k1','U1','dispatch','a','delivery','warehouse','in-transit','t')`)
	require.NoError(t, err)

	_, err = conn.Exec(`UPDATE ledger SET notes='x' WHERE event_id='e1'`)
	assert.Error(t, err)
	_, err = conn.Exec(`DELETE FROM ledger WHERE event_id='e1'`)
	assert.Error(t, err)
}

func TestDeviceSetIsSeparate(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: db.DeviceDB})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.MigrateDevice(conn))

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='outbox'`).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='ledger'`).Scan(&n))
	assert.Equal(t, 0, n)
}
