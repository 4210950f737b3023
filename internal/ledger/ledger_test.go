package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitrack/internal/db"
	"unitrack/internal/domain"
	"unitrack/internal/ledger"
	"unitrack/internal/migrate"
)

func newLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	_, err = conn.Exec(`INSERT INTO units(unit_id,name,current_status,created_at,updated_at) VALUES ('UN001','one','warehouse','t','t'),('UN002','two','warehouse','t','t')`)
	require.NoError(t, err)
	return ledger.Ledger{DB: conn}
}

func entry(unitID, key string, action domain.Action, appliedAt string) domain.LedgerEntry {
	return domain.LedgerEntry{
		EventID: "evt-" + key,
		ActionIntent: domain.ActionIntent{
			IdempotencyKey: key,
			UnitID:         unitID,
			Action:         action,
			ActorID:        "delivery001",
			ActorRole:      domain.RoleDelivery,
		},
		StatusBefore: domain.StateWarehouse,
		StatusAfter:  domain.StateInTransit,
		AppliedAt:    appliedAt,
	}
}

func appendOne(t *testing.T, l ledger.Ledger, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	t.Helper()
	tx, err := l.DB.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	out, err := l.Append(context.Background(), tx, e)
	if err != nil {
		return out, err
	}
	require.NoError(t, tx.Commit())
	return out, nil
}

func TestAppendAndLookup(t *testing.T) {
	l := newLedger(t)
	e := entry("UN001", "k1", domain.ActionDispatch, "2024-01-01T00:00:00Z")
	e.Signature = "sig"
	e.Geo = &domain.Geo{Lat: 19.4, Lng: -99.1}
	e.Notes = "left at gate"

	stored, err := appendOne(t, l, e)
	require.NoError(t, err)
	assert.NotZero(t, stored.Seq)

	got, err := l.GetByIdempotencyKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, stored, got)

	_, err = l.GetByIdempotencyKey(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAppendRejectsDuplicateKey(t *testing.T) {
	l := newLedger(t)
	_, err := appendOne(t, l, entry("UN001", "k1", domain.ActionDispatch, "2024-01-01T00:00:00Z"))
	require.NoError(t, err)

	dup := entry("UN002", "k1", domain.ActionDispatch, "2024-01-01T00:00:01Z")
	dup.EventID = "evt-other"
	_, err = appendOne(t, l, dup)
	assert.ErrorIs(t, err, ledger.ErrDuplicateKey)

	all, err := l.After(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListByUnitMostRecentFirst(t *testing.T) {
	l := newLedger(t)
	for i := 1; i <= 4; i++ {
		_, err := appendOne(t, l, entry("UN001", fmt.Sprintf("k%d", i), domain.ActionDispatch, fmt.Sprintf("2024-01-01T00:00:0%dZ", i)))
		require.NoError(t, err)
	}
	_, err := appendOne(t, l, entry("UN002", "other", domain.ActionSendToRepair, "2024-01-01T00:00:09Z"))
	require.NoError(t, err)

	items, err := l.ListByUnit(context.Background(), "UN001", 0)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, "k4", items[0].IdempotencyKey)
	assert.Equal(t, "k1", items[3].IdempotencyKey)

	limited, err := l.ListByUnit(context.Background(), "UN001", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "k3", limited[1].IdempotencyKey)

	seq, err := l.LatestSeq(context.Background())
	require.NoError(t, err)
	after, err := l.After(context.Background(), seq-2, 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "k4", after[0].IdempotencyKey)
	assert.Equal(t, "other", after[1].IdempotencyKey)

	counts, err := l.CountByAction(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, map[domain.Action]int{domain.ActionDispatch: 4, domain.ActionSendToRepair: 1}, counts)
	counts, err = l.CountByAction(context.Background(), "UN002")
	require.NoError(t, err)
	assert.Equal(t, map[domain.Action]int{domain.ActionSendToRepair: 1}, counts)
}

func TestAppendMapsDriverUniqueError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: ledger.idempotency_key (2067)"))
	mock.ExpectRollback()

	l := ledger.Ledger{DB: conn}
	tx, err := conn.Begin()
	require.NoError(t, err)
	_, err = l.Append(context.Background(), tx, entry("UN001", "k1", domain.ActionDispatch, "t"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateKey)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendWrapsOtherErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	tx, err := conn.Begin()
	require.NoError(t, err)
	_, err = ledger.Ledger{DB: conn}.Append(context.Background(), tx, entry("UN001", "k1", domain.ActionDispatch, "t"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrDuplicateKey)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}
