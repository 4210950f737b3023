package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"unitrack/internal/db"
	"unitrack/internal/domain"
)

var (
	ErrNotFound = errors.New("ledger entry not found")
	// ErrDuplicateKey reports a storage-level uniqueness violation on the
	// idempotency key. The authority normally sees duplicates before this.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// Ledger is the append-only store of applied intents. There is no update or
// delete path.
type Ledger struct {
	DB *sql.DB
}

const entryColumns = `seq,event_id,idempotency_key,unit_id,action_kind,actor_id,actor_role,
COALESCE(signature,''),COALESCE(photo_reference,''),geo_lat,geo_lng,COALESCE(notes,''),
COALESCE(target_location,''),COALESCE(intent_created_at,''),status_before,status_after,applied_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var action, role, before, after string
	var lat, lng sql.NullFloat64
	err := row.Scan(&e.Seq, &e.EventID, &e.IdempotencyKey, &e.UnitID, &action, &e.ActorID, &role,
		&e.Signature, &e.PhotoRef, &lat, &lng, &e.Notes,
		&e.TargetLocation, &e.CreatedAt, &before, &after, &e.AppliedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Action = domain.Action(action)
	e.ActorRole = domain.Role(role)
	e.StatusBefore = domain.State(before)
	e.StatusAfter = domain.State(after)
	if lat.Valid && lng.Valid {
		e.Geo = &domain.Geo{Lat: lat.Float64, Lng: lng.Float64}
	}
	return e, nil
}

// Append writes entry inside tx and returns it with its seq assigned.
func (l Ledger) Append(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	var lat, lng any
	if e.Geo != nil {
		lat, lng = e.Geo.Lat, e.Geo.Lng
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO ledger(event_id,idempotency_key,unit_id,action_kind,actor_id,actor_role,signature,photo_reference,geo_lat,geo_lng,notes,target_location,intent_created_at,status_before,status_after,applied_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.EventID, e.IdempotencyKey, e.UnitID, string(e.Action), e.ActorID, string(e.ActorRole),
		nullable(e.Signature), nullable(e.PhotoRef), lat, lng, nullable(e.Notes),
		nullable(e.TargetLocation), nullable(e.CreatedAt), string(e.StatusBefore), string(e.StatusAfter), e.AppliedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return e, ErrDuplicateKey
		}
		return e, fmt.Errorf("append ledger entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return e, err
	}
	e.Seq = seq
	return e, nil
}

func (l Ledger) GetByIdempotencyKey(ctx context.Context, key string) (domain.LedgerEntry, error) {
	return scanEntry(l.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger WHERE idempotency_key=?`, key))
}

func (l Ledger) GetByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (domain.LedgerEntry, error) {
	return scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger WHERE idempotency_key=?`, key))
}

// ListByUnit returns the unit's entries most recent first. limit <= 0 means
// no limit.
func (l Ledger) ListByUnit(ctx context.Context, unitID string, limit int) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger WHERE unit_id=? ORDER BY applied_at DESC, seq DESC`
	args := []any{unitID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return l.list(ctx, query, args...)
}

// After returns up to limit entries with seq greater than cursor, oldest first.
func (l Ledger) After(ctx context.Context, cursor int64, limit int) ([]domain.LedgerEntry, error) {
	return l.list(ctx, `SELECT `+entryColumns+` FROM ledger WHERE seq > ? ORDER BY seq ASC LIMIT ?`, cursor, limit)
}

func (l Ledger) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := l.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM ledger`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// CountByAction counts entries per action kind. An empty unitID counts the
// whole ledger.
func (l Ledger) CountByAction(ctx context.Context, unitID string) (map[domain.Action]int, error) {
	query := `SELECT action_kind, COUNT(*) FROM ledger`
	var args []any
	if unitID != "" {
		query += ` WHERE unit_id=?`
		args = append(args, unitID)
	}
	query += ` GROUP BY action_kind`
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Action]int{}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		res[domain.Action(action)] = n
	}
	return res, rows.Err()
}

func (l Ledger) list(ctx context.Context, query string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
