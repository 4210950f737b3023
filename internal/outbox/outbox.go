package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"unitrack/internal/db"
	"unitrack/internal/domain"
)

var (
	ErrNotFound     = errors.New("outbox record not found")
	ErrEmpty        = errors.New("outbox has no pending records")
	ErrDuplicateKey = errors.New("intent already queued")
	ErrNotRejected  = errors.New("only rejected records can be discarded")
)

// Outbox is the device-local durable queue of intents awaiting confirmation.
// Order is insertion order on this device only.
type Outbox struct {
	DB  *sql.DB
	Now func() time.Time
}

type Stats struct {
	Pending         int    `json:"pending"`
	InFlight        int    `json:"in_flight"`
	Rejected        int    `json:"rejected"`
	LastConfirmedAt string `json:"last_confirmed_at,omitempty"`
}

func (o Outbox) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

const recordColumns = `seq,intent_json,delivery_state,attempt_count,COALESCE(last_error,''),COALESCE(rejection_code,''),COALESCE(event_id,''),COALESCE(next_attempt_at,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.OutboxRecord, error) {
	var r domain.OutboxRecord
	var intentJSON, state, code string
	err := row.Scan(&r.Seq, &intentJSON, &state, &r.AttemptCount, &r.LastError, &code, &r.EventID, &r.NextAttemptAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(intentJSON), &r.Intent); err != nil {
		return r, fmt.Errorf("decode intent %d: %w", r.Seq, err)
	}
	r.State = domain.DeliveryState(state)
	r.RejectionCode = domain.Outcome(code)
	return r, nil
}

// Enqueue stores intent as queued.
func (o Outbox) Enqueue(ctx context.Context, intent domain.ActionIntent) (domain.OutboxRecord, error) {
	if intent.IdempotencyKey == "" {
		return domain.OutboxRecord{}, fmt.Errorf("idempotency key is required")
	}
	data, err := json.Marshal(intent)
	if err != nil {
		return domain.OutboxRecord{}, err
	}
	ts := o.now().Format(domain.TimeFormat)
	res, err := o.DB.ExecContext(ctx, `INSERT INTO outbox(idempotency_key,unit_id,intent_json,delivery_state,attempt_count,created_at,updated_at) VALUES (?,?,?,?,0,?,?)`,
		intent.IdempotencyKey, intent.UnitID, string(data), string(domain.DeliveryQueued), ts, ts)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return domain.OutboxRecord{}, ErrDuplicateKey
		}
		return domain.OutboxRecord{}, fmt.Errorf("enqueue: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.OutboxRecord{}, err
	}
	return domain.OutboxRecord{
		Seq:       seq,
		Intent:    intent,
		State:     domain.DeliveryQueued,
		CreatedAt: ts,
		UpdatedAt: ts,
	}, nil
}

func (o Outbox) Get(ctx context.Context, key string) (domain.OutboxRecord, error) {
	return scanRecord(o.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM outbox WHERE idempotency_key=?`, key))
}

// PeekOldest returns the oldest record not yet confirmed or rejected. A
// record left in-flight by an interrupted drain is returned as well.
func (o Outbox) PeekOldest(ctx context.Context) (domain.OutboxRecord, error) {
	r, err := scanRecord(o.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM outbox WHERE delivery_state IN (?,?) ORDER BY seq LIMIT 1`,
		string(domain.DeliveryQueued), string(domain.DeliveryInFlight)))
	if errors.Is(err, ErrNotFound) {
		return r, ErrEmpty
	}
	return r, err
}

func (o Outbox) MarkInFlight(ctx context.Context, key string) error {
	return o.update(ctx, key, `delivery_state=?`, []any{string(domain.DeliveryInFlight)}, domain.DeliveryQueued, domain.DeliveryInFlight)
}

// MarkConfirmed removes the record. The authority holds its ledger entry.
func (o Outbox) MarkConfirmed(ctx context.Context, key, eventID string) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE idempotency_key=? AND delivery_state IN (?,?)`,
		key, string(domain.DeliveryQueued), string(domain.DeliveryInFlight))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	ts := o.now().Format(domain.TimeFormat)
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbox_meta(key,value) VALUES ('last_confirmed_at',?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, ts); err != nil {
		return err
	}
	if eventID != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO outbox_meta(key,value) VALUES ('last_event_id',?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, eventID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkRejected parks the record until the user discards it.
func (o Outbox) MarkRejected(ctx context.Context, key string, code domain.Outcome, reason string) error {
	return o.update(ctx, key, `delivery_state=?, rejection_code=?, last_error=?, attempt_count=attempt_count+1, next_attempt_at=NULL`,
		[]any{string(domain.DeliveryRejected), string(code), reason}, domain.DeliveryQueued, domain.DeliveryInFlight)
}

// MarkRetry puts the record back in the queue after a transport failure.
func (o Outbox) MarkRetry(ctx context.Context, key, lastErr string, next time.Time) error {
	return o.update(ctx, key, `delivery_state=?, last_error=?, attempt_count=attempt_count+1, next_attempt_at=?`,
		[]any{string(domain.DeliveryQueued), lastErr, next.UTC().Format(domain.TimeFormat)}, domain.DeliveryQueued, domain.DeliveryInFlight)
}

// ListPending returns queued and in-flight records, oldest first.
func (o Outbox) ListPending(ctx context.Context) ([]domain.OutboxRecord, error) {
	return o.list(ctx, `SELECT `+recordColumns+` FROM outbox WHERE delivery_state IN (?,?) ORDER BY seq`,
		string(domain.DeliveryQueued), string(domain.DeliveryInFlight))
}

func (o Outbox) ListRejected(ctx context.Context) ([]domain.OutboxRecord, error) {
	return o.list(ctx, `SELECT `+recordColumns+` FROM outbox WHERE delivery_state=? ORDER BY seq`, string(domain.DeliveryRejected))
}

// Discard drops a rejected record after the user acknowledged it.
func (o Outbox) Discard(ctx context.Context, key string) error {
	r, err := o.Get(ctx, key)
	if err != nil {
		return err
	}
	if r.State != domain.DeliveryRejected {
		return ErrNotRejected
	}
	_, err = o.DB.ExecContext(ctx, `DELETE FROM outbox WHERE idempotency_key=? AND delivery_state=?`, key, string(domain.DeliveryRejected))
	return err
}

func (o Outbox) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := o.DB.QueryContext(ctx, `SELECT delivery_state, COUNT(*) FROM outbox GROUP BY delivery_state`)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return s, err
		}
		switch domain.DeliveryState(state) {
		case domain.DeliveryQueued:
			s.Pending += n
		case domain.DeliveryInFlight:
			s.Pending += n
			s.InFlight = n
		case domain.DeliveryRejected:
			s.Rejected = n
		}
	}
	if err := rows.Err(); err != nil {
		return s, err
	}
	rows.Close()
	err = o.DB.QueryRowContext(ctx, `SELECT value FROM outbox_meta WHERE key='last_confirmed_at'`).Scan(&s.LastConfirmedAt)
	if err != nil && err != sql.ErrNoRows {
		return s, err
	}
	return s, nil
}

func (o Outbox) update(ctx context.Context, key, set string, args []any, from ...domain.DeliveryState) error {
	query := `UPDATE outbox SET ` + set + `, updated_at=? WHERE idempotency_key=?`
	args = append(args, o.now().Format(domain.TimeFormat), key)
	if len(from) > 0 {
		query += ` AND delivery_state IN (`
		for i, s := range from {
			if i > 0 {
				query += `,`
			}
			query += `?`
			args = append(args, string(s))
		}
		query += `)`
	}
	res, err := o.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (o Outbox) list(ctx context.Context, query string, args ...any) ([]domain.OutboxRecord, error) {
	rows, err := o.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.OutboxRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
