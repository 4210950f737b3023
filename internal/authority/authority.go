package authority

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"unitrack/internal/domain"
	"unitrack/internal/ledger"
	"unitrack/internal/lock"
	"unitrack/internal/repo"
	"unitrack/internal/workflow"
)

// Authority validates and applies actions against the current unit state.
type Authority struct {
	DB       *sql.DB
	Units    repo.Repo
	Ledger   ledger.Ledger
	Workflow *workflow.Workflow
	Locker   lock.Locker
	Logger   zerolog.Logger
	Now      func() time.Time
	NewID    func() string
}

func New(db *sql.DB, wf *workflow.Workflow) Authority {
	if wf == nil {
		wf = workflow.Default()
	}
	return Authority{
		DB:       db,
		Units:    repo.Repo{DB: db},
		Ledger:   ledger.Ledger{DB: db},
		Workflow: wf,
		Locker:   lock.NewKeyedMutex(),
		Logger:   zerolog.Nop(),
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

func (a Authority) now() string {
	if a.Now != nil {
		return a.Now().UTC().Format(domain.TimeFormat)
	}
	return time.Now().UTC().Format(domain.TimeFormat)
}

func (a Authority) newID() string {
	if a.NewID != nil {
		return a.NewID()
	}
	return uuid.NewString()
}

// Result is the outcome of Apply. Entry is set for applied and duplicate
// outcomes; Reason explains a rejection.
type Result struct {
	Outcome domain.Outcome      `json:"outcome"`
	Entry   *domain.LedgerEntry `json:"entry,omitempty"`
	Reason  string              `json:"reason,omitempty"`
}

// Err returns nil for accepted outcomes and a *RejectedError otherwise.
func (r Result) Err() error {
	if r.Outcome.Accepted() {
		return nil
	}
	return &RejectedError{Outcome: r.Outcome, Reason: r.Reason}
}

func rejected(outcome domain.Outcome, format string, args ...any) Result {
	return Result{Outcome: outcome, Reason: fmt.Sprintf(format, args...)}
}

// Apply runs intent against unitID. Checks run in a fixed order and the
// first failing one decides the outcome: unit existence, idempotency key,
// role grant, transition edge, signature. A non-nil error means the outcome
// is unknown and the call may be retried with the same intent.
func (a Authority) Apply(ctx context.Context, unitID string, intent domain.ActionIntent) (Result, error) {
	if intent.UnitID == "" {
		intent.UnitID = unitID
	}
	if err := validateIntent(unitID, intent); err != nil {
		return Result{}, err
	}

	unlock, err := a.Locker.Lock(ctx, unitID)
	if err != nil {
		return Result{}, fmt.Errorf("lock unit %s: %w", unitID, err)
	}
	defer unlock()

	res, err := a.apply(ctx, unitID, intent)
	if err != nil {
		a.Logger.Error().Err(err).Str("unit_id", unitID).Str("idempotency_key", intent.IdempotencyKey).Msg("apply failed")
		return Result{}, err
	}
	evt := a.Logger.Info()
	if !res.Outcome.Accepted() {
		evt = a.Logger.Warn().Str("reason", res.Reason)
	}
	evt.Str("unit_id", unitID).
		Str("action", string(intent.Action)).
		Str("actor_id", intent.ActorID).
		Str("outcome", string(res.Outcome)).
		Str("idempotency_key", intent.IdempotencyKey).
		Msg("action processed")
	return res, nil
}

func (a Authority) apply(ctx context.Context, unitID string, intent domain.ActionIntent) (Result, error) {
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	unit, err := a.Units.GetUnitTx(ctx, tx, unitID)
	if errors.Is(err, repo.ErrNotFound) {
		return rejected(domain.OutcomeUnitNotFound, "unit %s not found", unitID), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load unit: %w", err)
	}

	existing, err := a.Ledger.GetByIdempotencyKeyTx(ctx, tx, intent.IdempotencyKey)
	if err == nil {
		return Result{Outcome: domain.OutcomeDuplicate, Entry: &existing}, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return Result{}, fmt.Errorf("lookup idempotency key: %w", err)
	}

	if !a.Workflow.Policy.Permits(intent.ActorRole, intent.Action) {
		return rejected(domain.OutcomeForbidden, "role %s may not perform %s", intent.ActorRole, intent.Action), nil
	}
	next, ok := a.Workflow.Table.NextState(unit.Status, intent.Action)
	if !ok {
		return rejected(domain.OutcomeInvalidTransition, "no %s transition from %s", intent.Action, unit.Status), nil
	}
	if a.Workflow.Table.RequiresSignature(intent.Action) && strings.TrimSpace(intent.Signature) == "" {
		return rejected(domain.OutcomeSignatureRequired, "%s requires a signature", intent.Action), nil
	}

	appliedAt := a.now()
	entry, err := a.Ledger.Append(ctx, tx, domain.LedgerEntry{
		EventID:      a.newID(),
		ActionIntent: intent,
		StatusBefore: unit.Status,
		StatusAfter:  next,
		AppliedAt:    appliedAt,
	})
	if errors.Is(err, ledger.ErrDuplicateKey) {
		// Another writer won the key between our lookup and insert.
		tx.Rollback()
		original, lerr := a.Ledger.GetByIdempotencyKey(ctx, intent.IdempotencyKey)
		if lerr != nil {
			return Result{}, fmt.Errorf("reload duplicate: %w", lerr)
		}
		return Result{Outcome: domain.OutcomeDuplicate, Entry: &original}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if err := a.Units.UpdateUnitStatusTx(ctx, tx, unitID, next, intent.TargetLocation, appliedAt); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Outcome: domain.OutcomeApplied, Entry: &entry}, nil
}

func validateIntent(unitID string, intent domain.ActionIntent) error {
	fields := intent.Validate()
	if strings.TrimSpace(unitID) == "" {
		fields = append(fields, domain.FieldError{Field: "unit_id", Rule: "required"})
	} else if intent.UnitID != unitID {
		fields = append(fields, domain.FieldError{Field: "unit_id", Rule: "eqfield", Param: unitID})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
