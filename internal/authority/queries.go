package authority

import (
	"context"
	"fmt"
	"strings"

	"unitrack/internal/domain"
	"unitrack/internal/repo"
	"unitrack/internal/workflow"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Snapshot is a unit as seen by a caller holding role.
type Snapshot struct {
	Unit             domain.Unit        `json:"unit"`
	StateInfo        workflow.StateInfo `json:"state_info"`
	AvailableActions []domain.Action    `json:"available_actions"`
}

func (a Authority) snapshot(u domain.Unit, role domain.Role) Snapshot {
	return Snapshot{
		Unit:             u,
		StateInfo:        a.Workflow.Table.StateInfo(u.Status),
		AvailableActions: a.Workflow.PermittedActions(role, u.Status),
	}
}

// Snapshot returns the unit and the actions role may take from its current
// state.
func (a Authority) Snapshot(ctx context.Context, unitID string, role domain.Role) (Snapshot, error) {
	u, err := a.Units.GetUnit(ctx, unitID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("unit %s: %w", unitID, err)
	}
	return a.snapshot(u, role), nil
}

// ListUnits returns snapshots of every unit matching f.
func (a Authority) ListUnits(ctx context.Context, f repo.UnitFilters, role domain.Role) ([]Snapshot, error) {
	units, err := a.Units.ListUnits(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(units))
	for _, u := range units {
		out = append(out, a.snapshot(u, role))
	}
	return out, nil
}

func NormalizeLimit(in int) int {
	if in <= 0 {
		return defaultHistoryLimit
	}
	if in > maxHistoryLimit {
		return maxHistoryLimit
	}
	return in
}

// History returns the unit's ledger entries most recent first.
func (a Authority) History(ctx context.Context, unitID string, limit int) ([]domain.LedgerEntry, error) {
	if _, err := a.Units.GetUnit(ctx, unitID); err != nil {
		return nil, fmt.Errorf("unit %s: %w", unitID, err)
	}
	return a.Ledger.ListByUnit(ctx, unitID, NormalizeLimit(limit))
}

// Stats counts applied entries per action kind for unitID, or for the whole
// ledger when unitID is empty.
func (a Authority) Stats(ctx context.Context, unitID string) (map[domain.Action]int, error) {
	if unitID != "" {
		if _, err := a.Units.GetUnit(ctx, unitID); err != nil {
			return nil, fmt.Errorf("unit %s: %w", unitID, err)
		}
	}
	return a.Ledger.CountByAction(ctx, unitID)
}

type CreateUnitOptions struct {
	ID         string
	Name       string
	Status     domain.State
	Location   string
	AssignedTo string
}

// CreateUnit registers a unit. The initial status defaults to warehouse.
func (a Authority) CreateUnit(ctx context.Context, opts CreateUnitOptions) (domain.Unit, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return domain.Unit{}, fmt.Errorf("unit id is required")
	}
	if len(id) > 64 {
		return domain.Unit{}, fmt.Errorf("unit id must be at most 64 characters")
	}
	status := opts.Status
	if status == "" {
		status = domain.StateWarehouse
	}
	if !a.Workflow.Table.IsState(status) {
		return domain.Unit{}, fmt.Errorf("invalid status %s", status)
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = id
	}
	ts := a.now()
	u := domain.Unit{
		ID:         id,
		Name:       name,
		Status:     status,
		Location:   opts.Location,
		AssignedTo: opts.AssignedTo,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	if err := a.Units.InsertUnit(ctx, u); err != nil {
		return domain.Unit{}, err
	}
	a.Logger.Info().Str("unit_id", u.ID).Str("status", string(u.Status)).Msg("unit created")
	return u, nil
}
