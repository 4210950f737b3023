package app

import (
	"context"
	"errors"

	"unitrack/internal/authority"
	"unitrack/internal/domain"
	"unitrack/internal/repo"
)

var demoUnits = []authority.CreateUnitOptions{
	{ID: "UN001", Name: "Portable unit 001", Status: domain.StateWarehouse, Location: "Central depot"},
	{ID: "UN002", Name: "Portable unit 002", Status: domain.StateInTransit, Location: "Route 7"},
	{ID: "UN003", Name: "Portable unit 003", Status: domain.StateInUse, Location: "Market square", AssignedTo: "delivery001"},
	{ID: "UN004", Name: "Portable unit 004", Status: domain.StatePendingCollection, Location: "Harbour gate"},
	{ID: "UN005", Name: "Portable unit 005", Status: domain.StatePendingCleaning, Location: "Central depot"},
	{ID: "UN006", Name: "Portable unit 006", Status: domain.StateUnderRepair, Location: "Workshop"},
}

// SeedDemo registers one demo unit per state. Units that already exist are
// left untouched and not returned.
func SeedDemo(ctx context.Context, a authority.Authority) ([]domain.Unit, error) {
	var created []domain.Unit
	for _, opts := range demoUnits {
		u, err := a.CreateUnit(ctx, opts)
		if errors.Is(err, repo.ErrExists) {
			continue
		}
		if err != nil {
			return created, err
		}
		created = append(created, u)
	}
	return created, nil
}
