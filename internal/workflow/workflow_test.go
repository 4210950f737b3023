package workflow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitrack/internal/domain"
	"unitrack/internal/workflow"
)

func TestTransitionTableEdges(t *testing.T) {
	tbl := workflow.Default().Table
	cases := []struct {
		from   domain.State
		action domain.Action
		to     domain.State
	}{
		{domain.StateWarehouse, domain.ActionDispatch, domain.StateInTransit},
		{domain.StateInTransit, domain.ActionConfirmDelivery, domain.StateInUse},
		{domain.StateInUse, domain.ActionFlagCollection, domain.StatePendingCollection},
		{domain.StateInUse, domain.ActionStartCleaning, domain.StateInUse},
		{domain.StateInUse, domain.ActionCleaningDone, domain.StateInUse},
		{domain.StatePendingCollection, domain.ActionConfirmCollected, domain.StatePendingCleaning},
		{domain.StatePendingCleaning, domain.ActionCleaningDone, domain.StateWarehouse},
		{domain.StatePendingCleaning, domain.ActionMarkAvailable, domain.StateWarehouse},
		{domain.StateUnderRepair, domain.ActionRepairDone, domain.StateWarehouse},
	}
	for _, tc := range cases {
		next, ok := tbl.NextState(tc.from, tc.action)
		require.True(t, ok, "%s --%s-->", tc.from, tc.action)
		assert.Equal(t, tc.to, next)
	}
	for _, s := range []domain.State{domain.StateWarehouse, domain.StateInTransit, domain.StateInUse, domain.StatePendingCollection, domain.StatePendingCleaning} {
		next, ok := tbl.NextState(s, domain.ActionSendToRepair)
		require.True(t, ok, "send-to-repair from %s", s)
		assert.Equal(t, domain.StateUnderRepair, next)
	}
}

func TestTransitionTableRejectsAbsentEdges(t *testing.T) {
	tbl := workflow.Default().Table
	_, ok := tbl.NextState(domain.StateUnderRepair, domain.ActionConfirmDelivery)
	assert.False(t, ok)
	_, ok = tbl.NextState(domain.StateUnderRepair, domain.ActionSendToRepair)
	assert.False(t, ok)
	_, ok = tbl.NextState(domain.StateWarehouse, domain.ActionRepairDone)
	assert.False(t, ok)
	_, ok = tbl.NextState("nowhere", domain.ActionDispatch)
	assert.False(t, ok)
	_, ok = tbl.NextState(domain.StateWarehouse, "teleport")
	assert.False(t, ok)
}

func TestRequiresSignature(t *testing.T) {
	tbl := workflow.Default().Table
	signed := map[domain.Action]bool{
		domain.ActionDispatch:         true,
		domain.ActionConfirmDelivery:  true,
		domain.ActionConfirmCollected: true,
	}
	for _, a := range tbl.Actions() {
		assert.Equal(t, signed[a.ID], tbl.RequiresSignature(a.ID), "action %s", a.ID)
	}
}

func TestAccessPolicy(t *testing.T) {
	p := workflow.Default().Policy
	assert.True(t, p.Permits(domain.RoleDelivery, domain.ActionDispatch))
	assert.True(t, p.Permits(domain.RoleWarehouse, domain.ActionConfirmCollected))
	assert.False(t, p.Permits(domain.RoleCleaner, domain.ActionFlagCollection))
	assert.False(t, p.Permits(domain.RoleDelivery, domain.ActionRepairDone))
	assert.False(t, p.Permits("visitor", domain.ActionDispatch))
	assert.False(t, p.Permits("", domain.ActionDispatch))
	for _, a := range workflow.Default().Table.Actions() {
		assert.True(t, p.Permits(domain.RoleAdmin, a.ID), "admin %s", a.ID)
	}
	assert.Equal(t, domain.RoleAdmin, p.SuperRole())
	assert.Len(t, p.Roles(), 6)
}

func TestPermittedActions(t *testing.T) {
	wf := workflow.Default()
	assert.Equal(t, []domain.Action{domain.ActionStartCleaning, domain.ActionCleaningDone}, wf.PermittedActions(domain.RoleCleaner, domain.StateInUse))
	assert.Equal(t, []domain.Action{domain.ActionDispatch}, wf.PermittedActions(domain.RoleDelivery, domain.StateWarehouse))
	assert.Empty(t, wf.PermittedActions(domain.RoleDelivery, domain.StateUnderRepair))
	assert.Equal(t, wf.Table.Outgoing(domain.StatePendingCleaning), wf.PermittedActions(domain.RoleAdmin, domain.StatePendingCleaning))
}

func TestStateInfo(t *testing.T) {
	tbl := workflow.Default().Table
	info := tbl.StateInfo(domain.StateWarehouse)
	assert.Equal(t, "#22c55e", info.Color)
	assert.Equal(t, "Warehouse", info.Name)
	assert.Equal(t, "mystery", tbl.StateInfo("mystery").Name)
	assert.Len(t, tbl.Transitions(), 14)
}

func TestParseRejectsUnknownReferences(t *testing.T) {
	doc := []byte(`
states:
  - id: a
actions:
  - id: go
transitions:
  a:
    fly: a
roles: {}
`)
	_, err := workflow.Parse(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action fly")

	doc = []byte(`
states:
  - id: a
actions:
  - id: go
transitions: {}
roles:
  r:
    actions: [run]
`)
	_, err = workflow.Parse(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action run")
}
