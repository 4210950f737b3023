package server

import (
	"unitrack/internal/authority"
	"unitrack/internal/domain"
	"unitrack/internal/workflow"
)

// Request payloads

// SubmitActionRequest is an intent as sent by a device. Actor fields are
// taken from the authenticated principal.
type SubmitActionRequest struct {
	IdempotencyKey string      `json:"idempotency_key" maxLength:"128"`
	UnitID         string      `json:"unit_id,omitempty"`
	Action         string      `json:"action_kind"`
	Signature      string      `json:"signature,omitempty"`
	PhotoRef       string      `json:"photo_reference,omitempty"`
	Geo            *domain.Geo `json:"geo,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	TargetLocation string      `json:"target_location,omitempty"`
	CreatedAt      string      `json:"created_at,omitempty"`
	ActorID        string      `json:"actor_id,omitempty" doc:"Ignored; the token decides"`
	ActorRole      string      `json:"actor_role,omitempty" doc:"Ignored; the token decides"`
}

func (r SubmitActionRequest) intent(unitID string, p Principal) domain.ActionIntent {
	if r.UnitID == "" {
		r.UnitID = unitID
	}
	return domain.ActionIntent{
		IdempotencyKey: r.IdempotencyKey,
		UnitID:         r.UnitID,
		Action:         domain.Action(r.Action),
		ActorID:        p.ActorID,
		ActorRole:      p.Role,
		Signature:      r.Signature,
		PhotoRef:       r.PhotoRef,
		Geo:            r.Geo,
		Notes:          r.Notes,
		TargetLocation: r.TargetLocation,
		CreatedAt:      r.CreatedAt,
	}
}

type CreateUnitRequest struct {
	ID         string `json:"unit_id" maxLength:"64"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"current_status,omitempty"`
	Location   string `json:"location,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// Response payloads

type SubmitActionResponse struct {
	Outcome domain.Outcome      `json:"outcome"`
	Entry   *domain.LedgerEntry `json:"entry,omitempty"`
}

type UnitListResponse struct {
	Items []authority.Snapshot `json:"items"`
	Total int                  `json:"total"`
}

type HistoryResponse struct {
	UnitID string               `json:"unit_id"`
	Items  []domain.LedgerEntry `json:"items"`
}

type UnitStatsResponse struct {
	UnitID   string                `json:"unit_id"`
	ByAction map[domain.Action]int `json:"by_action"`
}

type FleetStatsResponse struct {
	ByStatus map[domain.State]int  `json:"by_status"`
	ByAction map[domain.Action]int `json:"by_action"`
}

type RoleResponse struct {
	ID      domain.Role     `json:"id"`
	Super   bool            `json:"super"`
	Actions []domain.Action `json:"actions"`
}

type WorkflowResponse struct {
	States      []workflow.StateInfo  `json:"states"`
	Actions     []workflow.ActionInfo `json:"actions"`
	Transitions []workflow.Transition `json:"transitions"`
	Roles       []RoleResponse        `json:"roles"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string          `json:"actor_id"`
	Role    domain.Role     `json:"role"`
	Source  string          `json:"source"`
	Actions []domain.Action `json:"actions"`
}

func workflowResponse(wf *workflow.Workflow) WorkflowResponse {
	resp := WorkflowResponse{
		States:      wf.Table.States(),
		Actions:     wf.Table.Actions(),
		Transitions: nonNilSlice(wf.Table.Transitions()),
		Roles:       []RoleResponse{},
	}
	super := wf.Policy.SuperRole()
	for _, role := range wf.Policy.Roles() {
		resp.Roles = append(resp.Roles, RoleResponse{
			ID:      role,
			Super:   role == super,
			Actions: nonNilSlice(wf.Policy.Grants(role)),
		})
	}
	return resp
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
