package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"unitrack/internal/authority"
	"unitrack/internal/domain"
	"unitrack/internal/repo"
)

type unitPath struct {
	UnitID string `path:"unit_id" maxLength:"64"`
}

func registerWorkflow(api huma.API, a authority.Authority) {
	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflow",
		Summary:     "States, action kinds, transitions and role grants",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(a.Workflow)}, nil
	})
}

func registerUnits(api huma.API, a authority.Authority) {
	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/units",
		Summary:     "List units",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Location string `query:"location"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body UnitListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Status != "" && !a.Workflow.Table.IsState(domain.State(input.Status)) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown status %s", input.Status), map[string]any{"status": input.Status})
		}
		items, err := a.ListUnits(ctx, repo.UnitFilters{
			Status:   input.Status,
			Location: input.Location,
			Limit:    authority.NormalizeLimit(input.Limit),
		}, p.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitListResponse `json:"body"`
		}{Body: UnitListResponse{Items: nonNilSlice(items), Total: len(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-unit",
		Method:        http.MethodPost,
		Path:          "/units",
		Summary:       "Register a unit",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateUnitRequest `json:"body"`
	}) (*struct {
		Body authority.Snapshot `json:"body"`
	}, error) {
		p, err := requireSuperRole(ctx, a)
		if err != nil {
			return nil, err
		}
		u, err := a.CreateUnit(ctx, authority.CreateUnitOptions{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			Status:     domain.State(input.Body.Status),
			Location:   input.Body.Location,
			AssignedTo: input.Body.AssignedTo,
		})
		if err != nil {
			return nil, handleError(err)
		}
		snap, err := a.Snapshot(ctx, u.ID, p.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body authority.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-unit",
		Method:      http.MethodGet,
		Path:        "/units/{unit_id}",
		Summary:     "Unit snapshot with the actions available to the caller",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *unitPath) (*struct {
		Body authority.Snapshot `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := a.Snapshot(ctx, input.UnitID, p.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body authority.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}

type submitOutput struct {
	Status int
	Body   SubmitActionResponse
}

func registerEvents(api huma.API, a authority.Authority) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-action",
		Method:        http.MethodPost,
		Path:          "/units/{unit_id}/events",
		Summary:       "Submit an action intent",
		Description:   "201 when applied, 200 when the idempotency key was already applied.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		unitPath
		Body SubmitActionRequest `json:"body"`
	}) (*submitOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.Apply(ctx, input.UnitID, input.Body.intent(input.UnitID, p))
		if err != nil {
			return nil, handleError(err)
		}
		if err := res.Err(); err != nil {
			return nil, handleError(err)
		}
		status := http.StatusCreated
		if res.Outcome == domain.OutcomeDuplicate {
			status = http.StatusOK
		}
		return &submitOutput{
			Status: status,
			Body:   SubmitActionResponse{Outcome: res.Outcome, Entry: res.Entry},
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unit-history",
		Method:      http.MethodGet,
		Path:        "/units/{unit_id}/events",
		Summary:     "Applied entries for a unit, most recent first",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		unitPath
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := a.History(ctx, input.UnitID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{UnitID: input.UnitID, Items: nonNilSlice(items)}}, nil
	})
}

func registerStats(api huma.API, a authority.Authority) {
	huma.Register(api, huma.Operation{
		OperationID: "unit-stats",
		Method:      http.MethodGet,
		Path:        "/units/{unit_id}/stats",
		Summary:     "Applied action counts for a unit",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *unitPath) (*struct {
		Body UnitStatsResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := a.Stats(ctx, input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitStatsResponse `json:"body"`
		}{Body: UnitStatsResponse{UnitID: input.UnitID, ByAction: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fleet-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Units per status and applied actions per kind",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FleetStatsResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		byStatus, err := a.Units.CountUnitsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		byAction, err := a.Stats(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FleetStatsResponse `json:"body"`
		}{Body: FleetStatsResponse{ByStatus: byStatus, ByAction: byAction}}, nil
	})
}
