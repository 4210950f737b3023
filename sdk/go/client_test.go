package unitracksdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitrack/internal/domain"
)

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/units/UN001/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []domain.LedgerEntry{{EventID: "e1", Seq: 1}}})
			return
		}
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var in domain.ActionIntent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.Header().Set("Content-Type", "application/json")
		switch in.IdempotencyKey {
		case "new":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(SubmitResult{Outcome: domain.OutcomeApplied, Entry: &domain.LedgerEntry{EventID: "e1", ActionIntent: in}})
		case "dup":
			_ = json.NewEncoder(w).Encode(SubmitResult{Outcome: domain.OutcomeDuplicate, Entry: &domain.LedgerEntry{EventID: "e0"}})
		case "bad-edge":
			writeErr(w, http.StatusConflict, "invalid_transition", "no transition")
		case "bad-input":
			writeErr(w, http.StatusBadRequest, "bad_request", "validation failed")
		default:
			writeErr(w, http.StatusInternalServerError, "internal", "boom")
		}
	})
	mux.HandleFunc("/v1/units/MISSING", func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusNotFound, "unit_not_found", "unit MISSING not found")
	})
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitActionOutcomes(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL+"/v1/", WithToken("tok"))
	ctx := context.Background()

	res, err := c.SubmitAction(ctx, "UN001", domain.ActionIntent{IdempotencyKey: "new"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "e1", res.Entry.EventID)

	res, err = c.SubmitAction(ctx, "UN001", domain.ActionIntent{IdempotencyKey: "dup"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)

	res, err = c.SubmitAction(ctx, "UN001", domain.ActionIntent{IdempotencyKey: "bad-edge"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeInvalidTransition, res.Outcome)
	assert.Equal(t, "no transition", res.Reason)

	_, err = c.SubmitAction(ctx, "UN001", domain.ActionIntent{IdempotencyKey: "bad-input"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad_request", apiErr.Code)

	_, err = c.SubmitAction(ctx, "UN001", domain.ActionIntent{IdempotencyKey: "other"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestReads(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL + "/v1")
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	items, err := c.History(ctx, "UN001", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "e1", items[0].EventID)

	_, err = c.GetUnit(ctx, "MISSING")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "unit_not_found", apiErr.Code)
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url)
	_, err := c.SubmitAction(context.Background(), "UN001", domain.ActionIntent{IdempotencyKey: "k"})
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
