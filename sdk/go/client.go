package unitracksdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"unitrack/internal/domain"
)

// Client is a minimal unitrack HTTP API client.
type Client struct {
	http *resty.Client
}

type Option func(*resty.Client)

func WithToken(token string) Option {
	return func(c *resty.Client) {
		if token != "" {
			c.SetAuthToken(token)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) {
		if d > 0 {
			c.SetTimeout(d)
		}
	}
}

// WithHTTPClient swaps the underlying transport, mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *resty.Client) {
		c.SetTransport(hc.Transport)
	}
}

// New creates a client for baseURL, e.g. http://127.0.0.1:8080/v1.
func New(baseURL string, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{http: rc}
}

// APIError wraps non-2xx responses that are not business outcomes.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// SubmitResult is the authority's answer to a submitted intent.
type SubmitResult struct {
	Outcome domain.Outcome      `json:"outcome"`
	Entry   *domain.LedgerEntry `json:"entry,omitempty"`
	Reason  string              `json:"reason,omitempty"`
}

type StateInfo struct {
	ID          domain.State `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Color       string       `json:"color"`
}

type UnitSnapshot struct {
	Unit             domain.Unit     `json:"unit"`
	StateInfo        StateInfo       `json:"state_info"`
	AvailableActions []domain.Action `json:"available_actions"`
}

type unitList struct {
	Items []UnitSnapshot `json:"items"`
	Total int            `json:"total"`
}

type history struct {
	Items []domain.LedgerEntry `json:"items"`
}

var businessCodes = map[string]domain.Outcome{
	string(domain.OutcomeUnitNotFound):      domain.OutcomeUnitNotFound,
	string(domain.OutcomeForbidden):         domain.OutcomeForbidden,
	string(domain.OutcomeInvalidTransition): domain.OutcomeInvalidTransition,
	string(domain.OutcomeSignatureRequired): domain.OutcomeSignatureRequired,
}

// SubmitAction posts intent to the unit's event stream. Business rejections
// come back as a SubmitResult. Transport failures are returned unwrapped
// from resty; other non-2xx responses are *APIError.
func (c *Client) SubmitAction(ctx context.Context, unitID string, intent domain.ActionIntent) (SubmitResult, error) {
	var out SubmitResult
	var apiErr errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(intent).
		SetResult(&out).
		SetError(&apiErr).
		Post("/units/" + url.PathEscape(unitID) + "/events")
	if err != nil {
		return SubmitResult{}, err
	}
	switch resp.StatusCode() {
	case http.StatusCreated, http.StatusOK:
		return out, nil
	}
	if outcome, ok := businessCodes[apiErr.Error.Code]; ok {
		return SubmitResult{Outcome: outcome, Reason: apiErr.Error.Message}, nil
	}
	return SubmitResult{}, newAPIError(resp, apiErr)
}

func (c *Client) GetUnit(ctx context.Context, unitID string) (UnitSnapshot, error) {
	var out UnitSnapshot
	err := c.get(ctx, "/units/"+url.PathEscape(unitID), nil, &out)
	return out, err
}

func (c *Client) ListUnits(ctx context.Context, status, location string) ([]UnitSnapshot, error) {
	q := map[string]string{}
	if status != "" {
		q["status"] = status
	}
	if location != "" {
		q["location"] = location
	}
	var out unitList
	err := c.get(ctx, "/units", q, &out)
	return out.Items, err
}

func (c *Client) History(ctx context.Context, unitID string, limit int) ([]domain.LedgerEntry, error) {
	q := map[string]string{}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	var out history
	err := c.get(ctx, "/units/"+url.PathEscape(unitID)+"/events", q, &out)
	return out.Items, err
}

func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.get(ctx, "/health", nil, &out)
}

// DevLogin mints a token through the dev-only endpoint.
func (c *Client) DevLogin(ctx context.Context, actorID string, role domain.Role) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	var apiErr errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"actor_id": actorID, "role": string(role)}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/auth/dev/login")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", newAPIError(resp, apiErr)
	}
	return out.Token, nil
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	var apiErr errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		SetError(&apiErr).
		Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return newAPIError(resp, apiErr)
	}
	return nil
}

func newAPIError(resp *resty.Response, env errorEnvelope) *APIError {
	return &APIError{
		StatusCode: resp.StatusCode(),
		Code:       env.Error.Code,
		Message:    env.Error.Message,
		Body:       strings.TrimSpace(resp.String()),
	}
}
