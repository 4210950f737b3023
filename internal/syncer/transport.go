package syncer

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"unitrack/internal/authority"
	"unitrack/internal/domain"
	unitracksdk "unitrack/sdk/go"
)

// Transport delivers one intent to the authority. A returned error always
// means no outcome was obtained.
type Transport interface {
	Submit(ctx context.Context, intent domain.ActionIntent) (authority.Result, error)
}

// TransportError marks a failed delivery whose outcome is unknown.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return stderrors.As(err, &te)
}

const defaultTransportTimeout = 10 * time.Second

// HTTPTransport submits through the HTTP API. Only 400 and 422 responses
// without a business code are terminal: the authority read the payload and
// refused its shape. Any other status (401, 404 from a wrong base URL, 408,
// 429, 5xx) means the intent was never judged and is a transport failure.
type HTTPTransport struct {
	Client  *unitracksdk.Client
	Timeout time.Duration
	Logger  zerolog.Logger
}

func (t HTTPTransport) Submit(ctx context.Context, intent domain.ActionIntent) (authority.Result, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTransportTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := t.Client.SubmitAction(ctx, intent.UnitID, intent)
	if err != nil {
		var apiErr *unitracksdk.APIError
		if stderrors.As(err, &apiErr) {
			switch apiErr.StatusCode {
			case http.StatusBadRequest, http.StatusUnprocessableEntity:
				reason := apiErr.Message
				if reason == "" {
					reason = apiErr.Body
				}
				return authority.Result{Outcome: domain.OutcomeBadRequest, Reason: reason}, nil
			case http.StatusUnauthorized:
				t.Logger.Warn().
					Str("idempotency_key", intent.IdempotencyKey).
					Str("code", apiErr.Code).
					Msg("sync: server refused the device token; refresh device.token, the intent stays queued")
			}
		}
		return authority.Result{}, &TransportError{Op: "submit", Err: errors.Wrapf(err, "unit %s", intent.UnitID)}
	}
	return authority.Result{Outcome: res.Outcome, Entry: res.Entry, Reason: res.Reason}, nil
}

// LocalTransport applies intents against an in-process authority.
type LocalTransport struct {
	Authority authority.Authority
}

func (t LocalTransport) Submit(ctx context.Context, intent domain.ActionIntent) (authority.Result, error) {
	res, err := t.Authority.Apply(ctx, intent.UnitID, intent)
	if err != nil {
		var verr *authority.ValidationError
		if stderrors.As(err, &verr) {
			return authority.Result{Outcome: domain.OutcomeBadRequest, Reason: verr.Error()}, nil
		}
		return authority.Result{}, &TransportError{Op: "apply", Err: errors.WithStack(err)}
	}
	return res, nil
}
