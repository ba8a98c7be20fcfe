package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/oauth2"

	xerrors "transferd/internal/errors"
)

type onceErr struct {
	mu   sync.Mutex
	done bool
	fn   func() error
}

func (o *onceErr) do() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done || o.fn == nil {
		return nil
	}
	o.done = true
	return o.fn()
}

// TokenAs checks that token was issued by the expected backend.
func TokenAs[T Token](token Token, system xerrors.IntegratedSystem) (T, error) {
	t, ok := token.(T)
	if !ok {
		var zero T
		return zero, xerrors.Authentication(system, fmt.Errorf("token of type %T was not issued by this backend", token))
	}
	return t, nil
}

// StatusError maps an HTTP status from a REST backend onto the error taxonomy.
func StatusError(system xerrors.IntegratedSystem, status int, body string) error {
	cause := fmt.Errorf("API error: %s (status: %d)", body, status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return xerrors.Authentication(system, cause)
	case status == http.StatusNotFound:
		return xerrors.Wrap(xerrors.CodeNotFound, cause, "path not found").WithSystem(system)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return xerrors.Transient(system, cause, "backend unavailable")
	case status >= 400:
		return xerrors.Wrap(xerrors.CodeValidation, cause, "request rejected").WithSystem(system)
	}
	return xerrors.Wrap(xerrors.CodeInternal, cause, "unexpected response").WithSystem(system)
}

// TransportError classifies an error from the HTTP client itself.
func TransportError(system xerrors.IntegratedSystem, err error, op string) error {
	return xerrors.Transient(system, err, op+" failed")
}

// OAuthError classifies a failed OAuth2 token grant. A rejected grant or
// client is an authentication failure, an unreachable token endpoint is
// transient.
func OAuthError(system xerrors.IntegratedSystem, err error, op string) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if status == http.StatusBadRequest || re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client" {
			return xerrors.Authentication(system, fmt.Errorf("%s rejected: %w", op, err))
		}
		return StatusError(system, status, string(re.Body))
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return TransportError(system, err, op)
	}
	// malformed token responses, such as one without an access token
	return xerrors.Authentication(system, fmt.Errorf("%s failed: %w", op, err))
}
