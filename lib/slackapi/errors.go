package slackapi

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

// ErrRateLimited indicates the platform rate-limited the call twice in a
// row. The single built-in retry is exhausted; callers decide whether to
// try again later.
var ErrRateLimited = xerrors.New("rate limited after retry")

// APIError is a logical rejection from the platform: the HTTP exchange
// succeeded but the response envelope carried ok=false. Callers can use
// errors.As to extract the structured information:
//
//	var apiErr *slackapi.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Code == slackapi.ErrCodeChannelNotFound { ... }
//	}
type APIError struct {
	// Code is the platform error code (e.g. "channel_not_found").
	Code string
	// Message is an optional human-readable detail. Most envelope errors
	// carry only the code.
	Message string
	// StatusCode is the HTTP status of the response.
	StatusCode int
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("slack: %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("slack: %s (%d)", e.Code, e.StatusCode)
}

// TransportError wraps a connectivity failure (DNS, connect, timeout,
// broken pipe). The call never reached a platform decision.
type TransportError struct {
	err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("slack: transport failure: %v", e.err)
}

func (e *TransportError) Unwrap() error {
	return e.err
}

// Platform error codes this module branches on.
const (
	ErrCodeChannelNotFound = "channel_not_found"
	ErrCodeNotInChannel    = "not_in_channel"
	ErrCodeInvalidAuth     = "invalid_auth"
	ErrCodeTokenRevoked    = "token_revoked"
	ErrCodeAccountInactive = "account_inactive"
	ErrCodeRateLimited     = "ratelimited"
	ErrCodeMissingScope    = "missing_scope"
)

// IsAPIError checks whether err is an *APIError with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// IsTransportError checks whether err is a connectivity failure rather
// than a platform decision.
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// retryDelayError is the internal signal that a single call hit the rate
// limiter and may be retried after the advisory delay. It never escapes
// the client: the second occurrence is converted to ErrRateLimited.
type retryDelayError struct {
	delay int // seconds, from the Retry-After header
}

func (e *retryDelayError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.delay)
}
