package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Transport and protocol errors
var (
	ErrUnauthenticated = errors.New("no hub auth token")
	ErrNotReady        = errors.New("hub has not indexed the transaction yet")
	ErrNotFound        = errors.New("hub resource not found")
	ErrBadRequest      = errors.New("hub rejected the request")
	ErrUnauthorized    = errors.New("hub authorization failed")
	ErrConflict        = errors.New("hub state conflict")
	ErrRateLimited     = errors.New("hub rate limit exceeded")
	ErrServer          = errors.New("hub server error")
	ErrNetwork         = errors.New("hub unreachable")
	ErrInvalidResponse = errors.New("invalid hub response")
)

// Domain errors identified by the response "code" field
var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrSessionNotRunning     = errors.New("session is not running")
	ErrExtensionLimitReached = errors.New("extension limit reached")
)

// Error codes sent by the hub
const (
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	CodeSessionNotRunning     = "SESSION_NOT_RUNNING"
	CodeExtensionLimitReached = "EXTENSION_LIMIT_REACHED"
	CodeNotIndexed            = "NOT_INDEXED"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeConflict              = "CONFLICT"
)

var codeErrors = map[string]error{
	CodeSessionNotFound:       ErrSessionNotFound,
	CodeInsufficientBalance:   ErrInsufficientBalance,
	CodeSessionNotRunning:     ErrSessionNotRunning,
	CodeExtensionLimitReached: ErrExtensionLimitReached,
	CodeNotIndexed:            ErrNotReady,
}

// HubError wraps an error with request context
type HubError struct {
	Operation  string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *HubError) Error() string {
	if e.StatusCode > 0 {
		if e.Code != "" {
			return fmt.Sprintf("hub %s failed (HTTP %d %s): %s", e.Operation, e.StatusCode, e.Code, e.Message)
		}
		return fmt.Sprintf("hub %s failed (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("hub %s failed: %s", e.Operation, e.Message)
}

func (e *HubError) Unwrap() error {
	return e.Err
}

// NewHubError creates a new HubError
func NewHubError(operation string, statusCode int, code, message string, err error) *HubError {
	return &HubError{
		Operation:  operation,
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Err:        err,
	}
}

// sentinelFor maps a response to its base error; a known code wins over the status
func sentinelFor(status int, code string) error {
	if err, ok := codeErrors[code]; ok {
		return err
	}

	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrBadRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusTooEarly:
		return ErrNotReady
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return ErrServer
	default:
		return ErrInvalidResponse
	}
}

// IsTransient checks if a retry may succeed: not-indexed, bare not-found,
// rate limits, 5xx, network failures and per-request timeouts
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	for _, target := range []error{ErrNotReady, ErrNotFound, ErrRateLimited, ErrServer, ErrNetwork, context.DeadlineExceeded} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsValidation checks if the hub deterministically rejected the request
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrBadRequest, ErrUnauthorized, ErrConflict, ErrUnauthenticated,
		ErrSessionNotFound, ErrInsufficientBalance, ErrSessionNotRunning, ErrExtensionLimitReached,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsAuthError checks if the error is an authentication failure
func IsAuthError(err error) bool {
	if errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrUnauthorized) {
		return true
	}
	var he *HubError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusUnauthorized || he.StatusCode == http.StatusForbidden
	}
	return false
}

// StatusCode returns the HTTP status of a hub error, or 0
func StatusCode(err error) int {
	var he *HubError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
