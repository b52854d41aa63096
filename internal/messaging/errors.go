// internal/messaging/errors.go

package messaging

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized: the caller is not a member of the conversation
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden: a member attempted a sender- or admin-only action
	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("not found")
	// ErrInvalidRequest: empty payload, malformed ids, expired undo window
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict is raised by the store on unique violations; the pipeline
	// resolves it (get-or-create, client message id) rather than surfacing it
	ErrConflict = errors.New("conflict")
	// ErrUpstream: storage or attachment dependency unavailable
	ErrUpstream = errors.New("upstream failure")
)

// Wire error codes
const (
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeInvalidRequest = "invalid_request"
	CodeConflict       = "conflict"
	CodeUpstream       = "upstream_failure"
	CodeInternal       = "internal"
)

// ErrorCode maps an error to its wire code
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrUpstream):
		return CodeUpstream
	default:
		return CodeInternal
	}
}

// HTTPStatus maps an error to a REST status code
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case CodeUnauthorized, CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func forbiddenf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func unauthorizedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

// upstream classifies a store error. Errors already in the taxonomy pass
// through; anything else is reported as an upstream failure.
func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrUnauthorized, ErrForbidden, ErrNotFound, ErrInvalidRequest, ErrConflict, ErrUpstream} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstream, op, err)
}
