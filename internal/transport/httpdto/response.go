package httpdto

import (
	"errors"
	"net/http"

	relay_errors "relay-fleet/pkg/errors"
)

type Response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func NewSuccessResponse[T any](data T) Response[T] {
	return Response[T]{
		Success: true,
		Data:    data,
	}
}

func NewErrorResponse(err string, code string) Response[any] {
	return Response[any]{
		Success: false,
		Error:   err,
		Code:    code,
	}
}

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{relay_errors.ErrInvalidInput, http.StatusBadRequest, "INVALID_REQUEST"},
	{relay_errors.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
	{relay_errors.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{relay_errors.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{relay_errors.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{relay_errors.ErrConflict, http.StatusConflict, "CONFLICT"},
	{relay_errors.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
	{relay_errors.ErrLocked, http.StatusConflict, "LOCKED"},
	{relay_errors.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
	{relay_errors.ErrServiceUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
	{relay_errors.ErrStreamOffline, http.StatusServiceUnavailable, "STREAM_OFFLINE"},
}

// ErrorStatus maps a service error to its HTTP status and response code.
func ErrorStatus(err error) (int, string) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// NewErrorFrom renders err without leaking internal detail for unmapped errors.
func NewErrorFrom(err error) (int, Response[any]) {
	status, code := ErrorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return status, NewErrorResponse(msg, code)
}
