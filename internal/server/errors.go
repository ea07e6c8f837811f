package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"conclave/internal/pipeline"
	"conclave/internal/store"
)

// ErrInvalidInput marks a malformed request.
var ErrInvalidInput = errors.New("invalid input")

// ErrorCode is the machine-readable code of an error response.
type ErrorCode string

const (
	CodeInvalidInput  ErrorCode = "invalid_input"
	CodeRunNotFound   ErrorCode = "run_not_found"
	CodeRunFinished   ErrorCode = "run_finished"
	CodeNotAwaiting   ErrorCode = "not_awaiting"
	CodeShuttingDown  ErrorCode = "shutting_down"
	CodeCancelled     ErrorCode = "cancelled"
	CodeInternalError ErrorCode = "internal_error"
)

// HTTPError is an error with its response status.
type HTTPError struct {
	StatusCode int
	Code       ErrorCode
	Err        error
}

func (e *HTTPError) Error() string { return e.Err.Error() }

func (e *HTTPError) Unwrap() error { return e.Err }

// ErrorDTO is the body of every error response.
type ErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MapError maps a domain error to an HTTPError.
func MapError(err error) *HTTPError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return &HTTPError{http.StatusBadRequest, CodeInvalidInput, err}
	case errors.Is(err, pipeline.ErrUnknownRun), errors.Is(err, store.ErrNotFound):
		return &HTTPError{http.StatusNotFound, CodeRunNotFound, err}
	case errors.Is(err, pipeline.ErrRunFinished):
		return &HTTPError{http.StatusConflict, CodeRunFinished, err}
	case errors.Is(err, pipeline.ErrNotAwaiting):
		return &HTTPError{http.StatusConflict, CodeNotAwaiting, err}
	case errors.Is(err, pipeline.ErrClosed):
		return &HTTPError{http.StatusServiceUnavailable, CodeShuttingDown, err}
	case errors.Is(err, context.Canceled):
		// 499: nginx convention for "client closed request"
		return &HTTPError{499, CodeCancelled, err}
	default:
		return &HTTPError{http.StatusInternalServerError, CodeInternalError, err}
	}
}

// WriteError writes err as a JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	httpErr := MapError(err)
	if httpErr == nil {
		return
	}
	writeJSON(w, httpErr.StatusCode, ErrorDTO{Code: string(httpErr.Code), Message: httpErr.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
