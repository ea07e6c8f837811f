package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error kinds. Every error leaving this package matches exactly one via errors.Is.
var (
	ErrTimeout           = errors.New("provider timeout")
	ErrRateLimited       = errors.New("provider rate limited")
	ErrAuthFailed        = errors.New("provider auth failed")
	ErrMalformedResponse = errors.New("provider malformed response")
	ErrCancelled         = errors.New("provider call cancelled")
)

// Error is a normalized provider failure.
type Error struct {
	Kind     error
	Provider string
	Model    string
	Status   int // HTTP status when known
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s/%s: %v", e.Provider, e.Model, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel.
func (e *Error) Is(target error) bool { return target == e.Kind }

// KindOf returns the kind sentinel of err, or nil when err is not a provider error.
func KindOf(err error) error {
	for _, k := range []error{ErrCancelled, ErrTimeout, ErrRateLimited, ErrAuthFailed, ErrMalformedResponse} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Transient reports whether the same target may succeed if tried again.
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited)
}

// KindForStatus maps an HTTP status to an error kind.
func KindForStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		return ErrRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuthFailed
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status >= 500:
		return ErrTimeout
	default:
		return ErrMalformedResponse
	}
}

// StatusError builds the normalized error for a non-2xx response.
func StatusError(provider, model string, status int, body string) *Error {
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return &Error{
		Kind:     KindForStatus(status),
		Provider: provider,
		Model:    model,
		Status:   status,
		Err:      fmt.Errorf("API request failed: %s", body),
	}
}

// Normalize classifies an arbitrary backend error.
func Normalize(provider, model string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	kind := ErrMalformedResponse
	var netErr net.Error
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, context.Canceled):
		kind = ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrTimeout
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		kind = ErrMalformedResponse
	case errors.As(err, &netErr):
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Provider: provider, Model: model, Err: err}
}

func malformed(provider, model string, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrMalformedResponse, Provider: provider, Model: model, Err: fmt.Errorf(format, args...)}
}
