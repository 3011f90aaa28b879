// Package errors defines the gateway's typed error taxonomy.
//
// Every error that crosses a component boundary is a *ServiceError* carrying
// a Kind, an HTTP status, and optional structured details. Nothing in this
// package panics or uses Go exceptions-by-another-name; callers are expected
// to inspect Kind and act (retry, surface to the caller, log and move on).
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a ServiceError per spec section 7.
type Kind string

const (
	KindValidation      Kind = "VALIDATION"
	KindAuthN           Kind = "AUTHENTICATION"
	KindAuthZ           Kind = "AUTHORIZATION"
	KindConflict        Kind = "CONFLICT"
	KindNotFound        Kind = "NOT_FOUND"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindTransient       Kind = "TRANSIENT"
	KindTerminalPSP     Kind = "TERMINAL_PROVIDER_ERROR"
	KindDecline         Kind = "DECLINE"
	KindInternal        Kind = "INTERNAL"
)

// ServiceError is the gateway-wide error envelope.
type ServiceError struct {
	Kind       Kind
	Code       string // machine-readable sub-code, e.g. INVALID_KEY_VERSION
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Retryable  bool
	Err        error // wrapped cause, if any
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is supports errors.Is by comparing Kind and Code.
func (e *ServiceError) Is(target error) bool {
	var other *ServiceError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind && (e.Code == "" || other.Code == "" || e.Code == other.Code)
}

func new_(kind Kind, code, message string, status int, retryable bool) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: message, HTTPStatus: status, Retryable: retryable}
}

func Validation(code, message string) *ServiceError { return new_(KindValidation, code, message, 400, false) }
func Unauthenticated(message string) *ServiceError  { return new_(KindAuthN, "AUTH_ERROR", message, 401, false) }
func Unauthorized(message string) *ServiceError     { return new_(KindAuthZ, "RBAC", message, 403, false) }
func Conflict(code, message string) *ServiceError   { return new_(KindConflict, code, message, 409, false) }
func NotFound(resource, id string) *ServiceError {
	return new_(KindNotFound, "NOT_FOUND", fmt.Sprintf("%s %q not found", resource, id), 404, false)
}
func RateLimited(retryAfterSeconds int) *ServiceError {
	e := new_(KindRateLimited, "RATE_LIMIT_EXCEEDED", "rate limit exceeded", 429, true)
	e.Details = map[string]interface{}{"retry_after_seconds": retryAfterSeconds}
	return e
}
func Transient(code, message string, cause error) *ServiceError {
	e := new_(KindTransient, code, message, 503, true)
	e.Err = cause
	return e
}
func TerminalProvider(code, message string, cause error) *ServiceError {
	e := new_(KindTerminalPSP, code, message, 502, false)
	e.Err = cause
	return e
}
func Decline(reason string) *ServiceError {
	e := new_(KindDecline, "DECLINED", reason, 422, false)
	return e
}
func Internal(message string, cause error) *ServiceError {
	e := new_(KindInternal, "INTERNAL", message, 500, false)
	e.Err = cause
	return e
}

// IsRetryable reports whether err (or its wrapped ServiceError) should be
// retried by the retry engine (4.D).
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// KindOf extracts the Kind of err, or KindInternal if err is not a ServiceError.
func KindOf(err error) Kind {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
