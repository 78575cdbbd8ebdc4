package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error types
var (
	ErrValidation      = errors.New("validation failed")
	ErrUpstream        = errors.New("upstream unavailable")
	ErrConfiguration   = errors.New("configuration error")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
)

// Kind represents the category of error
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUpstream        Kind = "upstream"
	KindConfiguration   Kind = "configuration"
	KindUnauthenticated Kind = "unauthenticated"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
)

// Error is a structured error for billing operations
type Error struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "create_customer", "apply_tier")
	Err       error  // Underlying error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrUpstream:
		return e.Kind == KindUpstream
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrUnauthenticated:
		return e.Kind == KindUnauthenticated
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	}

	return errors.Is(e.Err, target)
}

// New creates a new Error
func New(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Retryable: kind == KindUpstream,
	}
}

// Helper functions

// Validation reports a user-correctable input problem.
func Validation(op, format string, args ...any) error {
	return New(KindValidation, op, fmt.Errorf(format, args...))
}

// Upstream wraps a billing-provider or persistence failure.
func Upstream(op string, err error) error {
	return New(KindUpstream, op, err)
}

// Configuration wraps an operator configuration defect.
func Configuration(op string, err error) error {
	return New(KindConfiguration, op, err)
}

// NotFound reports a missing record.
func NotFound(op, format string, args ...any) error {
	return New(KindNotFound, op, fmt.Errorf(format, args...))
}

// Conflict reports a write that collides with an existing record.
func Conflict(op, format string, args ...any) error {
	return New(KindConflict, op, fmt.Errorf(format, args...))
}

// Unauthenticated reports a missing or invalid identity.
func Unauthenticated(op string, err error) error {
	return New(KindUnauthenticated, op, err)
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable checks if an error may succeed when the caller retries.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a message safe to show to end users. Upstream and
// configuration details stay in logs.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindValidation, KindNotFound, KindConflict:
		return e.Err.Error()
	case KindUnauthenticated:
		return "authentication required"
	case KindUpstream:
		return "billing provider unavailable, please try again"
	default:
		return "billing is not configured correctly; operators have been notified"
	}
}
