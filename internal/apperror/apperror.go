// Package apperror is the error taxonomy shared by every layer.
//
// Each AppError carries one sentinel (what kind of failure it is) and an
// optional cause (what actually went wrong underneath). errors.Is matches
// both, so a handler can branch on the kind while logs keep the cause.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")

	// ErrUnauthenticated covers missing, malformed, expired and revoked
	// credentials alike: identity tokens and session artifacts.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTransport means the remote side (store, server, network) could not
	// be reached or failed. The operation may be retried by the caller.
	ErrTransport = errors.New("transport error")
)

type AppError struct {
	Err     error  // sentinel kind
	Cause   error  // optional underlying error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthenticated returns an AppError for a rejected credential. cause may be
// nil.
func Unauthenticated(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrUnauthenticated,
		Cause:   cause,
		Message: message,
	}
}

// Transport wraps a remote failure of operation op.
func Transport(op string, cause error) *AppError {
	msg := op + " failed"
	if cause != nil {
		msg = fmt.Sprintf("%s failed: %v", op, cause)
	}
	return &AppError{
		Err:     ErrTransport,
		Cause:   cause,
		Message: msg,
	}
}

// Kind returns the sentinel of the first AppError in err's chain, or nil.
func Kind(err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Err
	}
	return nil
}
