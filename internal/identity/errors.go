package identity

import (
	"errors"

	"github.com/sakif/feedsync/internal/apperror"
)

// Code is a machine-readable sign-in failure reason. Clients switch on it;
// people read the Message.
type Code string

const (
	CodeInvalidEmail        Code = "invalid-email"
	CodeInvalidCredential   Code = "invalid-credential"
	CodeEmailInUse          Code = "email-already-in-use"
	CodeWeakPassword        Code = "weak-password"
	CodeAccountExists       Code = "account-exists-with-different-credential"
	CodeOperationNotAllowed Code = "operation-not-allowed"
	CodeInvalidIDToken      Code = "invalid-id-token"
	CodeIDTokenExpired      Code = "id-token-expired"
	CodeUserNotFound        Code = "user-not-found"
)

var messages = map[Code]string{
	CodeInvalidEmail:        "The email address is badly formatted.",
	CodeInvalidCredential:   "The email address or password is incorrect.",
	CodeEmailInUse:          "This email address is already registered.",
	CodeWeakPassword:        "Password is too weak. Use at least 6 characters.",
	CodeAccountExists:       "An account already exists with this email address. Sign in with your password instead.",
	CodeOperationNotAllowed: "This sign-in method is not enabled.",
	CodeInvalidIDToken:      "The identity token is invalid.",
	CodeIDTokenExpired:      "The identity token has expired. Sign in again.",
	CodeUserNotFound:        "The account no longer exists.",
}

// Message returns the user-facing text for code.
func Message(code Code) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return "Sign-in failed. Please try again."
}

// Error is a sign-in failure. It unwraps to an *apperror.AppError carrying
// the kind and the user-facing message, so generic error handling keeps
// working.
type Error struct {
	Code Code
	err  *apperror.AppError
}

func (e *Error) Error() string { return e.err.Message }

func (e *Error) Unwrap() error { return e.err }

// kinds maps each code to its error kind.
var kinds = map[Code]error{
	CodeInvalidEmail:        apperror.ErrValidation,
	CodeWeakPassword:        apperror.ErrValidation,
	CodeEmailInUse:          apperror.ErrConflict,
	CodeAccountExists:       apperror.ErrConflict,
	CodeOperationNotAllowed: apperror.ErrForbidden,
}

func newError(code Code, field string, cause error) *Error {
	kind, ok := kinds[code]
	if !ok {
		kind = apperror.ErrUnauthenticated
	}
	return &Error{
		Code: code,
		err: &apperror.AppError{
			Err:     kind,
			Cause:   cause,
			Message: Message(code),
			Field:   field,
		},
	}
}

// ErrorFor returns the failure for code with no underlying cause.
func ErrorFor(code Code) *Error {
	return newError(code, "", nil)
}

// CodeOf returns the sign-in failure code in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
