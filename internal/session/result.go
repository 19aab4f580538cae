package session

import (
	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/model"
)

// Status is the verdict on a session artifact.
type Status int

const (
	Absent Status = iota
	Valid
	Invalid
	Expired
	Revoked
)

func (s Status) String() string {
	switch s {
	case Absent:
		return "absent"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Expired:
		return "expired"
	case Revoked:
		return "revoked"
	}
	return "unknown"
}

// Result is what Verify learned. Session is set for Valid, Expired (when
// the store row says so) and Revoked; Principal only for Valid.
type Result struct {
	Status    Status
	Session   *model.Session
	Principal *model.Principal
}

// Err is nil for a valid session and an Unauthenticated error otherwise.
func (r Result) Err() error {
	switch r.Status {
	case Valid:
		return nil
	case Absent:
		return apperror.Unauthenticated("No session", nil)
	case Expired:
		return apperror.Unauthenticated("Session expired", nil)
	case Revoked:
		return apperror.Unauthenticated("Session revoked", nil)
	default:
		return apperror.Unauthenticated("Invalid session", nil)
	}
}
