package model

import "time"

// SessionTTL is the fixed validity window of a server session.
const SessionTTL = 5 * 24 * time.Hour

// Session is a server-verified login minted from an identity token.
type Session struct {
	ID        string    `json:"id"`
	UID       string    `json:"uid"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Principal is the decoded owner of a verified session, as handed to
// server-side handlers.
type Principal struct {
	UID         string `json:"uid"`
	SessionID   string `json:"sessionId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty"`
}
