package model

import (
	"time"

	"golang.org/x/oauth2"
)

// User is an account known to the identity provider.
//
// Users sign in either with email + password or through GitHub. GitHubID is
// zero for password accounts and PasswordHash is empty for GitHub accounts.
//
// WHY Email string (not *string)?
// GitHub can hide the primary email. We use an empty string as the zero value
// rather than a nullable pointer. It is safe to display as is.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName,omitempty"`
	PhotoURL     string    `json:"photoUrl,omitempty"`
	GitHubID     int64     `json:"githubId,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Identity is the currently authenticated principal on the client side.
// A nil *Identity means "nobody is signed in".
//
// Tokens yields the identity provider's short-lived bearer token. It is an
// oauth2.TokenSource so a refreshed token can be picked up without the
// identity itself changing.
type Identity struct {
	UID         string             `json:"uid"`
	Email       string             `json:"email"`
	DisplayName string             `json:"displayName,omitempty"`
	PhotoURL    string             `json:"photoUrl,omitempty"`
	Tokens      oauth2.TokenSource `json:"-"`
}

// SameIdentity reports whether a and b name the same principal. Two nils are
// the same; token changes don't count as an identity change.
func SameIdentity(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UID == b.UID
}
