// Package auth holds the credential primitives shared by the identity
// provider and the session bridge: signed tokens, password hashing, the
// GitHub OAuth client and the HTTP middleware that puts the verified
// principal into the request context.
//
// TWO KINDS OF TOKEN:
//
//	ID token       issued by the identity provider at sign-in, lives 1h,
//	               carries the user's profile. Clients hold it in memory
//	               and send it as a bearer token.
//	session token  minted by the session bridge in exchange for an ID
//	               token, lives 5 days, only names a session row. It sits
//	               in an HttpOnly cookie and is revocation-checked on every
//	               use.
//
// Both are HS256 JWTs. Each kind gets its own TokenService with its own
// secret and issuer, so one can never be replayed as the other.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/feedsync/internal/model"
)

const (
	// IDTokenIssuer is the "iss" of ID tokens.
	IDTokenIssuer = "feedsync-idp"
	// SessionIssuer is the "iss" of session tokens.
	SessionIssuer = "feedsync-session"
)

var (
	// ErrTokenExpired is returned for a well-formed token past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid covers everything else: bad signature, wrong issuer,
	// wrong algorithm, missing claims, garbage input.
	ErrTokenInvalid = errors.New("auth: invalid token")
)

// TokenService signs and verifies one kind of token.
type TokenService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenService creates a TokenService for issuer. The secret must be at
// least 16 characters; generate one with `openssl rand -hex 32`.
func NewTokenService(secret, issuer string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: token secret must be at least 16 characters")
	}
	if issuer == "" {
		return nil, errors.New("auth: token issuer is required")
	}
	return &TokenService{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// IDClaims is the payload of an ID token. Subject is the uid.
type IDClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts the claims into the client-side principal.
func (c *IDClaims) Identity() *model.Identity {
	return &model.Identity{
		UID:         c.Subject,
		Email:       c.Email,
		DisplayName: c.Name,
		PhotoURL:    c.Picture,
	}
}

// SessionClaims is the payload of a session token. ID ("jti") is the
// session id and Subject the uid. The profile fields are a copy taken at
// exchange time for server-rendered pages; they are never trusted for
// authorization.
type SessionClaims struct {
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Principal converts the claims into the server-side caller.
func (c *SessionClaims) Principal() *model.Principal {
	return &model.Principal{
		UID:         c.Subject,
		SessionID:   c.ID,
		Email:       c.Email,
		DisplayName: c.Name,
		PhotoURL:    c.Picture,
	}
}

// IssueIDToken signs an ID token for u valid for ttl. It returns the token
// and its expiry.
func (s *TokenService) IssueIDToken(u *model.User, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(ttl)
	c := IDClaims{
		Email:   u.Email,
		Name:    u.DisplayName,
		Picture: u.PhotoURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := s.sign(c)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseIDToken verifies an ID token and returns its claims.
func (s *TokenService) ParseIDToken(tokenStr string) (*IDClaims, error) {
	c := &IDClaims{}
	if err := s.parse(tokenStr, c); err != nil {
		return nil, err
	}
	return c, nil
}

// IssueSessionToken signs the artifact for sess minted for id. The token
// expires with the session.
func (s *TokenService) IssueSessionToken(sess *model.Session, id *model.Identity) (string, error) {
	c := SessionClaims{
		Email:   id.Email,
		Name:    id.DisplayName,
		Picture: id.PhotoURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   sess.UID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	return s.sign(c)
}

// ParseSessionToken verifies a session token and returns its claims.
func (s *TokenService) ParseSessionToken(tokenStr string) (*SessionClaims, error) {
	c := &SessionClaims{}
	if err := s.parse(tokenStr, c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, fmt.Errorf("%w: session token has no id", ErrTokenInvalid)
	}
	return c, nil
}

func (s *TokenService) sign(c jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// parse verifies signature, algorithm, issuer and expiry, and that the
// token names a subject.
//
// Pinning the method list matters: without it a token with alg "none"
// or an asymmetric alg could be fed to the HMAC key.
func (s *TokenService) parse(tokenStr string, c jwt.Claims) error {
	if tokenStr == "" {
		return fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	token, err := jwt.ParseWithClaims(
		tokenStr,
		c,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return ErrTokenInvalid
	}

	sub, err := c.GetSubject()
	if err != nil || sub == "" {
		return fmt.Errorf("%w: token has no subject", ErrTokenInvalid)
	}
	return nil
}
