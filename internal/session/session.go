// Package session is the server side of the session bridge.
//
// A client proves who it is once, with a short-lived ID token from the
// identity provider, and gets back a 5-day session artifact in an HttpOnly
// cookie. Every later verification of that artifact checks the session row
// in the store, so revoking the row takes effect on the very next request.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/auth"
	"github.com/sakif/feedsync/internal/metrics"
	"github.com/sakif/feedsync/internal/model"
	"github.com/sakif/feedsync/internal/repository"
)

// IDTokenVerifier checks identity provider tokens.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*model.Identity, error)
}

// Service mints, verifies and revokes sessions.
type Service struct {
	sessions repository.SessionRepository
	tokens   *auth.TokenService
	idp      IDTokenVerifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records outcomes into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires a Service. tokens must be the session token service.
func NewService(
	sessions repository.SessionRepository,
	tokens *auth.TokenService,
	idp IDTokenVerifier,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		sessions: sessions,
		tokens:   tokens,
		idp:      idp,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Minted is the result of a successful exchange.
type Minted struct {
	Token    string
	Session  *model.Session
	Identity *model.Identity
}

// Exchange verifies an ID token and mints a session for its principal.
//
// Errors: ErrValidation when the token is missing, ErrUnauthenticated when
// it doesn't verify, ErrTransport when the session can't be stored.
func (s *Service) Exchange(ctx context.Context, idToken string) (*Minted, error) {
	if idToken == "" {
		return nil, apperror.ValidationFailed("idToken", "No token")
	}

	id, err := s.idp.VerifyIDToken(ctx, idToken)
	if err != nil {
		s.metrics.SessionOutcome("exchange_rejected")
		if errors.Is(err, apperror.ErrUnauthenticated) {
			return nil, err
		}
		return nil, apperror.Transport("session exchange", err)
	}

	now := s.now().UTC()
	sess := &model.Session{
		ID:        xid.New().String(),
		UID:       id.UID,
		IssuedAt:  now,
		ExpiresAt: now.Add(model.SessionTTL),
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, apperror.Transport("session mint", err)
	}

	token, err := s.tokens.IssueSessionToken(sess, id)
	if err != nil {
		return nil, apperror.Transport("session mint", err)
	}

	s.metrics.SessionOutcome("minted")
	s.logger.Info("session minted", slog.String("uid", id.UID), slog.String("sid", sess.ID))
	return &Minted{Token: token, Session: sess, Identity: id}, nil
}

// Verify decodes an artifact and checks it against the store. It never
// caches: a revoked session fails on the next call.
//
// The error is reserved for the store being unreachable; every verdict
// about the artifact itself is in the returned Result.
func (s *Service) Verify(ctx context.Context, artifact string) (Result, error) {
	res, err := s.verify(ctx, artifact)
	if err == nil {
		s.metrics.SessionOutcome(res.Status.String())
	}
	return res, err
}

func (s *Service) verify(ctx context.Context, artifact string) (Result, error) {
	if artifact == "" {
		return Result{Status: Absent}, nil
	}

	claims, err := s.tokens.ParseSessionToken(artifact)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return Result{Status: Expired}, nil
		}
		return Result{Status: Invalid}, nil
	}

	sess, err := s.sessions.GetSession(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return Result{Status: Invalid}, nil
		}
		return Result{}, apperror.Transport("session lookup", err)
	}

	switch {
	case sess.UID != claims.Subject:
		return Result{Status: Invalid}, nil
	case sess.Revoked:
		return Result{Status: Revoked, Session: sess}, nil
	case sess.Expired(s.now()):
		return Result{Status: Expired, Session: sess}, nil
	}
	return Result{Status: Valid, Session: sess, Principal: claims.Principal()}, nil
}

// Revoke ends the session behind artifact. An absent or already unusable
// artifact is a no-op success.
func (s *Service) Revoke(ctx context.Context, artifact string) error {
	res, err := s.verify(ctx, artifact)
	if err != nil {
		return err
	}
	if res.Status != Valid {
		return nil
	}
	if err := s.sessions.RevokeSession(ctx, res.Session.ID, s.now().UTC()); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil
		}
		return apperror.Transport("session teardown", err)
	}
	s.metrics.SessionOutcome("torn_down")
	s.logger.Info("session revoked", slog.String("uid", res.Session.UID), slog.String("sid", res.Session.ID))
	return nil
}

// RevokeAll ends every session of uid, signing it out on all devices.
func (s *Service) RevokeAll(ctx context.Context, uid string) error {
	if err := s.sessions.RevokeUserSessions(ctx, uid, s.now().UTC()); err != nil {
		return apperror.Transport("session teardown", err)
	}
	s.metrics.SessionOutcome("torn_down")
	s.logger.Info("all sessions revoked", slog.String("uid", uid))
	return nil
}

// Current returns the principal of the request's session cookie, or nil.
// It never fails: absence, invalidity and store errors all read as "nobody".
func (s *Service) Current(r *http.Request) *model.Principal {
	res, err := s.Verify(r.Context(), ArtifactFrom(r))
	if err != nil {
		s.logger.Warn("session verification failed", slog.String("error", err.Error()))
		return nil
	}
	return res.Principal
}

// Authenticate implements auth.Authenticator. The session cookie wins when
// present; otherwise a bearer ID token is accepted, which lets a client use
// the API before (or without) exchanging for a session.
func (s *Service) Authenticate(r *http.Request) (*model.Principal, error) {
	if artifact := ArtifactFrom(r); artifact != "" {
		res, err := s.Verify(r.Context(), artifact)
		if err != nil {
			return nil, err
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		return res.Principal, nil
	}

	if token, ok := auth.BearerToken(r); ok {
		id, err := s.idp.VerifyIDToken(r.Context(), token)
		if err != nil {
			return nil, err
		}
		return &model.Principal{
			UID:         id.UID,
			Email:       id.Email,
			DisplayName: id.DisplayName,
			PhotoURL:    id.PhotoURL,
		}, nil
	}

	return nil, Result{Status: Absent}.Err()
}

// StillValid re-checks a session that was valid when a long-lived
// connection opened. Bearer-authenticated connections (no session id)
// stay valid.
func (s *Service) StillValid(ctx context.Context, p *model.Principal) (bool, error) {
	if p == nil || p.SessionID == "" {
		return true, nil
	}
	sess, err := s.sessions.GetSession(ctx, p.SessionID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("session: re-checking %s: %w", p.SessionID, err)
	}
	return !sess.Revoked && !sess.Expired(s.now()), nil
}
