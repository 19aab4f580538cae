// Package identity is the identity provider: it owns user accounts, checks
// credentials and issues the short-lived ID tokens clients present to the
// session bridge and to the feed API.
//
//	IdentityHandler (HTTP) → Provider (account rules) → UserRepository (DB)
//	                                                 ↘ TokenService (JWT)
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/auth"
	"github.com/sakif/feedsync/internal/model"
	"github.com/sakif/feedsync/internal/repository"
)

const (
	// IDTokenTTL is the default lifetime of an ID token.
	IDTokenTTL = time.Hour
	// MinPasswordLength is the shortest password sign-up accepts.
	MinPasswordLength = 6
)

// Provider handles sign-up, sign-in and ID token issue and verification.
type Provider struct {
	users     repository.UserRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *slog.Logger
	ttl       time.Duration
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithIDTokenTTL replaces IDTokenTTL.
func WithIDTokenTTL(ttl time.Duration) ProviderOption {
	return func(p *Provider) { p.ttl = ttl }
}

// NewProvider wires a Provider. tokens must be the ID token service.
func NewProvider(
	users repository.UserRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
	opts ...ProviderOption,
) *Provider {
	p := &Provider{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
		ttl:       IDTokenTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result is a successful sign-in: the account and a fresh ID token.
type Result struct {
	User      *model.User `json:"user"`
	IDToken   string      `json:"idToken"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Identity is the client-side view of the signed-in account.
func (r *Result) Identity() *model.Identity {
	return &model.Identity{
		UID:         r.User.ID,
		Email:       r.User.Email,
		DisplayName: r.User.DisplayName,
		PhotoURL:    r.User.PhotoURL,
	}
}

// SignUpInput is the payload of an email/password sign-up.
type SignUpInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

// normalize trims the display name and lower-cases the email.
func (in *SignUpInput) normalize() {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.DisplayName = strings.TrimSpace(in.DisplayName)
}

// Validate checks the payload. Keys of the returned validation.Errors are
// the json field names.
func (in SignUpInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.Email),
		validation.Field(&in.Password, validation.Required, validation.Length(MinPasswordLength, 72)),
		validation.Field(&in.DisplayName, validation.Length(0, 100)),
	)
}

// SignUp creates a password account and signs it in.
func (p *Provider) SignUp(ctx context.Context, in SignUpInput) (*Result, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, signUpError(err)
	}

	hash, err := p.passwords.Hash(in.Password)
	if err != nil {
		return nil, newError(CodeWeakPassword, "password", err)
	}

	user := &model.User{
		Email:        in.Email,
		DisplayName:  in.DisplayName,
		PasswordHash: hash,
	}
	if err := p.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, newError(CodeEmailInUse, "email", err)
		}
		return nil, fmt.Errorf("identity: creating user: %w", err)
	}

	p.logger.Info("user signed up", slog.String("uid", user.ID))
	return p.issue(user)
}

// SignIn checks an email and password. Unknown email and wrong password
// fail identically so the endpoint can't be used to probe for accounts.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*Result, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return nil, newError(CodeInvalidEmail, "email", err)
	}

	user, err := p.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, newError(CodeInvalidCredential, "", nil)
		}
		return nil, fmt.Errorf("identity: looking up user: %w", err)
	}
	if err := p.passwords.Verify(user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, newError(CodeInvalidCredential, "", nil)
		}
		return nil, fmt.Errorf("identity: verifying password: %w", err)
	}

	p.logger.Info("user signed in", slog.String("uid", user.ID), slog.String("method", "password"))
	return p.issue(user)
}

// SignInGitHub signs in (creating on first use) the account linked to a
// GitHub profile. The account's internal id is stable across sign-ins.
func (p *Provider) SignInGitHub(ctx context.Context, profile *auth.GitHubProfile) (*Result, error) {
	if profile == nil || profile.ID == 0 {
		return nil, fmt.Errorf("identity: GitHub profile must not be empty")
	}

	email := strings.ToLower(strings.TrimSpace(profile.Email))
	if email != "" {
		existing, err := p.users.GetUserByEmail(ctx, email)
		switch {
		case err == nil && existing.GitHubID != profile.ID:
			return nil, newError(CodeAccountExists, "email", nil)
		case err != nil && !errors.Is(err, apperror.ErrNotFound):
			return nil, fmt.Errorf("identity: looking up user: %w", err)
		}
	}

	user := &model.User{
		GitHubID:    profile.ID,
		Email:       email,
		DisplayName: profile.DisplayName(),
		PhotoURL:    profile.AvatarURL,
	}
	if err := p.users.UpsertGitHubUser(ctx, user); err != nil {
		return nil, fmt.Errorf("identity: upserting user (githubID=%d): %w", profile.ID, err)
	}

	p.logger.Info("user signed in",
		slog.String("uid", user.ID),
		slog.String("method", "github"),
		slog.String("login", profile.Login),
	)
	return p.issue(user)
}

// Refresh exchanges a still-valid ID token for a new one carrying the
// account's current profile.
func (p *Provider) Refresh(ctx context.Context, idToken string) (*Result, error) {
	user, err := p.verify(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return p.issue(user)
}

// Reissue issues a fresh ID token for uid without a prior token. Callers
// must already have authenticated uid some other way, such as a valid
// session cookie.
func (p *Provider) Reissue(ctx context.Context, uid string) (*Result, error) {
	user, err := p.users.GetUserByID(ctx, uid)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, newError(CodeUserNotFound, "", err)
		}
		return nil, apperror.Transport("identity lookup", err)
	}
	return p.issue(user)
}

// VerifyIDToken checks an ID token's signature, issuer and expiry, and that
// its account still exists. Failures wrap apperror.ErrUnauthenticated.
func (p *Provider) VerifyIDToken(ctx context.Context, idToken string) (*model.Identity, error) {
	user, err := p.verify(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return &model.Identity{
		UID:         user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		PhotoURL:    user.PhotoURL,
	}, nil
}

func (p *Provider) verify(ctx context.Context, idToken string) (*model.User, error) {
	claims, err := p.tokens.ParseIDToken(idToken)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, newError(CodeIDTokenExpired, "", err)
		}
		return nil, newError(CodeInvalidIDToken, "", err)
	}

	user, err := p.users.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, newError(CodeUserNotFound, "", err)
		}
		return nil, apperror.Transport("identity lookup", err)
	}
	return user, nil
}

func (p *Provider) issue(user *model.User) (*Result, error) {
	token, exp, err := p.tokens.IssueIDToken(user, p.ttl)
	if err != nil {
		return nil, fmt.Errorf("identity: issuing ID token for %s: %w", user.ID, err)
	}
	return &Result{User: user, IDToken: token, ExpiresAt: exp}, nil
}

// signUpError turns ozzo validation errors into a sign-in failure for the
// first offending field, checked in a fixed order.
func signUpError(err error) error {
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return apperror.ValidationFailed("", err.Error())
	}
	if e, ok := verrs["email"]; ok {
		return newError(CodeInvalidEmail, "email", e)
	}
	if e, ok := verrs["password"]; ok {
		return newError(CodeWeakPassword, "password", e)
	}
	if e, ok := verrs["displayName"]; ok {
		return apperror.ValidationFailed("displayName", "displayName "+e.Error())
	}
	return apperror.ValidationFailed("", verrs.Error())
}
