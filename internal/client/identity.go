package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/model"
)

// tokenResponse is the identity provider's sign-in answer.
type tokenResponse struct {
	User      model.User `json:"user"`
	IDToken   string     `json:"idToken"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// SignUp creates a password account and returns its identity.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (*model.Identity, error) {
	var res tokenResponse
	in := map[string]string{"email": email, "password": password, "displayName": displayName}
	if err := c.do(ctx, http.MethodPost, "/api/identity/signup", "", in, &res); err != nil {
		return nil, err
	}
	return c.identityFrom(&res), nil
}

// SignIn checks an email and password and returns the identity.
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	var res tokenResponse
	in := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/identity/signin", "", in, &res); err != nil {
		return nil, err
	}
	return c.identityFrom(&res), nil
}

// identityFrom builds an Identity whose token source refreshes itself
// through the provider shortly before the ID token expires.
func (c *Client) identityFrom(res *tokenResponse) *model.Identity {
	first := &oauth2.Token{
		AccessToken: res.IDToken,
		TokenType:   "Bearer",
		Expiry:      res.ExpiresAt,
	}
	r := &refresher{c: c, uid: res.User.ID, last: res.IDToken}
	return &model.Identity{
		UID:         res.User.ID,
		Email:       res.User.Email,
		DisplayName: res.User.DisplayName,
		PhotoURL:    res.User.PhotoURL,
		Tokens:      oauth2.ReuseTokenSource(first, r),
	}
}

// refresher trades the last ID token for a new one. Once the ID token has
// expired, the session cookie in the client's jar carries the refresh.
type refresher struct {
	c   *Client
	uid string

	mu   sync.Mutex
	last string
}

func (r *refresher) Token() (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var res tokenResponse
	if err := r.c.do(ctx, http.MethodPost, "/api/identity/refresh", r.last, nil, &res); err != nil {
		return nil, err
	}
	if res.User.ID != r.uid {
		return nil, apperror.Unauthenticated("refresh answered for another account", nil)
	}
	r.last = res.IDToken
	return &oauth2.Token{
		AccessToken: res.IDToken,
		TokenType:   "Bearer",
		Expiry:      res.ExpiresAt,
	}, nil
}
