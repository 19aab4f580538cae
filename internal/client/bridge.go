package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/authstate"
	"github.com/sakif/feedsync/internal/model"
)

var _ authstate.Bridge = (*SessionBridge)(nil)

// SessionBridge is the client half of the session bridge. The session
// cookie it obtains lives in the Client's cookie jar.
type SessionBridge struct {
	c *Client
}

// Bridge returns the session bridge of c.
func (c *Client) Bridge() *SessionBridge {
	return &SessionBridge{c: c}
}

type exchangeRequest struct {
	IDToken string `json:"idToken"`
}

type exchangeResponse struct {
	Status string `json:"status"`
	UID    string `json:"uid"`
}

// Exchange trades id's current ID token for a session cookie.
//
// Errors: ErrUnauthenticated when the server rejects the token, ErrTransport
// for everything else.
func (b *SessionBridge) Exchange(ctx context.Context, id *model.Identity) error {
	token, err := bearerFor(id)
	if err != nil {
		return err
	}

	var res exchangeResponse
	err = b.c.do(ctx, http.MethodPost, "/api/auth/session", "", exchangeRequest{IDToken: token}, &res)
	if err != nil {
		if errors.Is(err, apperror.ErrUnauthenticated) || errors.Is(err, apperror.ErrTransport) {
			return err
		}
		return apperror.Transport("session exchange", err)
	}
	if res.UID != id.UID {
		return apperror.Transport("session exchange", errors.New("server minted a session for another principal"))
	}
	return nil
}

// Teardown asks the server to revoke the session and clear the cookie.
// Without a session it is still a success.
func (b *SessionBridge) Teardown(ctx context.Context) error {
	if err := b.c.do(ctx, http.MethodPost, "/api/auth/signout", "", nil, nil); err != nil {
		if errors.Is(err, apperror.ErrTransport) {
			return err
		}
		return apperror.Transport("session teardown", err)
	}
	return nil
}

// Me returns the principal of the current session cookie.
func (c *Client) Me(ctx context.Context) (*model.Principal, error) {
	var p model.Principal
	if err := c.do(ctx, http.MethodGet, "/api/me", "", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
