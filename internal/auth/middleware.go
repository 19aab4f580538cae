package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/model"
)

// contextKey is package-private so no other package can read or shadow the
// principal stored in a request context.
type contextKey string

const principalKey contextKey = "principal"

// SessionCookie is the name of the cookie holding the session artifact.
const SessionCookie = "session"

// Authenticator resolves the caller of a request. It returns an error
// wrapping apperror.ErrUnauthenticated when the request carries no usable
// credential.
type Authenticator interface {
	Authenticate(r *http.Request) (*model.Principal, error)
}

// RequireAuth rejects requests that don't authenticate with 401 and stores
// the principal in the context of those that do. A store or upstream
// failure while checking the credential is not a verdict on it: that is
// answered 502 (ErrTransport) or 500, so clients retry instead of signing
// out.
//
// Chi applies middlewares in a chain: req → M1 → M2 → Handler → M2 → M1 → resp
func RequireAuth(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r)
			if err != nil {
				rejectAuth(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func rejectAuth(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	body := map[string]string{"error": "Unauthorized", "message": err.Error()}

	switch apperror.Kind(err) {
	case apperror.ErrUnauthenticated:
	case apperror.ErrTransport:
		slog.Error("auth: credential check failed", slog.String("error", err.Error()))
		status = http.StatusBadGateway
		body = map[string]string{
			"error":   "unavailable",
			"message": "The service is temporarily unavailable. Please retry.",
		}
	default:
		slog.Error("auth: credential check failed", slog.String("error", err.Error()))
		status = http.StatusInternalServerError
		body = map[string]string{"error": "internal_error", "message": "An internal error occurred"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the authenticated caller, or (nil, false)
// for an anonymous request.
func PrincipalFromContext(ctx context.Context) (*model.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*model.Principal)
	return p, ok && p != nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
