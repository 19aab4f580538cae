package session

import (
	"net/http"

	"github.com/sakif/feedsync/internal/auth"
	"github.com/sakif/feedsync/internal/model"
)

// CookiePolicy writes the session cookie. Secure is on in production so
// the artifact only travels over TLS; local development runs plain HTTP.
type CookiePolicy struct {
	Secure bool
}

// Set stores artifact as the session cookie: HttpOnly, SameSite=Lax, path
// "/", max age the session validity window.
func (p CookiePolicy) Set(w http.ResponseWriter, artifact string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    artifact,
		Path:     "/",
		MaxAge:   int(model.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear tells the browser to delete the session cookie.
func (p CookiePolicy) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ArtifactFrom returns the session cookie value, or "".
func ArtifactFrom(r *http.Request) string {
	c, err := r.Cookie(auth.SessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}
