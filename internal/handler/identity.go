package handler

import (
	"log/slog"
	"net/http"

	"github.com/rs/xid"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/auth"
	"github.com/sakif/feedsync/internal/identity"
	"github.com/sakif/feedsync/internal/session"
)

const oauthStateCookie = "oauth_state"

// IdentityHandler exposes the identity provider: email/password sign-up and
// sign-in, ID token refresh and the GitHub OAuth flow.
//
// Sign-up, sign-in and refresh answer with an ID token only. Turning it
// into a session is the client's job (POST /api/auth/session). The GitHub
// callback is the exception: it ends in a browser redirect, so it mints the
// session cookie itself.
type IdentityHandler struct {
	idp      *identity.Provider
	github   *auth.GitHubProvider // nil when GitHub sign-in is not configured
	sessions *session.Service
	cookies  session.CookiePolicy
	logger   *slog.Logger
}

func NewIdentityHandler(
	idp *identity.Provider,
	github *auth.GitHubProvider,
	sessions *session.Service,
	cookies session.CookiePolicy,
	logger *slog.Logger,
) *IdentityHandler {
	return &IdentityHandler{
		idp:      idp,
		github:   github,
		sessions: sessions,
		cookies:  cookies,
		logger:   logger,
	}
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleSignUp creates a password account.
//
// HTTP: POST /api/identity/signup
// REQUEST BODY: {"email": "...", "password": "...", "displayName": "..."}
func (h *IdentityHandler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	var in identity.SignUpInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.idp.SignUp(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// HandleSignIn checks an email and password.
//
// HTTP: POST /api/identity/signin
// REQUEST BODY: {"email": "...", "password": "..."}
func (h *IdentityHandler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var in signInRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.idp.SignIn(r.Context(), in.Email, in.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleRefresh trades the bearer ID token for a fresh one.
//
// HTTP: POST /api/identity/refresh
// Header: Authorization: Bearer <idToken>
//
// ID tokens outlive neither their hour nor a missing bearer, but the session
// cookie does. When the bearer is absent or rejected, a valid session cookie
// is enough to reissue a token for the session's account.
func (h *IdentityHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var err error = apperror.Unauthenticated("No token", nil)
	if token, ok := auth.BearerToken(r); ok {
		res, rerr := h.idp.Refresh(r.Context(), token)
		if rerr == nil {
			writeJSON(w, http.StatusOK, res)
			return
		}
		if apperror.Kind(rerr) != apperror.ErrUnauthenticated {
			writeError(w, rerr)
			return
		}
		err = rerr
	}

	sess, verr := h.sessions.Verify(r.Context(), session.ArtifactFrom(r))
	if verr != nil {
		writeError(w, verr)
		return
	}
	if sess.Status != session.Valid {
		writeError(w, err)
		return
	}

	res, err := h.idp.Reissue(r.Context(), sess.Principal.UID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleGitHubLogin redirects the browser to GitHub's authorization page.
//
// HTTP: GET /auth/github/login
//
// The random state is kept in a short-lived HttpOnly cookie and checked on
// callback, which proves the callback was started here (CSRF).
func (h *IdentityHandler) HandleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		writeError(w, identity.ErrorFor(identity.CodeOperationNotAllowed))
		return
	}

	state := xid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10 minutes
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.github.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGitHubCallback completes the OAuth flow.
//
// HTTP: GET /auth/github/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the code for a GitHub profile
//  3. Sign the linked account in (created on first use)
//  4. Mint a session from the fresh ID token and set the cookie
//  5. Redirect to the app home page
func (h *IdentityHandler) HandleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		writeError(w, identity.ErrorFor(identity.CodeOperationNotAllowed))
		return
	}

	// --- Step 1: Validate CSRF state ---
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" {
		h.logger.Warn("auth callback: missing state cookie")
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("state") != stateCookie.Value {
		h.logger.Warn("auth callback: state mismatch",
			slog.String("expected", stateCookie.Value),
			slog.String("got", r.URL.Query().Get("state")),
		)
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}

	// Single use.
	http.SetCookie(w, &http.Cookie{
		Name:   oauthStateCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("auth callback: user denied authorization", slog.String("error", errParam))
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	// --- Step 2: Exchange code for GitHub profile ---
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing OAuth code", http.StatusBadRequest)
		return
	}

	profile, err := h.github.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("auth callback: GitHub exchange failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	// --- Step 3: Sign in ---
	res, err := h.idp.SignInGitHub(r.Context(), profile)
	if err != nil {
		if c := identity.CodeOf(err); c != "" {
			http.Redirect(w, r, "/?auth="+string(c), http.StatusSeeOther)
			return
		}
		h.logger.Error("auth callback: sign-in failed",
			slog.Int64("githubID", profile.ID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	// --- Step 4: Mint the session cookie ---
	minted, err := h.sessions.Exchange(r.Context(), res.IDToken)
	if err != nil {
		h.logger.Error("auth callback: session exchange failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}
	h.cookies.Set(w, minted.Token)

	// --- Step 5: Redirect to the app ---
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
