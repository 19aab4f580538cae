package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/feedsync/internal/auth"
	"github.com/sakif/feedsync/internal/session"
)

// SessionHandler is the server half of the session bridge: it turns an
// identity token into a session cookie and back into nothing.
type SessionHandler struct {
	sessions *session.Service
	cookies  session.CookiePolicy
	logger   *slog.Logger
}

func NewSessionHandler(sessions *session.Service, cookies session.CookiePolicy, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		cookies:  cookies,
		logger:   logger,
	}
}

type exchangeRequest struct {
	IDToken string `json:"idToken"`
}

// HandleExchange mints a session from an identity token.
//
// HTTP: POST /api/auth/session
// REQUEST BODY: {"idToken": "..."}
//
// 200 {"status":"success","uid":"..."} plus the session cookie; 400 when the
// token is missing; 401 when it doesn't verify.
func (h *SessionHandler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	minted, err := h.sessions.Exchange(r.Context(), req.IDToken)
	if err != nil {
		h.logger.Info("session exchange rejected", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	h.cookies.Set(w, minted.Token)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "success", UID: minted.Identity.UID})
}

// HandleSignOut clears the session cookie and revokes the session behind it.
//
// HTTP: POST /api/auth/signout[?everywhere=true]
//
// Signing out without a session (or with a dead one) still succeeds: the
// caller ends up signed out either way. everywhere=true revokes every
// session of the principal, not just this one. Only a store failure is an
// error.
func (h *SessionHandler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	artifact := session.ArtifactFrom(r)
	h.cookies.Clear(w)

	if r.URL.Query().Get("everywhere") == "true" {
		res, err := h.sessions.Verify(r.Context(), artifact)
		if err == nil && res.Principal != nil {
			err = h.sessions.RevokeAll(r.Context(), res.Principal.UID)
		}
		if err != nil {
			h.signOutFailed(w, err)
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{Status: "success"})
		return
	}

	if err := h.sessions.Revoke(r.Context(), artifact); err != nil {
		h.signOutFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "success"})
}

func (h *SessionHandler) signOutFailed(w http.ResponseWriter, err error) {
	h.logger.Error("session teardown failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "Sign out failed",
	})
}

// HandleMe returns the principal of the current session.
//
// HTTP: GET /api/me
// Auth: Required (RequireAuth puts the principal in the context)
func (h *SessionHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "No session"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}
