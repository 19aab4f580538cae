package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/model"
)

// staticAuthenticator accepts exactly one bearer token.
type staticAuthenticator struct{}

func (staticAuthenticator) Authenticate(r *http.Request) (*model.Principal, error) {
	if tok, ok := BearerToken(r); ok && tok == "good" {
		return &model.Principal{UID: "u-1"}, nil
	}
	switch r.Header.Get("Authorization") {
	case "Bearer store-down":
		return nil, apperror.Transport("session lookup", errors.New("dial tcp 10.0.0.5:5432: connection refused"))
	case "Bearer broken":
		return nil, errors.New("unexpected")
	}
	return nil, apperror.Unauthenticated("session cookie missing", nil)
}

func echoUID(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		_, _ = w.Write([]byte("anonymous"))
		return
	}
	_, _ = w.Write([]byte(p.UID))
}

func TestRequireAuth(t *testing.T) {
	h := RequireAuth(staticAuthenticator{})(http.HandlerFunc(echoUID))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"valid bearer", "Bearer good", http.StatusOK, "u-1"},
		{"lowercase scheme", "bearer good", http.StatusOK, "u-1"},
		{"wrong token", "Bearer bad", http.StatusUnauthorized, `"error":"Unauthorized"`},
		{"no header", "", http.StatusUnauthorized, "session cookie missing"},
		{"store unavailable", "Bearer store-down", http.StatusBadGateway, `"error":"unavailable"`},
		{"unexpected failure", "Bearer broken", http.StatusInternalServerError, `"error":"internal_error"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestRequireAuth_StoreFailureHidesCause(t *testing.T) {
	h := RequireAuth(staticAuthenticator{})(http.HandlerFunc(echoUID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer store-down")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	assert.NotContains(t, rec.Body.String(), "Unauthorized")
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Basic abc")
	_, ok = BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer  tok ")
	tok, ok := BearerToken(req)
	assert.True(t, ok)
	assert.Equal(t, "tok", tok)
}
