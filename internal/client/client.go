// Package client talks to a feedsync server from the outside: it signs in
// against the identity provider, bridges identities into server sessions,
// and serves the feed engine's Source over HTTP and a websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/model"
)

// Client holds the server address and an HTTP client whose cookie jar
// carries the session cookie.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. It should have a cookie
// jar, or session calls won't stick.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for the server at baseURL ("http://localhost:8080").
func New(baseURL string, logger *slog.Logger, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("client: base URL must be http or https, got %q", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("client: creating cookie jar: %w", err)
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Jar: jar, Timeout: 15 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// errorBody mirrors the server's error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
	Code    string `json:"code"`
}

// do sends a JSON request and decodes a JSON response into out (which may
// be nil). bearer, when set, is sent as the Authorization header.
//
// Non-2xx responses come back as *apperror.AppError of the matching kind;
// network failures as ErrTransport.
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperror.Transport(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperror.Transport(method+" "+path, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// responseError turns a failed response into an AppError of the kind the
// status code names.
func responseError(resp *http.Response) error {
	var eb errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb); err != nil || eb.Message == "" {
		eb.Message = http.StatusText(resp.StatusCode)
	}

	var kind error
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		kind = apperror.ErrValidation
	case resp.StatusCode == http.StatusUnauthorized:
		kind = apperror.ErrUnauthenticated
	case resp.StatusCode == http.StatusForbidden:
		kind = apperror.ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		kind = apperror.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		kind = apperror.ErrConflict
	default:
		kind = apperror.ErrTransport
	}
	return &apperror.AppError{
		Err:     kind,
		Cause:   &StatusError{StatusCode: resp.StatusCode, Code: eb.Code},
		Message: eb.Message,
		Field:   eb.Field,
	}
}

// StatusError records the HTTP status and sign-in code behind a failed
// call. It sits in the Cause of the returned AppError.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d (%s)", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// SignInCode returns the identity provider's failure code carried by err,
// or "".
func SignInCode(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// bearerFor returns a current ID token for id.
func bearerFor(id *model.Identity) (string, error) {
	if id == nil || id.Tokens == nil {
		return "", apperror.Unauthenticated("No token", nil)
	}
	tok, err := id.Tokens.Token()
	if err != nil {
		if errors.Is(err, apperror.ErrUnauthenticated) {
			return "", err
		}
		return "", apperror.Transport("token refresh", err)
	}
	return tok.AccessToken, nil
}
