package handler

// RESPONSE HELPERS:
// Every error response from the API has the same shape:
//   {"error": "not_found", "message": "post not found with id abc123"}
//
// Identity failures add the machine-readable sign-in code and validation
// failures add the offending field, so a client can highlight it:
//   {"error": "validation_error", "message": "...", "field": "title"}

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/identity"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Input field at fault, if any
	Code    string `json:"code,omitempty"`  // Sign-in failure code, if any
}

// StatusResponse is the body of endpoints that only report success.
type StatusResponse struct {
	Status string `json:"status"`
	UID    string `json:"uid,omitempty"`
}

// writeJSON sends a JSON response with the given status code.
// Headers and status must be written before the body; changes after the
// first Write are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// decodeJSON reads a single JSON object from the request body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperror.ValidationFailed("", "Invalid JSON body")
	}
	return nil
}

// writeError maps a domain error to the appropriate HTTP status code and
// sends it.
//
// The service layer never knows about status codes; this is the one place
// where ErrNotFound becomes 404. errors.Is walks the whole chain, so a
// wrapped AppError still matches its sentinel.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		errorType := "internal_error"

		switch {
		case errors.Is(err, apperror.ErrValidation):
			status = http.StatusBadRequest // 400
			errorType = "validation_error"
		case errors.Is(err, apperror.ErrUnauthenticated):
			status = http.StatusUnauthorized // 401
			errorType = "Unauthorized"
		case errors.Is(err, apperror.ErrForbidden):
			status = http.StatusForbidden // 403
			errorType = "forbidden"
		case errors.Is(err, apperror.ErrNotFound):
			status = http.StatusNotFound // 404
			errorType = "not_found"
		case errors.Is(err, apperror.ErrConflict):
			status = http.StatusConflict // 409
			errorType = "conflict"
		case errors.Is(err, apperror.ErrTransport):
			// The store behind us failed; don't leak its error text.
			slog.Error("upstream failure", slog.String("error", err.Error()))
			writeJSON(w, http.StatusBadGateway, ErrorResponse{
				Error:   "unavailable",
				Message: "The service is temporarily unavailable. Please retry.",
			})
			return
		}

		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Message,
			Field:   appErr.Field,
			Code:    string(identity.CodeOf(err)),
		})
		return
	}

	// Unknown error: never expose internals (SQL, file paths) to the client.
	slog.Error("unhandled error", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}
