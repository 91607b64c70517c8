package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON or writeError, so every error
// response has the same shape:
//
//	{"error": "unauthorized", "message": "Unauthorized"}
//
// The frontend switches on "error" and shows "message" as is.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/mailauth/internal/apperror"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "unauthorized")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Offending input field for validation errors
}

// writeJSON sends a JSON response with the given status code.
//
// Headers and status must be written BEFORE the body: once Encode calls
// w.Write the headers are on the wire and later changes are ignored.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent, we can only log it.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
//
// ERROR MAPPING:
//
//	ErrValidation       → 400 validation_error
//	ErrUnauthorized     → 401 unauthorized
//	ErrEmailNotVerified → 401 email_not_verified
//	ErrExchangeFailed   → 401 exchange_failed
//	ErrForbidden        → 403 forbidden
//	ErrNotFound         → 404 not_found
//	ErrConflict         → 409 conflict
//	anything else       → 500 internal_error
//
// errors.Is walks the whole chain, so a service may wrap an AppError with
// fmt.Errorf("...: %w", err) and the mapping still applies.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		errorType := "internal_error"

		switch {
		case errors.Is(err, apperror.ErrValidation):
			status = http.StatusBadRequest // 400
			errorType = "validation_error"
		case errors.Is(err, apperror.ErrUnauthorized):
			status = http.StatusUnauthorized // 401
			errorType = "unauthorized"
		case errors.Is(err, apperror.ErrEmailNotVerified):
			status = http.StatusUnauthorized // 401
			errorType = "email_not_verified"
		case errors.Is(err, apperror.ErrExchangeFailed):
			status = http.StatusUnauthorized // 401
			errorType = "exchange_failed"
		case errors.Is(err, apperror.ErrNotFound):
			status = http.StatusNotFound // 404
			errorType = "not_found"
		case errors.Is(err, apperror.ErrForbidden):
			status = http.StatusForbidden // 403
			errorType = "forbidden"
		case errors.Is(err, apperror.ErrConflict):
			status = http.StatusConflict // 409
			errorType = "conflict"
		}

		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Message,
			Field:   appErr.Field,
		})
		return
	}

	// Unknown error: NEVER expose internal detail (SQL, provider bodies) to
	// the client. The caller has already logged it.
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}

// decodeJSON reads a JSON body into dst. A malformed body is a validation
// error so it maps to 400 like any other bad input.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return apperror.ValidationFailed("body", "invalid JSON body")
	}
	return nil
}
