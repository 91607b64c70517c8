// Package apperror defines the domain errors shared by the service, guard and
// handler layers. Sentinels are matched with errors.Is; AppError carries the
// human-readable message that is safe to show to a client.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")

	// ErrUnauthorized covers every credential failure: a bad identity token,
	// a missing, expired or revoked session, or an anonymous caller on a
	// route that needs one.
	ErrUnauthorized     = errors.New("unauthorized")
	ErrEmailNotVerified = errors.New("email not verified")
	ErrExchangeFailed   = errors.New("exchange failed")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Conflict reports a uniqueness violation on resource keyed by key
// (for users, the email address).
func Conflict(resource, key string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s already exists: %s", resource, key),
		Field:   resource,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized always carries the same generic message so verification
// internals never reach the client.
func Unauthorized() *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: "Unauthorized",
	}
}

func EmailNotVerified() *AppError {
	return &AppError{
		Err:     ErrEmailNotVerified,
		Message: "Email not verified. Please verify your email first.",
	}
}

// ExchangeFailed hides the provider's error body; log it before returning this.
func ExchangeFailed() *AppError {
	return &AppError{
		Err:     ErrExchangeFailed,
		Message: "Authentication failed",
	}
}
