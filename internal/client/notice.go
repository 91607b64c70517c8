package client

import (
	"errors"
	"net/http"
)

// NoticeKind is the failure category a UI shows a notice for.
type NoticeKind string

const (
	NoticeInvalidCredentials NoticeKind = "invalid_credentials"
	NoticeEmailExists        NoticeKind = "email_exists"
	NoticeEmailNotVerified   NoticeKind = "email_not_verified"
	NoticeRateLimited        NoticeKind = "rate_limited"
	NoticeGeneric            NoticeKind = "generic"
)

// Notice is a user-facing toast: a short title and one sentence.
type Notice struct {
	Kind        NoticeKind
	Title       string
	Description string
}

// Describe maps an API failure to the notice a user should see. Anything it
// does not recognise, including transport errors, gets the generic notice.
func Describe(err error) Notice {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return genericNotice
	}

	switch {
	case apiErr.Code == "email_exists":
		return Notice{
			Kind:        NoticeEmailExists,
			Title:       "Email already in use",
			Description: "An account with this email already exists. Try signing in instead.",
		}
	case apiErr.Code == "email_not_verified":
		return Notice{
			Kind:        NoticeEmailNotVerified,
			Title:       "Email not verified",
			Description: "Please verify your email first, then sign in again.",
		}
	case apiErr.Status == http.StatusUnauthorized:
		return Notice{
			Kind:        NoticeInvalidCredentials,
			Title:       "Sign-in failed",
			Description: "Invalid credentials. Please check them and try again.",
		}
	case apiErr.Status == http.StatusTooManyRequests:
		return Notice{
			Kind:        NoticeRateLimited,
			Title:       "Too many attempts",
			Description: "Please wait a moment and try again.",
		}
	}
	return genericNotice
}

var genericNotice = Notice{
	Kind:        NoticeGeneric,
	Title:       "Something went wrong",
	Description: "An error occurred. Please try again.",
}
