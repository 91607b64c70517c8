// Package identity is the boundary to the external identity provider.
//
// THE TWO CREDENTIALS:
//
//	identity token     short-lived, minted by the provider's client SDK after
//	                   the user signs in (password, Google, ...). Sent to us
//	                   exactly once, on POST /auth/login.
//	session credential long-lived (5 days), minted by the provider from an
//	                   identity token at our request. Lives in the httpOnly
//	                   "session" cookie and is verified on every guarded call.
//
// Both are JWTs signed by the provider. We never trust a claim that did not
// come out of a successful Verify call.
//
// Implementations:
//   - identity/firebase: Firebase Authentication (production)
//   - identity/local:    self-signed HS256 tokens (development and tests)
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidToken = errors.New("identity: invalid token")
	ErrExpired      = errors.New("identity: token expired")
	ErrRevoked      = errors.New("identity: session revoked")
	ErrUserDisabled = errors.New("identity: user disabled")
)

// Claims is the verified claim set of an identity token or session credential.
//
// It is a fixed record, not a map: optional fields are simply empty when the
// provider did not send them (Email is empty for some phone/anonymous
// sign-ins, DBUserID is empty until SetCustomClaims has run).
type Claims struct {
	Subject        string
	Email          string
	EmailVerified  bool
	Name           string
	Picture        string
	SignInProvider string // "password", "google.com", ...

	// DBUserID is the internal user id bound through SetCustomClaims.
	DBUserID string

	Issuer    string
	Audience  string
	IssuedAt  time.Time
	AuthTime  time.Time
	ExpiresAt time.Time
}

// CustomClaims are the application claims attached to an external identity
// so that they round-trip through every credential minted afterwards.
type CustomClaims struct {
	DBUserID string `json:"dbUserId"`
}

// Provider is everything the application needs from the identity provider.
type Provider interface {
	// VerifyIDToken checks an identity token produced by the client SDK.
	VerifyIDToken(ctx context.Context, idToken string) (*Claims, error)

	// CreateSession exchanges a verified identity token for a session
	// credential that expires after expiresIn.
	CreateSession(ctx context.Context, idToken string, expiresIn time.Duration) (string, error)

	// VerifySession checks a session credential. With checkRevoked set the
	// provider is consulted so that a credential revoked by RevokeSessions
	// fails even though it has not expired yet.
	VerifySession(ctx context.Context, credential string, checkRevoked bool) (*Claims, error)

	// SetCustomClaims replaces the custom claims stored for subject.
	SetCustomClaims(ctx context.Context, subject string, claims CustomClaims) error

	// RevokeSessions invalidates every outstanding session credential of
	// subject. Revocation is global per subject, not per credential.
	RevokeSessions(ctx context.Context, subject string) error
}
