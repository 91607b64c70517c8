package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the JWT payload shared by identity tokens and session
// credentials. The field names follow the Firebase token format so the same
// struct decodes both providers' tokens.
type TokenClaims struct {
	jwt.RegisteredClaims

	Email         string       `json:"email,omitempty"`
	EmailVerified bool         `json:"email_verified"`
	Name          string       `json:"name,omitempty"`
	Picture       string       `json:"picture,omitempty"`
	AuthTime      int64        `json:"auth_time,omitempty"`
	Firebase      FirebaseInfo `json:"firebase"`

	// Custom claims.
	DBUserID string `json:"dbUserId,omitempty"`

	// Generation is the revocation generation a credential was minted
	// under. Only the local provider sets it.
	Generation int64 `json:"gen,omitempty"`
}

type FirebaseInfo struct {
	SignInProvider string `json:"sign_in_provider,omitempty"`
}

// ToClaims converts the decoded payload to the typed Claims record.
func (c *TokenClaims) ToClaims() *Claims {
	out := &Claims{
		Subject:        c.Subject,
		Email:          c.Email,
		EmailVerified:  c.EmailVerified,
		Name:           c.Name,
		Picture:        c.Picture,
		SignInProvider: c.Firebase.SignInProvider,
		DBUserID:       c.DBUserID,
		Issuer:         c.Issuer,
	}
	if len(c.Audience) > 0 {
		out.Audience = c.Audience[0]
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	if c.AuthTime > 0 {
		out.AuthTime = time.Unix(c.AuthTime, 0)
	}
	return out
}

// KeySource resolves the RSA public key for a token's "kid" header.
type KeySource interface {
	PublicKey(ctx context.Context, kid string) (any, error)
}

// VerifyOptions pins what a token must look like to be accepted.
type VerifyOptions struct {
	Issuer   string
	Audience string
	Method   jwt.SigningMethod
	Now      func() time.Time
}

// ParseToken verifies signature, algorithm, issuer, audience and expiry and
// returns the decoded payload. Every failure is reported as ErrExpired or
// ErrInvalidToken (wrapped) so callers never branch on jwt library errors.
func ParseToken(ctx context.Context, raw string, keys KeySource, opts VerifyOptions) (*TokenClaims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{opts.Method.Alg()}),
		jwt.WithIssuer(opts.Issuer),
		jwt.WithAudience(opts.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if opts.Now != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(opts.Now))
	}

	var claims TokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return keys.PublicKey(ctx, kid)
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Subject == "" || len(claims.Subject) > 128 {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}

	return &claims, nil
}
