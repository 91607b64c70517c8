// Package local is a self-contained identity.Provider for development and
// tests. It plays both roles Firebase plays in production: it mints identity
// tokens (SignIDToken stands in for the client SDK) and it turns them into
// revocable session credentials.
//
// SIGNING:
// Everything is HS256 with one shared secret. Identity tokens and session
// credentials carry different issuers, so one can never be replayed as the
// other.
//
// REVOCATION:
// Each subject has a generation counter. Session credentials embed the
// generation they were minted under ("gen" claim); RevokeSessions bumps the
// counter, and VerifySession with checkRevoked rejects any credential from an
// older generation. Unlike a timestamp comparison this is exact even when the
// credential and the revocation fall in the same second.
//
// State is in-memory: restarting the process forgets custom claims and
// revocations.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sakif/mailauth/internal/identity"
)

const keyID = "local-hs256"

type account struct {
	custom     identity.CustomClaims
	generation int64
	disabled   bool
}

// Provider implements identity.Provider without any network calls.
type Provider struct {
	secret  []byte
	project string
	keys    identity.StaticKeys
	now     func() time.Time

	mu       sync.Mutex
	accounts map[string]*account
}

var _ identity.Provider = (*Provider)(nil)

// New creates a Provider. The secret should be at least 32 bytes of random
// data outside of tests.
func New(secret, project string) (*Provider, error) {
	if len(secret) < 16 {
		return nil, errors.New("local: identity secret must be at least 16 characters")
	}
	if project == "" {
		return nil, errors.New("local: project must not be empty")
	}
	return &Provider{
		secret:   []byte(secret),
		project:  project,
		keys:     identity.StaticKeys{keyID: []byte(secret)},
		now:      time.Now,
		accounts: make(map[string]*account),
	}, nil
}

func (p *Provider) idIssuer() string      { return "local-identity/" + p.project }
func (p *Provider) sessionIssuer() string { return "local-session/" + p.project }

// SignIDToken mints an identity token for c, the way a client SDK would after
// a successful sign-in. An empty Subject gets a fresh UUID. Custom claims
// already stored for the subject are included.
func (p *Provider) SignIDToken(c identity.Claims, ttl time.Duration) (string, error) {
	if c.Subject == "" {
		c.Subject = uuid.NewString()
	}
	now := p.now()

	p.mu.Lock()
	acct := p.accountLocked(c.Subject)
	dbUserID := acct.custom.DBUserID
	p.mu.Unlock()

	tc := identity.TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.idIssuer(),
			Audience:  jwt.ClaimStrings{p.project},
			Subject:   c.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:         c.Email,
		EmailVerified: c.EmailVerified,
		Name:          c.Name,
		Picture:       c.Picture,
		AuthTime:      now.Unix(),
		Firebase:      identity.FirebaseInfo{SignInProvider: c.SignInProvider},
		DBUserID:      dbUserID,
	}
	return p.sign(tc)
}

func (p *Provider) VerifyIDToken(ctx context.Context, idToken string) (*identity.Claims, error) {
	tc, err := p.parse(ctx, idToken, p.idIssuer())
	if err != nil {
		return nil, err
	}
	return tc.ToClaims(), nil
}

// CreateSession verifies idToken and mints a session credential under the
// subject's current revocation generation. The credential picks up the
// subject's current custom claims, not the ones frozen into idToken.
func (p *Provider) CreateSession(ctx context.Context, idToken string, expiresIn time.Duration) (string, error) {
	tc, err := p.parse(ctx, idToken, p.idIssuer())
	if err != nil {
		return "", fmt.Errorf("local: creating session: %w", err)
	}

	p.mu.Lock()
	acct := p.accountLocked(tc.Subject)
	tc.Generation = acct.generation
	tc.DBUserID = acct.custom.DBUserID
	p.mu.Unlock()

	now := p.now()
	tc.Issuer = p.sessionIssuer()
	tc.IssuedAt = jwt.NewNumericDate(now)
	tc.ExpiresAt = jwt.NewNumericDate(now.Add(expiresIn))

	return p.sign(*tc)
}

func (p *Provider) VerifySession(ctx context.Context, credential string, checkRevoked bool) (*identity.Claims, error) {
	tc, err := p.parse(ctx, credential, p.sessionIssuer())
	if err != nil {
		return nil, err
	}

	if checkRevoked {
		p.mu.Lock()
		acct := p.accountLocked(tc.Subject)
		gen, disabled := acct.generation, acct.disabled
		p.mu.Unlock()

		if disabled {
			return nil, identity.ErrUserDisabled
		}
		if tc.Generation < gen {
			return nil, identity.ErrRevoked
		}
	}

	return tc.ToClaims(), nil
}

func (p *Provider) SetCustomClaims(_ context.Context, subject string, claims identity.CustomClaims) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accountLocked(subject).custom = claims
	return nil
}

func (p *Provider) RevokeSessions(_ context.Context, subject string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accountLocked(subject).generation++
	return nil
}

// Disable marks subject as disabled; its sessions fail revocation-checked
// verification until the process restarts.
func (p *Provider) Disable(subject string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accountLocked(subject).disabled = true
}

func (p *Provider) accountLocked(subject string) *account {
	acct, ok := p.accounts[subject]
	if !ok {
		acct = &account{}
		p.accounts[subject] = acct
	}
	return acct
}

func (p *Provider) sign(tc identity.TokenClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tc)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("local: signing token: %w", err)
	}
	return signed, nil
}

func (p *Provider) parse(ctx context.Context, raw, issuer string) (*identity.TokenClaims, error) {
	return identity.ParseToken(ctx, raw, p.keys, identity.VerifyOptions{
		Issuer:   issuer,
		Audience: p.project,
		Method:   jwt.SigningMethodHS256,
		Now:      p.now,
	})
}
