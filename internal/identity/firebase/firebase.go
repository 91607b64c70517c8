// Package firebase implements identity.Provider on top of Firebase
// Authentication.
//
// Token verification happens locally: identity tokens and session cookies are
// RS256 JWTs, checked against the public certificates Google publishes.
// Everything that changes provider-side state (minting a session cookie,
// setting custom claims, revoking) goes through the Identity Toolkit REST API
// with an OAuth2 access token obtained from the project's service account.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	oauthjwt "golang.org/x/oauth2/jwt"

	"github.com/sakif/mailauth/internal/identity"
)

const (
	defaultBaseURL        = "https://identitytoolkit.googleapis.com"
	defaultIDTokenKeysURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	defaultSessionKeysURL = "https://www.googleapis.com/identitytoolkit/v3/relyingparty/publicKeys"
	defaultTokenURL       = "https://oauth2.googleapis.com/token"

	idTokenIssuerPrefix = "https://securetoken.google.com/"
	sessionIssuerPrefix = "https://session.firebase.google.com/"

	// Firebase accepts session durations between 5 minutes and 2 weeks.
	minSessionDuration = 5 * time.Minute
	maxSessionDuration = 14 * 24 * time.Hour
)

// scopes requested for the service-account access token.
var scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/firebase",
	"https://www.googleapis.com/auth/identitytoolkit",
	"https://www.googleapis.com/auth/userinfo.email",
}

// ServiceAccount holds the fields of a Google service-account key that the
// token exchange needs.
type ServiceAccount struct {
	ClientEmail  string
	PrivateKey   string // PEM
	PrivateKeyID string
	TokenURI     string
}

// Config configures a Client. Only ProjectID and either ServiceAccount or
// TokenSource are required; the URLs default to Google's production endpoints.
type Config struct {
	ProjectID      string
	ServiceAccount ServiceAccount

	// TokenSource overrides the service-account token exchange.
	TokenSource oauth2.TokenSource

	BaseURL        string
	IDTokenKeysURL string
	SessionKeysURL string

	// HTTPClient is used for public-key fetches and as the transport under
	// the authenticated API client.
	HTTPClient *http.Client
}

// Client is a Firebase-backed identity.Provider.
type Client struct {
	projectID   string
	baseURL     string
	api         *http.Client
	idKeys      identity.KeySource
	sessionKeys identity.KeySource
	now         func() time.Time
	logger      *slog.Logger
}

var _ identity.Provider = (*Client)(nil)

// New builds a Client. ctx only scopes the base HTTP client handed to the
// oauth2 package; it is not retained for requests.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firebase: project id is required")
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	ts := cfg.TokenSource
	if ts == nil {
		sa := cfg.ServiceAccount
		if sa.ClientEmail == "" || sa.PrivateKey == "" {
			return nil, fmt.Errorf("firebase: service account client email and private key are required")
		}
		tokenURL := sa.TokenURI
		if tokenURL == "" {
			tokenURL = defaultTokenURL
		}
		conf := &oauthjwt.Config{
			Email:        sa.ClientEmail,
			PrivateKey:   []byte(sa.PrivateKey),
			PrivateKeyID: sa.PrivateKeyID,
			Scopes:       scopes,
			TokenURL:     tokenURL,
		}
		ts = conf.TokenSource(ctx)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	idKeysURL := cfg.IDTokenKeysURL
	if idKeysURL == "" {
		idKeysURL = defaultIDTokenKeysURL
	}
	sessionKeysURL := cfg.SessionKeysURL
	if sessionKeysURL == "" {
		sessionKeysURL = defaultSessionKeysURL
	}

	return &Client{
		projectID:   cfg.ProjectID,
		baseURL:     baseURL,
		api:         oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, ts)),
		idKeys:      identity.NewRemoteKeys(idKeysURL, base),
		sessionKeys: identity.NewRemoteKeys(sessionKeysURL, base),
		now:         time.Now,
		logger:      logger,
	}, nil
}

// VerifyIDToken verifies a Firebase ID token.
func (c *Client) VerifyIDToken(ctx context.Context, idToken string) (*identity.Claims, error) {
	tc, err := identity.ParseToken(ctx, idToken, c.idKeys, identity.VerifyOptions{
		Issuer:   idTokenIssuerPrefix + c.projectID,
		Audience: c.projectID,
		Method:   jwt.SigningMethodRS256,
		Now:      c.now,
	})
	if err != nil {
		return nil, err
	}
	return tc.ToClaims(), nil
}

// CreateSession mints a session cookie from an ID token.
func (c *Client) CreateSession(ctx context.Context, idToken string, expiresIn time.Duration) (string, error) {
	if expiresIn < minSessionDuration || expiresIn > maxSessionDuration {
		return "", fmt.Errorf("firebase: session duration %s out of range", expiresIn)
	}

	var out struct {
		SessionCookie string `json:"sessionCookie"`
	}
	err := c.call(ctx, c.projectPath(":createSessionCookie"), map[string]any{
		"idToken":       idToken,
		"validDuration": int64(expiresIn / time.Second),
	}, &out)
	if err != nil {
		return "", fmt.Errorf("firebase: creating session cookie: %w", err)
	}
	if out.SessionCookie == "" {
		return "", fmt.Errorf("firebase: creating session cookie: empty response")
	}
	return out.SessionCookie, nil
}

// VerifySession verifies a session cookie. With checkRevoked the user record
// is fetched so that cookies minted before the last revocation, or belonging
// to a disabled account, are rejected.
func (c *Client) VerifySession(ctx context.Context, credential string, checkRevoked bool) (*identity.Claims, error) {
	tc, err := identity.ParseToken(ctx, credential, c.sessionKeys, identity.VerifyOptions{
		Issuer:   sessionIssuerPrefix + c.projectID,
		Audience: c.projectID,
		Method:   jwt.SigningMethodRS256,
		Now:      c.now,
	})
	if err != nil {
		return nil, err
	}
	claims := tc.ToClaims()

	if !checkRevoked {
		return claims, nil
	}

	u, err := c.lookup(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if u.Disabled {
		return nil, identity.ErrUserDisabled
	}
	if validSince, _ := strconv.ParseInt(u.ValidSince, 10, 64); tc.AuthTime < validSince {
		c.logger.Debug("session cookie predates revocation",
			slog.String("subject", claims.Subject),
			slog.Int64("authTime", tc.AuthTime),
			slog.Int64("validSince", validSince),
		)
		return nil, identity.ErrRevoked
	}

	return claims, nil
}

// SetCustomClaims replaces the subject's custom claims.
func (c *Client) SetCustomClaims(ctx context.Context, subject string, claims identity.CustomClaims) error {
	attrs, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("firebase: encoding custom claims: %w", err)
	}

	err = c.call(ctx, c.projectPath("/accounts:update"), map[string]any{
		"localId":          subject,
		"customAttributes": string(attrs),
	}, nil)
	if err != nil {
		return fmt.Errorf("firebase: setting custom claims for %s: %w", subject, err)
	}
	return nil
}

// RevokeSessions sets the user's validSince to now. Any session cookie whose
// auth_time is older fails VerifySession(checkRevoked=true) from then on.
func (c *Client) RevokeSessions(ctx context.Context, subject string) error {
	err := c.call(ctx, c.projectPath("/accounts:update"), map[string]any{
		"localId":    subject,
		"validSince": strconv.FormatInt(c.now().Unix(), 10),
	}, nil)
	if err != nil {
		return fmt.Errorf("firebase: revoking sessions for %s: %w", subject, err)
	}
	return nil
}

type userInfo struct {
	LocalID    string `json:"localId"`
	Disabled   bool   `json:"disabled"`
	ValidSince string `json:"validSince"`
}

func (c *Client) lookup(ctx context.Context, subject string) (*userInfo, error) {
	var out struct {
		Users []userInfo `json:"users"`
	}
	err := c.call(ctx, c.projectPath("/accounts:lookup"), map[string]any{
		"localId": []string{subject},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("firebase: looking up %s: %w", subject, err)
	}
	if len(out.Users) == 0 {
		return nil, fmt.Errorf("%w: no user for subject", identity.ErrInvalidToken)
	}
	return &out.Users[0], nil
}

func (c *Client) projectPath(suffix string) string {
	return fmt.Sprintf("%s/v1/projects/%s%s", c.baseURL, c.projectID, suffix)
}

// apiError is the error envelope of Google REST APIs.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call POSTs body as JSON to url and decodes the response into out.
// A non-2xx status is returned as an error carrying the API's message.
func (c *Client) call(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
