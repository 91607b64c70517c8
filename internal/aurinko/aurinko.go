// Package aurinko talks to the Aurinko unified mail API's OAuth endpoints.
//
// ACCOUNT LINKING FLOW:
//  1. The signed-in user asks us for an authorize URL (AuthURL) and the
//     browser is sent there.
//  2. The user grants mail access at Google/Microsoft through Aurinko.
//  3. Aurinko redirects the browser to our returnUrl with ?code=...
//  4. The frontend POSTs the code to /aurinko/callback and we call Exchange,
//     server-to-server, authenticating with our client id and secret.
//
// Codes are single-use: Aurinko rejects a second exchange of the same code.
package aurinko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultBaseURL = "https://api.aurinko.io"

	// CallbackPath is appended to the public URL to form the returnUrl.
	CallbackPath = "/api/aurinko/callback"
)

// ServiceType selects the mail provider behind Aurinko.
type ServiceType string

const (
	ServiceGoogle    ServiceType = "Google"
	ServiceOffice365 ServiceType = "Office365"
)

// Known reports whether s is one of the service types we test against.
// Unknown values are still sent to Aurinko unchanged.
func (s ServiceType) Known() bool {
	return s == ServiceGoogle || s == ServiceOffice365
}

// DefaultScopes is the mail access we ask for.
var DefaultScopes = []string{"Mail.Read", "Mail.ReadWrite", "Mail.Send", "Mail.Drafts", "Mail.All"}

// ErrExchange wraps every failed code exchange. The wrapped message carries
// Aurinko's status and body for logging only.
var ErrExchange = errors.New("aurinko: token exchange failed")

// Token is the payload Aurinko returns for a successful exchange.
type Token struct {
	AccountID   int64  `json:"accountId"`
	AccessToken string `json:"accessToken"`
	UserID      string `json:"userId,omitempty"`
	UserSession string `json:"userSession,omitempty"`
}

type Config struct {
	ClientID     string
	ClientSecret string
	PublicURL    string // base URL of the frontend that receives the redirect
	BaseURL      string // defaults to DefaultBaseURL
	Scopes       []string
	HTTPClient   *http.Client
}

// Client builds authorize URLs and exchanges codes. It is safe for
// concurrent use.
type Client struct {
	clientID     string
	clientSecret string
	returnURL    string
	baseURL      string
	scopes       []string
	http         *http.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("aurinko: client id and secret are required")
	}
	if cfg.PublicURL == "" {
		return nil, errors.New("aurinko: public url is required")
	}

	c := &Client{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		returnURL:    strings.TrimRight(cfg.PublicURL, "/") + CallbackPath,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		scopes:       cfg.Scopes,
		http:         cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if len(c.scopes) == 0 {
		c.scopes = DefaultScopes
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return c, nil
}

// ReturnURL is where Aurinko sends the browser after consent.
func (c *Client) ReturnURL() string { return c.returnURL }

// AuthURL returns the Aurinko authorize URL for serviceType.
func (c *Client) AuthURL(serviceType ServiceType) string {
	q := url.Values{}
	q.Set("clientId", c.clientID)
	q.Set("serviceType", string(serviceType))
	q.Set("scopes", strings.Join(c.scopes, " "))
	q.Set("responseType", "code")
	q.Set("returnUrl", c.returnURL)
	return c.baseURL + "/v1/auth/authorize?" + q.Encode()
}

// Exchange trades an authorization code for an account token.
// Any failure, including a reused code, is reported as ErrExchange.
func (c *Client) Exchange(ctx context.Context, code string) (*Token, error) {
	endpoint := c.baseURL + "/v1/auth/token/" + url.PathEscape(code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrExchange, err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrExchange, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrExchange, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrExchange, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: response has no access token", ErrExchange)
	}
	return &tok, nil
}
