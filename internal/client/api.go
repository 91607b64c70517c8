// Package client is a Go client for the mailauth HTTP API.
//
// The API is cookie-based: Login stores the "session" cookie in the client's
// cookie jar and every later call sends it back, the same way a browser does.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/publicsuffix"

	"github.com/sakif/mailauth/internal/aurinko"
	"github.com/sakif/mailauth/internal/model"
)

// APIError is a non-2xx response. Code and Message come from the server's
// {"error": ..., "message": ...} body when there is one.
type APIError struct {
	Status  int
	Code    string
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("client: HTTP %d", e.Status)
	}
	return fmt.Sprintf("client: HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// API talks to one mailauth server. It is safe for concurrent use.
type API struct {
	baseURL string
	http    *http.Client
}

// New creates an API for baseURL. With a nil httpClient a client with its
// own cookie jar is created; a caller-supplied client must have a Jar for
// sessions to work.
func New(baseURL string, httpClient *http.Client) (*API, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("client: parsing base url: %w", err)
	}
	if httpClient == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("client: creating cookie jar: %w", err)
		}
		httpClient = &http.Client{
			Jar:       jar,
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}, nil
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (a *API) Register(ctx context.Context, req RegisterRequest) (*model.User, error) {
	var user model.User
	if err := a.do(ctx, http.MethodPost, "/auth/register", req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Login posts an identity token. On success the session cookie is in the jar.
func (a *API) Login(ctx context.Context, idToken string) (*model.User, error) {
	var user model.User
	if err := a.do(ctx, http.MethodPost, "/auth/login", map[string]string{"idToken": idToken}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// LocalSignIn trades an email and password for an identity token. Only
// servers running the local identity provider serve it; pass the token to
// Login.
func (a *API) LocalSignIn(ctx context.Context, email, password string) (string, error) {
	var out struct {
		IDToken string `json:"idToken"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := a.do(ctx, http.MethodPost, "/auth/local/sign-in", body, &out); err != nil {
		return "", err
	}
	return out.IDToken, nil
}

// Me is the "who am I" call. A successful response without a user record
// (for example a null body) yields (nil, nil).
func (a *API) Me(ctx context.Context) (*model.User, error) {
	var user model.User
	if err := a.do(ctx, http.MethodGet, "/auth/me", nil, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, nil
	}
	return &user, nil
}

func (a *API) Logout(ctx context.Context) error {
	return a.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// AuthURL returns the Aurinko authorize URL to send the browser to.
func (a *API) AuthURL(ctx context.Context, serviceType aurinko.ServiceType) (string, error) {
	var u string
	path := "/aurinko/auth-url?" + url.Values{"serviceType": {string(serviceType)}}.Encode()
	if err := a.do(ctx, http.MethodGet, path, nil, &u); err != nil {
		return "", err
	}
	return u, nil
}

// LinkCallback forwards the code from Aurinko's redirect to the server.
func (a *API) LinkCallback(ctx context.Context, code string, serviceType aurinko.ServiceType) (*aurinko.Token, error) {
	var tok aurinko.Token
	body := map[string]string{"code": code, "serviceType": string(serviceType)}
	if err := a.do(ctx, http.MethodPost, "/aurinko/callback", body, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (a *API) LinkedAccounts(ctx context.Context) ([]model.LinkedAccount, error) {
	var accounts []model.LinkedAccount
	if err := a.do(ctx, http.MethodGet, "/aurinko/accounts", nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
			Field   string `json:"field"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload) == nil {
			apiErr.Code, apiErr.Message, apiErr.Field = payload.Error, payload.Message, payload.Field
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decoding %s response: %w", path, err)
	}
	return nil
}
