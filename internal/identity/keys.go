package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StaticKeys is a fixed kid → key map. A lookup for an unknown kid fails.
type StaticKeys map[string]any

func (k StaticKeys) PublicKey(_ context.Context, kid string) (any, error) {
	key, ok := k[kid]
	if !ok {
		return nil, fmt.Errorf("identity: unknown key id %q", kid)
	}
	return key, nil
}

// RemoteKeys fetches a JSON object of kid → PEM certificate from URL (the
// format Google publishes its token signing certificates in) and caches the
// parsed keys for as long as the response's Cache-Control max-age allows.
type RemoteKeys struct {
	URL        string
	HTTPClient *http.Client

	mu      sync.Mutex
	keys    map[string]any
	expires time.Time
	now     func() time.Time
}

func NewRemoteKeys(url string, client *http.Client) *RemoteKeys {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteKeys{URL: url, HTTPClient: client, now: time.Now}
}

func (r *RemoteKeys) PublicKey(ctx context.Context, kid string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.keys == nil || !r.now().Before(r.expires) {
		if err := r.refresh(ctx); err != nil {
			return nil, err
		}
	}

	key, ok := r.keys[kid]
	if !ok {
		return nil, fmt.Errorf("identity: unknown key id %q", kid)
	}
	return key, nil
}

// refresh must be called with r.mu held.
func (r *RemoteKeys) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return fmt.Errorf("identity: building key request: %w", err)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity: fetching public keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity: fetching public keys: status %d", resp.StatusCode)
	}

	var certs map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&certs); err != nil {
		return fmt.Errorf("identity: decoding public keys: %w", err)
	}

	keys := make(map[string]any, len(certs))
	for kid, pem := range certs {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return fmt.Errorf("identity: parsing key %q: %w", kid, err)
		}
		keys[kid] = key
	}

	r.keys = keys
	r.expires = r.now().Add(maxAge(resp.Header.Get("Cache-Control")))
	return nil
}

// maxAge extracts max-age from a Cache-Control header. Zero means the keys
// are refetched on the next lookup.
func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(value)
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
