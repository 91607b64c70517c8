// Package identitytest provides RSA signing keys and a fake public-key
// endpoint for tests of code that verifies provider-signed tokens.
package identitytest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/mailauth/internal/identity"
)

// Signer is a test RSA key with a self-signed certificate.
type Signer struct {
	KID     string
	Key     *rsa.PrivateKey
	CertPEM string
}

// NewSigner generates a 2048-bit key and wraps its public half in a
// self-signed certificate, the format Google serves.
func NewSigner(t *testing.T, kid string) *Signer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: kid},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	return &Signer{
		KID:     kid,
		Key:     key,
		CertPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}
}

// Sign mints an RS256 token carrying claims.
func (s *Signer) Sign(t *testing.T, claims identity.TokenClaims) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.KID
	signed, err := tok.SignedString(s.Key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// KeyServer serves the signers' certificates as a kid → PEM JSON object.
type KeyServer struct {
	*httptest.Server
	hits atomic.Int32
}

// Hits reports how many times the key document was fetched.
func (k *KeyServer) Hits() int { return int(k.hits.Load()) }

func NewKeyServer(t *testing.T, maxAge string, signers ...*Signer) *KeyServer {
	t.Helper()

	certs := make(map[string]string, len(signers))
	for _, s := range signers {
		certs[s.KID] = s.CertPEM
	}

	ks := &KeyServer{}
	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.hits.Add(1)
		if maxAge != "" {
			w.Header().Set("Cache-Control", "public, max-age="+maxAge)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(certs)
	}))
	t.Cleanup(ks.Close)
	return ks
}
