package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/mailauth/internal/apperror"
	"github.com/sakif/mailauth/internal/identity"
	"github.com/sakif/mailauth/internal/model"
)

// contextKey is an unexported type used for context keys in this package.
// Only this package can create a key of this type, so nothing else can read
// or shadow the values stored under it.
type contextKey string

const (
	identityKey contextKey = "identity"
	claimsKey   contextKey = "claims"
)

// Identity is the resolved caller of a guarded request.
type Identity struct {
	ID    string `json:"id"`    // internal user id (users.id)
	Email string `json:"email"`
}

// UserLookup resolves an email to the directory record. The guard uses it
// when a session predates the dbUserId custom claim.
type UserLookup interface {
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// Rejections receives guard rejections; metrics.Collector satisfies it.
type Rejections interface {
	GuardRejected(reason string)
}

// Guard verifies session cookies for RequireAuth and OptionalAuth.
type Guard struct {
	provider   identity.Provider
	users      UserLookup
	rejections Rejections
	logger     *slog.Logger
}

// NewGuard creates a Guard. rejections may be nil.
func NewGuard(provider identity.Provider, users UserLookup, rejections Rejections, logger *slog.Logger) *Guard {
	return &Guard{provider: provider, users: users, rejections: rejections, logger: logger}
}

// RequireAuth enforces authentication on protected routes.
//
// It reads the "session" cookie, verifies it with the revocation check on,
// and stores the resolved Identity (and the full Claims) in the request
// context. A missing, invalid, expired or revoked session gets 401 and the
// wrapped handler never runs.
//
// Handlers read the caller with IdentityFromContext.
func (g *Guard) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, claims, err := g.resolve(r)
		if err != nil {
			g.reject(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, id)
		ctx = context.WithValue(ctx, claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalAuth performs the same verification as RequireAuth but never
// rejects: without a valid session the request continues anonymously and
// IdentityFromContext returns (nil, false).
func (g *Guard) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, claims, err := g.resolve(r); err == nil {
			ctx := context.WithValue(r.Context(), identityKey, id)
			ctx = context.WithValue(ctx, claimsKey, claims)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

var errNoCookie = errors.New("auth: no session cookie")

func (g *Guard) resolve(r *http.Request) (*Identity, *identity.Claims, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil, errNoCookie
	}

	claims, err := g.provider.VerifySession(r.Context(), cookie.Value, true)
	if err != nil {
		return nil, nil, err
	}

	id := &Identity{ID: claims.DBUserID, Email: model.NormalizeEmail(claims.Email)}

	// Sessions minted from an identity token that predates the dbUserId
	// claim don't carry it; fall back to the directory.
	if id.ID == "" {
		if id.Email == "" || g.users == nil {
			return nil, nil, errors.New("auth: session has no user binding")
		}
		u, err := g.users.GetUserByEmail(r.Context(), id.Email)
		if err != nil {
			return nil, nil, err
		}
		id.ID = u.ID
	}

	return id, claims, nil
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, err error) {
	reason := rejectReason(err)
	if g.rejections != nil {
		g.rejections.GuardRejected(reason)
	}
	g.logger.Debug("guard rejected request",
		slog.String("path", r.URL.Path),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)

	appErr := apperror.Unauthorized()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": appErr.Message,
	})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, errNoCookie):
		return "no_cookie"
	case errors.Is(err, identity.ErrRevoked):
		return "revoked"
	case errors.Is(err, identity.ErrExpired):
		return "expired"
	case errors.Is(err, identity.ErrUserDisabled):
		return "disabled"
	case errors.Is(err, identity.ErrInvalidToken):
		return "invalid"
	default:
		return "error"
	}
}

// IdentityFromContext returns the caller resolved by RequireAuth or
// OptionalAuth. It returns (nil, false) for anonymous requests.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

// ClaimsFromContext returns the verified session claims, or nil.
func ClaimsFromContext(ctx context.Context) *identity.Claims {
	c, _ := ctx.Value(claimsKey).(*identity.Claims)
	return c
}

// ContextWithIdentity attaches id to ctx. Tests use it to call handlers
// without going through the guard.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}
