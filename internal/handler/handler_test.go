package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/mailauth/internal/aurinko"
	"github.com/sakif/mailauth/internal/auth"
	"github.com/sakif/mailauth/internal/handler"
	"github.com/sakif/mailauth/internal/identity"
	"github.com/sakif/mailauth/internal/identity/local"
	"github.com/sakif/mailauth/internal/model"
	sqliteRepo "github.com/sakif/mailauth/internal/repository/sqlite"
	"github.com/sakif/mailauth/internal/service"
)

type testEnv struct {
	db       *sqliteRepo.DB
	provider *local.Provider
	auth     *handler.AuthHandler
	aurinko  *handler.AurinkoHandler
	health   *handler.HealthHandler
	signIn   *handler.SignInHandler
}

type stubExchanger struct {
	used map[string]bool
}

func (s *stubExchanger) AuthURL(st aurinko.ServiceType) string {
	return "https://api.aurinko.test/v1/auth/authorize?serviceType=" + string(st)
}

func (s *stubExchanger) Exchange(_ context.Context, code string) (*aurinko.Token, error) {
	if code != "valid-code" || s.used[code] {
		return nil, errors.New("aurinko: token exchange failed: 400 {\"code\":\"invalid_grant\"}")
	}
	s.used[code] = true
	return &aurinko.Token{AccountID: 7, AccessToken: "tok-7"}, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := sqliteRepo.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p, err := local.New("handler-test-secret-0123456789", "test")
	require.NoError(t, err)

	passwords := auth.NewPasswordServiceForTest(bcrypt.MinCost)
	authSvc := service.NewAuthService(p, db, passwords, nil, logger)
	linkSvc := service.NewLinkService(&stubExchanger{used: map[string]bool{}}, db, nil, logger)

	return &testEnv{
		db:       db,
		provider: p,
		auth:     handler.NewAuthHandler(authSvc, auth.CookiePolicy{}, logger),
		aurinko:  handler.NewAurinkoHandler(linkSvc, logger),
		health:   handler.NewHealthHandler(db, logger),
		signIn:   handler.NewSignInHandler(service.NewPasswordSignInService(p, db, passwords, nil, logger), logger),
	}
}

func (e *testEnv) idToken(t *testing.T, email string, verified bool) string {
	t.Helper()
	tok, err := e.provider.SignIDToken(identity.Claims{
		Subject:        "uid-" + email,
		Email:          email,
		EmailVerified:  verified,
		Name:           "Test User",
		SignInProvider: "password",
	}, time.Hour)
	require.NoError(t, err)
	return tok
}

func post(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) handler.ErrorResponse {
	t.Helper()
	var res handler.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	return res
}

func sessionCookie(rr *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			return c
		}
	}
	return nil
}

func TestAuthHandler_HandleLogin(t *testing.T) {
	t.Run("new user gets id and cookie", func(t *testing.T) {
		env := newTestEnv(t)
		rr := httptest.NewRecorder()

		env.auth.HandleLogin(rr, post("/auth/login", `{"idToken":"`+env.idToken(t, "new@example.com", true)+`"}`))

		require.Equal(t, http.StatusOK, rr.Code)
		c := sessionCookie(rr)
		require.NotNil(t, c, "session cookie must be set")
		assert.Equal(t, 432000, c.MaxAge)
		assert.True(t, c.HttpOnly)
		assert.NotEmpty(t, c.Value)

		var user model.User
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&user))
		assert.NotEmpty(t, user.ID)
		assert.Equal(t, "new@example.com", user.Email)
		assert.Equal(t, model.AuthTypeEmail, user.AuthType)
	})

	t.Run("missing idToken", func(t *testing.T) {
		env := newTestEnv(t)
		rr := httptest.NewRecorder()

		env.auth.HandleLogin(rr, post("/auth/login", `{}`))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "No idToken provided", decodeError(t, rr).Message)
		assert.Nil(t, sessionCookie(rr))
	})

	t.Run("malformed body", func(t *testing.T) {
		env := newTestEnv(t)
		rr := httptest.NewRecorder()

		env.auth.HandleLogin(rr, post("/auth/login", `{"idToken":`))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		env := newTestEnv(t)
		rr := httptest.NewRecorder()

		env.auth.HandleLogin(rr, post("/auth/login", `{"idToken":"not-a-jwt"}`))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		res := decodeError(t, rr)
		assert.Equal(t, "unauthorized", res.Error)
		assert.Equal(t, "Unauthorized", res.Message)
	})

	t.Run("unverified email", func(t *testing.T) {
		env := newTestEnv(t)
		rr := httptest.NewRecorder()

		env.auth.HandleLogin(rr, post("/auth/login", `{"idToken":"`+env.idToken(t, "u@example.com", false)+`"}`))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "email_not_verified", decodeError(t, rr).Error)

		_, err := env.db.GetUserByEmail(context.Background(), "u@example.com")
		assert.Error(t, err, "no directory write for an unverified email")
	})
}

func TestAuthHandler_HandleRegister(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		env := newTestEnv(t)
		rr := httptest.NewRecorder()

		env.auth.HandleRegister(rr, post("/auth/register", `{"email":"r@example.com","password":"password123","name":"R"}`))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.NotContains(t, rr.Body.String(), "password")
		var user model.User
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&user))
		assert.Equal(t, "r@example.com", user.Email)
	})

	t.Run("email exists", func(t *testing.T) {
		env := newTestEnv(t)
		body := `{"email":"dup@example.com","password":"password123","name":"D"}`
		env.auth.HandleRegister(httptest.NewRecorder(), post("/auth/register", body))

		rr := httptest.NewRecorder()
		env.auth.HandleRegister(rr, post("/auth/register", body))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "email_exists", decodeError(t, rr).Error)
	})

	t.Run("short password", func(t *testing.T) {
		env := newTestEnv(t)
		rr := httptest.NewRecorder()

		env.auth.HandleRegister(rr, post("/auth/register", `{"email":"s@example.com","password":"x","name":"S"}`))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		res := decodeError(t, rr)
		assert.Equal(t, "validation_error", res.Error)
		assert.Equal(t, "password", res.Field)
	})
}

func TestAuthHandler_HandleMe(t *testing.T) {
	env := newTestEnv(t)
	u := &model.User{Email: "me@example.com", Name: "Me", AuthType: model.AuthTypeEmail}
	require.NoError(t, env.db.UpsertByEmail(context.Background(), u))

	t.Run("known caller", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req = req.WithContext(auth.ContextWithIdentity(req.Context(), &auth.Identity{ID: u.ID, Email: u.Email}))
		rr := httptest.NewRecorder()

		env.auth.HandleMe(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var got model.User
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, "Me", got.Name)
	})

	t.Run("no identity in context", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.auth.HandleMe(rr, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestAuthHandler_HandleLogout(t *testing.T) {
	env := newTestEnv(t)

	login := httptest.NewRecorder()
	env.auth.HandleLogin(login, post("/auth/login", `{"idToken":"`+env.idToken(t, "out@example.com", true)+`"}`))
	require.Equal(t, http.StatusOK, login.Code)
	cookie := sessionCookie(login)
	require.NotNil(t, cookie)

	req := post("/auth/logout", "")
	req.AddCookie(cookie)
	rr := httptest.NewRecorder()
	env.auth.HandleLogout(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"message":"Logged out successfully"}`, rr.Body.String())
	cleared := sessionCookie(rr)
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)

	_, err := env.provider.VerifySession(context.Background(), cookie.Value, true)
	assert.ErrorIs(t, err, identity.ErrRevoked)

	t.Run("garbage cookie still clears", func(t *testing.T) {
		req := post("/auth/logout", "")
		req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "garbage"})
		rr := httptest.NewRecorder()

		env.auth.HandleLogout(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		require.NotNil(t, sessionCookie(rr))
	})
}

func TestAurinkoHandler_HandleAuthURL(t *testing.T) {
	env := newTestEnv(t)
	caller := &auth.Identity{ID: "user-1", Email: "a@example.com"}

	t.Run("returns url string", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/aurinko/auth-url?serviceType=Office365", nil)
		req = req.WithContext(auth.ContextWithIdentity(req.Context(), caller))
		rr := httptest.NewRecorder()

		env.aurinko.HandleAuthURL(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var u string
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&u))
		assert.Contains(t, u, "serviceType=Office365")
	})

	t.Run("missing serviceType", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/aurinko/auth-url", nil)
		req = req.WithContext(auth.ContextWithIdentity(req.Context(), caller))
		rr := httptest.NewRecorder()

		env.aurinko.HandleAuthURL(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("anonymous", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.aurinko.HandleAuthURL(rr, httptest.NewRequest(http.MethodGet, "/aurinko/auth-url?serviceType=Google", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.NotContains(t, rr.Body.String(), "aurinko.test")
	})
}

func TestAurinkoHandler_HandleCallback(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.aurinko.HandleCallback(rr, post("/aurinko/callback", `{"code":"valid-code"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	var tok aurinko.Token
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&tok))
	assert.Equal(t, int64(7), tok.AccountID)

	// Same code again: single-use at the provider.
	rr = httptest.NewRecorder()
	env.aurinko.HandleCallback(rr, post("/aurinko/callback", `{"code":"valid-code"}`))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	res := decodeError(t, rr)
	assert.Equal(t, "Authentication failed", res.Message)
	assert.NotContains(t, res.Message, "invalid_grant")

	rr = httptest.NewRecorder()
	env.aurinko.HandleCallback(rr, post("/aurinko/callback", `{}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAurinkoHandler_CallbackStoresForCaller(t *testing.T) {
	env := newTestEnv(t)
	u := &model.User{Email: "link@example.com", Name: "L", AuthType: model.AuthTypeGoogle}
	require.NoError(t, env.db.UpsertByEmail(context.Background(), u))
	ctx := auth.ContextWithIdentity(context.Background(), &auth.Identity{ID: u.ID, Email: u.Email})

	req := post("/aurinko/callback", `{"code":"valid-code","serviceType":"Google"}`).WithContext(ctx)
	rr := httptest.NewRecorder()
	env.aurinko.HandleCallback(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	env.aurinko.HandleListAccounts(rr, httptest.NewRequest(http.MethodGet, "/aurinko/accounts", nil).WithContext(ctx))
	require.Equal(t, http.StatusOK, rr.Code)

	var accounts []model.LinkedAccount
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, int64(7), accounts[0].AccountID)
	assert.Equal(t, "Google", accounts[0].ServiceType)
	assert.Empty(t, accounts[0].AccessToken, "access tokens are never serialised")
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	rr := httptest.NewRecorder()

	env.health.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestSignInHandler_HandleSignIn(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.auth.HandleRegister(rr, post("/auth/register", `{"email":"Ada@Example.com","password":"analytical-engine","name":"Ada"}`))
	require.Equal(t, http.StatusOK, rr.Code)

	t.Run("valid credentials return an identity token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.signIn.HandleSignIn(rr, post("/auth/local/sign-in", `{"email":"ada@example.com","password":"analytical-engine"}`))
		require.Equal(t, http.StatusOK, rr.Code)

		var body map[string]string
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		require.NotEmpty(t, body["idToken"])
		assert.Nil(t, sessionCookie(rr), "sign-in alone sets no session")

		login := httptest.NewRecorder()
		env.auth.HandleLogin(login, post("/auth/login", `{"idToken":"`+body["idToken"]+`"}`))
		require.Equal(t, http.StatusOK, login.Code)
		assert.NotNil(t, sessionCookie(login))
	})

	t.Run("wrong password is 401", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.signIn.HandleSignIn(rr, post("/auth/local/sign-in", `{"email":"ada@example.com","password":"nope-nope-nope"}`))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "unauthorized", decodeError(t, rr).Error)
	})

	t.Run("missing password is 400", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.signIn.HandleSignIn(rr, post("/auth/local/sign-in", `{"email":"ada@example.com"}`))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "password", decodeError(t, rr).Field)
	})
}
