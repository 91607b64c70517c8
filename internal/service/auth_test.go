package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/mailauth/internal/apperror"
	"github.com/sakif/mailauth/internal/auth"
	"github.com/sakif/mailauth/internal/identity"
	"github.com/sakif/mailauth/internal/identity/local"
	"github.com/sakif/mailauth/internal/model"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory implementation of repository.UserRepository.
type fakeUserRepo struct {
	mu      sync.Mutex
	byEmail map[string]*model.User
	byID    map[string]*model.User
	nextID  int
	writes  int
	// set to a non-nil error to simulate a database failure
	upsertErr error
	createErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		byEmail: make(map[string]*model.User),
		byID:    make(map[string]*model.User),
		nextID:  1,
	}
}

func (f *fakeUserRepo) UpsertByEmail(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.writes++
	if existing, ok := f.byEmail[user.Email]; ok {
		existing.Name = user.Name
		existing.Img = user.Img
		existing.AuthType = user.AuthType
		existing.UpdatedAt = time.Now()
		*user = *existing
		return nil
	}
	f.insertLocked(user)
	return nil
}

func (f *fakeUserRepo) Create(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.byEmail[user.Email]; ok {
		return apperror.Conflict("user", user.Email)
	}
	f.writes++
	f.insertLocked(user)
	return nil
}

func (f *fakeUserRepo) insertLocked(user *model.User) {
	user.ID = fmt.Sprintf("user-%d", f.nextID)
	f.nextID++
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	copied := *user
	f.byEmail[user.Email] = &copied
	f.byID[user.ID] = &copied
}

func (f *fakeUserRepo) GetUserByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byEmail[email]
	if !ok {
		return nil, apperror.NotFound("user", email)
	}
	copied := *u
	return &copied, nil
}

// flakyProvider wraps the local provider and fails selected calls.
type flakyProvider struct {
	*local.Provider
	setClaimsErr     error
	createSessionErr error
	revokeErr        error
}

func (p *flakyProvider) SetCustomClaims(ctx context.Context, subject string, c identity.CustomClaims) error {
	if p.setClaimsErr != nil {
		return p.setClaimsErr
	}
	return p.Provider.SetCustomClaims(ctx, subject, c)
}

func (p *flakyProvider) CreateSession(ctx context.Context, idToken string, d time.Duration) (string, error) {
	if p.createSessionErr != nil {
		return "", p.createSessionErr
	}
	return p.Provider.CreateSession(ctx, idToken, d)
}

func (p *flakyProvider) RevokeSessions(ctx context.Context, subject string) error {
	if p.revokeErr != nil {
		return p.revokeErr
	}
	return p.Provider.RevokeSessions(ctx, subject)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestProvider(t *testing.T) *flakyProvider {
	t.Helper()
	p, err := local.New("test-secret-at-least-16-chars!!", "test")
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	return &flakyProvider{Provider: p}
}

// newTestAuthService returns an AuthService wired with fake dependencies.
func newTestAuthService(t *testing.T, repo *fakeUserRepo, p *flakyProvider) *AuthService {
	t.Helper()
	// bcrypt.MinCost keeps registration tests fast
	ps := auth.NewPasswordServiceForTest(bcrypt.MinCost)
	return NewAuthService(p, repo, ps, nil, testLogger())
}

func idToken(t *testing.T, p *flakyProvider, c identity.Claims) string {
	t.Helper()
	tok, err := p.SignIDToken(c, time.Hour)
	if err != nil {
		t.Fatalf("SignIDToken: %v", err)
	}
	return tok
}

func verifiedAda() identity.Claims {
	return identity.Claims{
		Subject:        "uid-ada",
		Email:          "Ada@Example.com",
		EmailVerified:  true,
		Name:           "Ada",
		Picture:        "https://img.example.com/ada.png",
		SignInProvider: "google.com",
	}
}

// =========================================================================
// Login TESTS
// =========================================================================

func TestLogin_NewUser(t *testing.T) {
	repo := newFakeUserRepo()
	p := newTestProvider(t)
	svc := newTestAuthService(t, repo, p)
	ctx := context.Background()

	res, err := svc.Login(ctx, idToken(t, p, verifiedAda()))
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if res.User.ID == "" {
		t.Error("User.ID should be assigned")
	}
	if res.User.Email != "ada@example.com" {
		t.Errorf("Email = %q, want normalised lowercase", res.User.Email)
	}
	if res.User.AuthType != model.AuthTypeGoogle {
		t.Errorf("AuthType = %q, want GOOGLE", res.User.AuthType)
	}
	if res.ExpiresIn != 5*24*time.Hour {
		t.Errorf("ExpiresIn = %s, want 120h", res.ExpiresIn)
	}

	// The session credential is bound to the directory id.
	claims, err := p.VerifySession(ctx, res.SessionCredential, true)
	if err != nil {
		t.Fatalf("VerifySession() error = %v", err)
	}
	if claims.DBUserID != res.User.ID {
		t.Errorf("dbUserId = %q, want %q", claims.DBUserID, res.User.ID)
	}
}

func TestLogin_ExistingUserKeepsIDAndUpdatesProfile(t *testing.T) {
	repo := newFakeUserRepo()
	p := newTestProvider(t)
	svc := newTestAuthService(t, repo, p)
	ctx := context.Background()

	first, err := svc.Login(ctx, idToken(t, p, verifiedAda()))
	if err != nil {
		t.Fatalf("first login: %v", err)
	}

	c := verifiedAda()
	c.Name = "Ada Lovelace"
	c.SignInProvider = "password"
	second, err := svc.Login(ctx, idToken(t, p, c))
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	if second.User.ID != first.User.ID {
		t.Errorf("ID changed: %q → %q", first.User.ID, second.User.ID)
	}
	if second.User.Name != "Ada Lovelace" || second.User.AuthType != model.AuthTypeEmail {
		t.Errorf("profile not updated: %+v", second.User)
	}
}

func TestLogin_Failures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(repo *fakeUserRepo, p *flakyProvider)
		token   func(t *testing.T, p *flakyProvider) string
		wantErr error
	}{
		{
			name:    "missing token",
			token:   func(t *testing.T, p *flakyProvider) string { return "" },
			wantErr: apperror.ErrValidation,
		},
		{
			name:    "garbage token",
			token:   func(t *testing.T, p *flakyProvider) string { return "this.is.garbage" },
			wantErr: apperror.ErrUnauthorized,
		},
		{
			name: "email not verified",
			token: func(t *testing.T, p *flakyProvider) string {
				c := verifiedAda()
				c.EmailVerified = false
				return idToken(t, p, c)
			},
			wantErr: apperror.ErrEmailNotVerified,
		},
		{
			name: "no email",
			token: func(t *testing.T, p *flakyProvider) string {
				c := verifiedAda()
				c.Email = ""
				return idToken(t, p, c)
			},
			wantErr: apperror.ErrValidation,
		},
		{
			name:    "session minting rejected",
			setup:   func(_ *fakeUserRepo, p *flakyProvider) { p.createSessionErr = errors.New("TOKEN_EXPIRED") },
			token:   func(t *testing.T, p *flakyProvider) string { return idToken(t, p, verifiedAda()) },
			wantErr: apperror.ErrUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeUserRepo()
			p := newTestProvider(t)
			if tt.setup != nil {
				tt.setup(repo, p)
			}
			svc := newTestAuthService(t, repo, p)

			_, err := svc.Login(context.Background(), tt.token(t, p))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Login() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogin_UnverifiedEmailWritesNothing(t *testing.T) {
	repo := newFakeUserRepo()
	p := newTestProvider(t)
	svc := newTestAuthService(t, repo, p)

	c := verifiedAda()
	c.EmailVerified = false
	_, _ = svc.Login(context.Background(), idToken(t, p, c))

	if repo.writes != 0 {
		t.Errorf("directory writes = %d, want 0", repo.writes)
	}
}

func TestLogin_DirectoryFailureIsNotAnAppError(t *testing.T) {
	repo := newFakeUserRepo()
	repo.upsertErr = errors.New("database is on fire")
	p := newTestProvider(t)
	svc := newTestAuthService(t, repo, p)

	_, err := svc.Login(context.Background(), idToken(t, p, verifiedAda()))
	if err == nil {
		t.Fatal("Login() should propagate repository errors")
	}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		t.Errorf("directory failure surfaced as %v; want an internal error", appErr.Err)
	}
}

func TestLogin_CustomClaimFailure(t *testing.T) {
	repo := newFakeUserRepo()
	p := newTestProvider(t)
	p.setClaimsErr = errors.New("quota exceeded")
	svc := newTestAuthService(t, repo, p)

	if _, err := svc.Login(context.Background(), idToken(t, p, verifiedAda())); err == nil {
		t.Fatal("Login() should fail when the claim binding fails")
	}
}

// =========================================================================
// Revoke / Logout TESTS
// =========================================================================

func TestRevoke_InvalidatesSessionImmediately(t *testing.T) {
	repo := newFakeUserRepo()
	p := newTestProvider(t)
	svc := newTestAuthService(t, repo, p)
	ctx := context.Background()

	res, err := svc.Login(ctx, idToken(t, p, verifiedAda()))
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if err := svc.Revoke(ctx, res.SessionCredential); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	if _, err := p.VerifySession(ctx, res.SessionCredential, true); !errors.Is(err, identity.ErrRevoked) {
		t.Errorf("VerifySession() after revoke = %v, want ErrRevoked", err)
	}

	// Revoking an already-revoked session is harmless.
	if err := svc.Revoke(ctx, res.SessionCredential); err != nil {
		t.Errorf("second Revoke() error = %v", err)
	}
}

func TestRevoke_GarbageCredential(t *testing.T) {
	p := newTestProvider(t)
	svc := newTestAuthService(t, newFakeUserRepo(), p)

	if err := svc.Revoke(context.Background(), "garbage"); err == nil {
		t.Fatal("Revoke() should fail for an unverifiable credential")
	}
}

func TestLogout_SwallowsRevocationFailure(t *testing.T) {
	p := newTestProvider(t)
	p.revokeErr = errors.New("identity provider unavailable")
	svc := newTestAuthService(t, newFakeUserRepo(), p)

	// Must not panic and has nothing to return.
	svc.Logout(context.Background(), "garbage")
	svc.Logout(context.Background(), "")
}

// =========================================================================
// Register TESTS
// =========================================================================

func TestRegister_CreatesEmailUser(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo, newTestProvider(t))

	u, err := svc.Register(context.Background(), RegisterInput{
		Email: " Ada@Example.com ", Password: "correct horse", Name: "Ada",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if u.Email != "ada@example.com" || u.AuthType != model.AuthTypeEmail {
		t.Errorf("user = %+v", u)
	}
	if u.PasswordHash == "" || u.PasswordHash == "correct horse" {
		t.Error("password must be stored hashed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("correct horse")); err != nil {
		t.Errorf("stored hash does not match: %v", err)
	}
}

func TestRegister_ExistingEmailRejected(t *testing.T) {
	repo := newFakeUserRepo()
	p := newTestProvider(t)
	svc := newTestAuthService(t, repo, p)
	ctx := context.Background()

	// The email first arrives through a federated login...
	if _, err := svc.Login(ctx, idToken(t, p, verifiedAda())); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	// ...so registering it afterwards conflicts.
	_, err := svc.Register(ctx, RegisterInput{Email: "ada@example.com", Password: "password123", Name: "Ada"})
	if !errors.Is(err, apperror.ErrConflict) {
		t.Fatalf("Register() error = %v, want ErrConflict", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name      string
		in        RegisterInput
		wantField string
	}{
		{"missing email", RegisterInput{Password: "password123", Name: "A"}, "email"},
		{"invalid email", RegisterInput{Email: "not-an-email", Password: "password123", Name: "A"}, "email"},
		{"display-name form", RegisterInput{Email: "Ada <ada@example.com>", Password: "password123", Name: "A"}, "email"},
		{"missing name", RegisterInput{Email: "a@b.co", Password: "password123"}, "name"},
		{"short password", RegisterInput{Email: "a@b.co", Password: "short", Name: "A"}, "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestAuthService(t, newFakeUserRepo(), newTestProvider(t))

			_, err := svc.Register(context.Background(), tt.in)
			var appErr *apperror.AppError
			if !errors.As(err, &appErr) || !errors.Is(err, apperror.ErrValidation) {
				t.Fatalf("Register() error = %v, want validation error", err)
			}
			if appErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.wantField)
			}
		})
	}
}

func TestRegister_RepositoryError(t *testing.T) {
	repo := newFakeUserRepo()
	repo.createErr = errors.New("disk full")
	svc := newTestAuthService(t, repo, newTestProvider(t))

	_, err := svc.Register(context.Background(), RegisterInput{Email: "a@b.co", Password: "password123", Name: "A"})
	if err == nil || errors.Is(err, apperror.ErrConflict) {
		t.Fatalf("Register() error = %v, want internal error", err)
	}
}

// =========================================================================
// CurrentUser TESTS
// =========================================================================

func TestCurrentUser(t *testing.T) {
	repo := newFakeUserRepo()
	p := newTestProvider(t)
	svc := newTestAuthService(t, repo, p)
	ctx := context.Background()

	res, _ := svc.Login(ctx, idToken(t, p, verifiedAda()))

	u, err := svc.CurrentUser(ctx, &auth.Identity{ID: res.User.ID, Email: res.User.Email})
	if err != nil {
		t.Fatalf("CurrentUser() error = %v", err)
	}
	if u.Name != "Ada" {
		t.Errorf("Name = %q", u.Name)
	}

	if _, err := svc.CurrentUser(ctx, &auth.Identity{ID: "deleted"}); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("missing user: err = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.CurrentUser(ctx, nil); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("nil identity: err = %v, want ErrUnauthorized", err)
	}
}
