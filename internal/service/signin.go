package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sakif/mailauth/internal/apperror"
	"github.com/sakif/mailauth/internal/auth"
	"github.com/sakif/mailauth/internal/identity"
	"github.com/sakif/mailauth/internal/metrics"
	"github.com/sakif/mailauth/internal/model"
	"github.com/sakif/mailauth/internal/repository"
)

// IDTokenSigner mints identity tokens the way a provider's client SDK does
// after a successful sign-in. identity/local implements it.
type IDTokenSigner interface {
	SignIDToken(c identity.Claims, ttl time.Duration) (string, error)
}

// IDTokenTTL is the lifetime of a minted identity token. It only has to
// outlive the following POST /auth/login.
const IDTokenTTL = time.Hour

// PasswordSignInService checks email/password accounts created through
// /auth/register and hands out identity tokens for them. It takes the place
// of the provider's hosted password sign-in when the local provider runs.
type PasswordSignInService struct {
	signer    IDTokenSigner
	users     repository.UserRepository
	passwords *auth.PasswordService
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewPasswordSignInService creates a PasswordSignInService. rec may be nil.
func NewPasswordSignInService(
	signer IDTokenSigner,
	users repository.UserRepository,
	passwords *auth.PasswordService,
	rec metrics.Recorder,
	logger *slog.Logger,
) *PasswordSignInService {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &PasswordSignInService{
		signer:    signer,
		users:     users,
		passwords: passwords,
		metrics:   rec,
		logger:    logger,
	}
}

// SignInInput is the body of POST /auth/local/sign-in.
type SignInInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignIn returns an identity token to pass to Login.
//
// An unknown email, an account without a password (federated sign-ups) and a
// wrong password all fail with the same ErrUnauthorized.
func (s *PasswordSignInService) SignIn(ctx context.Context, in SignInInput) (string, error) {
	email := model.NormalizeEmail(in.Email)
	if email == "" {
		return "", apperror.ValidationFailed("email", "email is required")
	}
	if in.Password == "" {
		return "", apperror.ValidationFailed("password", "password is required")
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.metrics.LoginFailed("invalid_credentials")
			return "", apperror.Unauthorized()
		}
		return "", fmt.Errorf("service/signin: fetching user %s: %w", email, err)
	}

	if user.PasswordHash == "" {
		s.logger.Info("password sign-in for account without password", slog.String("userID", user.ID))
		s.metrics.LoginFailed("invalid_credentials")
		return "", apperror.Unauthorized()
	}
	if err := s.passwords.Verify(user.PasswordHash, in.Password); err != nil {
		s.logger.Info("password sign-in rejected", slog.String("userID", user.ID))
		s.metrics.LoginFailed("invalid_credentials")
		return "", apperror.Unauthorized()
	}

	// Registration does not send a verification mail in local mode, so the
	// address is reported as verified.
	token, err := s.signer.SignIDToken(identity.Claims{
		Subject:        "password:" + user.ID,
		Email:          user.Email,
		EmailVerified:  true,
		Name:           user.Name,
		Picture:        user.Img,
		SignInProvider: "password",
	}, IDTokenTTL)
	if err != nil {
		return "", fmt.Errorf("service/signin: minting identity token for %s: %w", user.ID, err)
	}

	s.logger.Debug("password sign-in accepted", slog.String("userID", user.ID))
	return token, nil
}
