// Package service contains the business logic of authentication and account
// linking. It sits between the HTTP handlers and the identity provider,
// directory and Aurinko client:
//
//	AuthHandler (HTTP) → AuthService → identity.Provider (verify, mint, revoke)
//	                                 ↘ UserRepository     (directory upsert)
//	AurinkoHandler     → LinkService → aurinko.Client     (code exchange)
//	                                 ↘ LinkedAccountRepository
//
// Services never see http.Request or cookies. They return apperror values
// and the handler layer maps those to status codes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/sakif/mailauth/internal/apperror"
	"github.com/sakif/mailauth/internal/auth"
	"github.com/sakif/mailauth/internal/identity"
	"github.com/sakif/mailauth/internal/metrics"
	"github.com/sakif/mailauth/internal/model"
	"github.com/sakif/mailauth/internal/repository"
)

// AuthService issues and revokes sessions and owns registration.
type AuthService struct {
	provider  identity.Provider
	users     repository.UserRepository
	passwords *auth.PasswordService
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewAuthService creates an AuthService. rec may be nil.
func NewAuthService(
	provider identity.Provider,
	users repository.UserRepository,
	passwords *auth.PasswordService,
	rec metrics.Recorder,
	logger *slog.Logger,
) *AuthService {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &AuthService{
		provider:  provider,
		users:     users,
		passwords: passwords,
		metrics:   rec,
		logger:    logger,
	}
}

// LoginResult bundles what the handler needs to answer a login: the user
// record for the body and the credential for the cookie.
type LoginResult struct {
	User              *model.User
	SessionCredential string
	ExpiresIn         time.Duration
}

// Login turns a verified identity token into a session.
//
// FLOW:
//  1. Verify the identity token with the provider.
//  2. Require a verified email address.
//  3. Upsert the directory record keyed by email.
//  4. Bind dbUserId = user.ID as a custom claim on the external identity.
//  5. Mint a session credential valid for auth.SessionExpiry.
//
// Errors: ErrValidation (no token, no email), ErrUnauthorized (token or
// session minting rejected), ErrEmailNotVerified. Directory and claim
// failures come back unwrapped and end up as a generic 500.
func (s *AuthService) Login(ctx context.Context, idToken string) (*LoginResult, error) {
	if idToken == "" {
		return nil, apperror.ValidationFailed("idToken", "No idToken provided")
	}

	claims, err := s.provider.VerifyIDToken(ctx, idToken)
	if err != nil {
		s.logger.Warn("login: identity token rejected", slog.String("error", err.Error()))
		s.metrics.LoginFailed("invalid_token")
		return nil, apperror.Unauthorized()
	}

	if !claims.EmailVerified {
		s.logger.Info("login: email not verified", slog.String("subject", claims.Subject))
		s.metrics.LoginFailed("email_not_verified")
		return nil, apperror.EmailNotVerified()
	}

	email := model.NormalizeEmail(claims.Email)
	if email == "" {
		s.metrics.LoginFailed("no_email")
		return nil, apperror.ValidationFailed("email", "Account has no email address")
	}

	user := &model.User{
		Email:    email,
		Name:     claims.Name,
		Img:      claims.Picture,
		AuthType: model.AuthTypeFromProvider(claims.SignInProvider),
	}
	if err := s.users.UpsertByEmail(ctx, user); err != nil {
		return nil, fmt.Errorf("service/auth: upserting user %s: %w", email, err)
	}

	if claims.DBUserID != user.ID {
		err := s.provider.SetCustomClaims(ctx, claims.Subject, identity.CustomClaims{DBUserID: user.ID})
		if err != nil {
			return nil, fmt.Errorf("service/auth: binding user %s to %s: %w", user.ID, claims.Subject, err)
		}
	}

	credential, err := s.provider.CreateSession(ctx, idToken, auth.SessionExpiry)
	if err != nil {
		s.logger.Warn("login: session creation rejected",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
		s.metrics.LoginFailed("session_rejected")
		return nil, apperror.Unauthorized()
	}

	s.logger.Info("user logged in",
		slog.String("userID", user.ID),
		slog.String("authType", string(user.AuthType)),
	)
	s.metrics.LoginSucceeded(string(user.AuthType))

	return &LoginResult{
		User:              user,
		SessionCredential: credential,
		ExpiresIn:         auth.SessionExpiry,
	}, nil
}

// Revoke invalidates every session of the credential's subject.
//
// The credential is verified WITHOUT the revocation check: we are about to
// revoke anyway, and an already-revoked session should still be able to
// trigger a (harmless) second revocation.
func (s *AuthService) Revoke(ctx context.Context, credential string) error {
	claims, err := s.provider.VerifySession(ctx, credential, false)
	if err != nil {
		return fmt.Errorf("service/auth: verifying session for revocation: %w", err)
	}
	if err := s.provider.RevokeSessions(ctx, claims.Subject); err != nil {
		return fmt.Errorf("service/auth: revoking sessions of %s: %w", claims.Subject, err)
	}
	s.logger.Info("sessions revoked", slog.String("subject", claims.Subject))
	return nil
}

// Logout revokes the caller's sessions, best effort. A failed revocation is
// logged and counted but never returned: the caller clears the cookie
// regardless.
func (s *AuthService) Logout(ctx context.Context, credential string) {
	s.metrics.LoggedOut()
	if credential == "" {
		return
	}
	if err := s.Revoke(ctx, credential); err != nil {
		s.metrics.RevocationFailed()
		s.logger.Warn("logout: revocation failed, clearing cookie anyway",
			slog.String("error", err.Error()),
		)
	}
}

// RegisterInput is the body of POST /auth/register.
type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Register creates an email/password account. An email that already exists,
// whether it came from a previous registration or a federated login, is
// rejected with ErrConflict; registration never updates an existing record.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	email := model.NormalizeEmail(in.Email)
	if email == "" {
		return nil, apperror.ValidationFailed("email", "email is required")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, apperror.ValidationFailed("email", "email is invalid")
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperror.ValidationFailed("name", "name is required")
	}

	switch err := s.passwords.CheckPolicy(in.Password); {
	case errors.Is(err, auth.ErrPasswordTooShort):
		return nil, apperror.ValidationFailed("password",
			fmt.Sprintf("password must be at least %d characters", auth.MinPasswordLength))
	case errors.Is(err, auth.ErrPasswordTooLong):
		return nil, apperror.ValidationFailed("password", "password is too long")
	case err != nil:
		return nil, apperror.ValidationFailed("password", "password is invalid")
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("service/auth: hashing password: %w", err)
	}

	user := &model.User{
		Email:        email,
		Name:         name,
		AuthType:     model.AuthTypeEmail,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("service/auth: creating user %s: %w", email, err)
	}

	s.logger.Info("user registered", slog.String("userID", user.ID))
	s.metrics.Registered()
	return user, nil
}

// CurrentUser returns the directory record of a guarded request's caller.
// A session whose user no longer exists is treated as unauthenticated.
func (s *AuthService) CurrentUser(ctx context.Context, id *auth.Identity) (*model.User, error) {
	if id == nil || id.ID == "" {
		return nil, apperror.Unauthorized()
	}

	user, err := s.users.GetUserByID(ctx, id.ID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.logger.Warn("session refers to missing user", slog.String("userID", id.ID))
			return nil, apperror.Unauthorized()
		}
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", id.ID, err)
	}
	return user, nil
}
