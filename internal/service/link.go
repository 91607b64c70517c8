package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/mailauth/internal/apperror"
	"github.com/sakif/mailauth/internal/aurinko"
	"github.com/sakif/mailauth/internal/auth"
	"github.com/sakif/mailauth/internal/metrics"
	"github.com/sakif/mailauth/internal/model"
	"github.com/sakif/mailauth/internal/repository"
)

const linkProvider = "aurinko"

// TokenExchanger is the part of *aurinko.Client LinkService uses.
type TokenExchanger interface {
	AuthURL(serviceType aurinko.ServiceType) string
	Exchange(ctx context.Context, code string) (*aurinko.Token, error)
}

// LinkService runs the mail-account linking flow.
type LinkService struct {
	exchanger TokenExchanger
	accounts  repository.LinkedAccountRepository
	metrics   metrics.Recorder
	logger    *slog.Logger
}

func NewLinkService(
	exchanger TokenExchanger,
	accounts repository.LinkedAccountRepository,
	rec metrics.Recorder,
	logger *slog.Logger,
) *LinkService {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &LinkService{exchanger: exchanger, accounts: accounts, metrics: rec, logger: logger}
}

// AuthorizationURL builds the Aurinko authorize URL for an authenticated
// caller. serviceType is passed through verbatim; only an empty value is
// rejected.
func (s *LinkService) AuthorizationURL(caller *auth.Identity, serviceType string) (string, error) {
	if caller == nil {
		return "", apperror.Unauthorized()
	}
	serviceType = strings.TrimSpace(serviceType)
	if serviceType == "" {
		return "", apperror.ValidationFailed("serviceType", "serviceType is required")
	}

	st := aurinko.ServiceType(serviceType)
	if !st.Known() {
		s.logger.Warn("unrecognised Aurinko service type", slog.String("serviceType", serviceType))
	}
	return s.exchanger.AuthURL(st), nil
}

// CallbackInput is the body of POST /aurinko/callback.
type CallbackInput struct {
	Code        string `json:"code"`
	ServiceType string `json:"serviceType,omitempty"`
}

// HandleCallback exchanges an authorization code for a token payload.
//
// The callback itself is public: the code arrives through a browser redirect
// issued by Aurinko. When the request also carries a valid session (caller
// non-nil), the token is stored against that user. Anonymous exchanges
// return the payload without storing it.
//
// Any exchange failure, including a reused code, becomes ErrExchangeFailed;
// Aurinko's error detail is logged here and never returned. A storage failure
// after a successful exchange is logged at error level and the payload is
// still returned, as for an anonymous exchange.
func (s *LinkService) HandleCallback(ctx context.Context, in CallbackInput, caller *auth.Identity) (*aurinko.Token, error) {
	code := strings.TrimSpace(in.Code)
	if code == "" {
		return nil, apperror.ValidationFailed("code", "No code provided")
	}

	tok, err := s.exchanger.Exchange(ctx, code)
	if err != nil {
		s.logger.Error("aurinko code exchange failed", slog.String("error", err.Error()))
		s.metrics.LinkExchangeFailed()
		return nil, apperror.ExchangeFailed()
	}
	s.metrics.LinkExchanged(in.ServiceType)

	if caller == nil {
		s.logger.Info("aurinko token exchanged without a session; not stored",
			slog.Int64("accountID", tok.AccountID),
		)
		return tok, nil
	}

	acct := &model.LinkedAccount{
		UserID:      caller.ID,
		Provider:    linkProvider,
		AccountID:   tok.AccountID,
		ServiceType: in.ServiceType,
		AccessToken: tok.AccessToken,
	}
	if err := s.accounts.SaveLinkedAccount(ctx, acct); err != nil {
		// The code is spent; hand the payload back rather than lose it.
		s.logger.Error("linked account not stored; returning token to caller",
			slog.String("userID", caller.ID),
			slog.Int64("accountID", tok.AccountID),
			slog.String("error", err.Error()),
		)
		return tok, nil
	}

	s.logger.Info("mail account linked",
		slog.String("userID", caller.ID),
		slog.Int64("accountID", tok.AccountID),
	)
	return tok, nil
}

// ListLinkedAccounts returns the caller's linked accounts. Access tokens are
// not serialised (see model.LinkedAccount).
func (s *LinkService) ListLinkedAccounts(ctx context.Context, caller *auth.Identity) ([]model.LinkedAccount, error) {
	if caller == nil {
		return nil, apperror.Unauthorized()
	}
	accounts, err := s.accounts.ListLinkedAccounts(ctx, caller.ID)
	if err != nil {
		return nil, fmt.Errorf("service/link: listing accounts for %s: %w", caller.ID, err)
	}
	return accounts, nil
}
