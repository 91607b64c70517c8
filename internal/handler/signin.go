package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/mailauth/internal/apperror"
	"github.com/sakif/mailauth/internal/service"
)

// SignInHandler serves password sign-in for the local identity provider.
// The server only mounts it when that provider is configured.
type SignInHandler struct {
	svc    *service.PasswordSignInService
	logger *slog.Logger
}

func NewSignInHandler(svc *service.PasswordSignInService, logger *slog.Logger) *SignInHandler {
	return &SignInHandler{svc: svc, logger: logger}
}

type signInResponse struct {
	IDToken string `json:"idToken"`
}

// HandleSignIn checks an email/password pair.
//
// HTTP: POST /auth/local/sign-in
// Body: {"email": "...", "password": "..."}
//
// The response carries an identity token, not a session: the client posts
// it to /auth/login exactly as it would a provider-issued one.
func (h *SignInHandler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var in service.SignInInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	token, err := h.svc.SignIn(r.Context(), in)
	if err != nil {
		var appErr *apperror.AppError
		if !errors.As(err, &appErr) {
			h.logger.Error("password sign-in failed", slog.String("error", err.Error()))
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, signInResponse{IDToken: token})
}
