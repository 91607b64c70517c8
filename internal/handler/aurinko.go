package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/mailauth/internal/apperror"
	"github.com/sakif/mailauth/internal/auth"
	"github.com/sakif/mailauth/internal/service"
)

// AurinkoHandler serves the /aurinko endpoints of the account-link flow.
type AurinkoHandler struct {
	svc    *service.LinkService
	logger *slog.Logger
}

func NewAurinkoHandler(svc *service.LinkService, logger *slog.Logger) *AurinkoHandler {
	return &AurinkoHandler{svc: svc, logger: logger}
}

// HandleAuthURL returns the Aurinko authorize URL as a JSON string.
//
// HTTP: GET /aurinko/auth-url?serviceType=Google
// Auth: Required
func (h *AurinkoHandler) HandleAuthURL(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	u, err := h.svc.AuthorizationURL(id, r.URL.Query().Get("serviceType"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, u)
}

// HandleCallback exchanges the authorization code from Aurinko's redirect.
//
// HTTP: POST /aurinko/callback
// Body: {"code": "...", "serviceType": "Google"}
// Auth: Optional. With a session the linked account is stored for the caller.
func (h *AurinkoHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	var in service.CallbackInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	id, _ := auth.IdentityFromContext(r.Context())
	tok, err := h.svc.HandleCallback(r.Context(), in, id)
	if err != nil {
		var appErr *apperror.AppError
		if !errors.As(err, &appErr) {
			h.logger.Error("aurinko callback failed", slog.String("error", err.Error()))
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tok)
}

// HandleListAccounts returns the caller's linked mail accounts.
//
// HTTP: GET /aurinko/accounts
// Auth: Required
func (h *AurinkoHandler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	accounts, err := h.svc.ListLinkedAccounts(r.Context(), id)
	if err != nil {
		var appErr *apperror.AppError
		if !errors.As(err, &appErr) {
			h.logger.Error("listing linked accounts failed", slog.String("error", err.Error()))
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, accounts)
}
