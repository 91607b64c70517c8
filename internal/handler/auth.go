package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/mailauth/internal/apperror"
	"github.com/sakif/mailauth/internal/auth"
	"github.com/sakif/mailauth/internal/service"
)

// AuthHandler serves the /auth endpoints.
//
// HANDLER RESPONSIBILITIES:
//   - HandleRegister → create an email/password account
//   - HandleLogin    → turn an identity token into a session cookie
//   - HandleMe       → return the caller's directory record
//   - HandleLogout   → revoke the caller's sessions and clear the cookie
//
// The handler only speaks HTTP: bodies, cookies and status codes. Every
// decision about identities lives in service.AuthService.
type AuthHandler struct {
	svc     *service.AuthService
	cookies auth.CookiePolicy
	logger  *slog.Logger
}

func NewAuthHandler(svc *service.AuthService, cookies auth.CookiePolicy, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, cookies: cookies, logger: logger}
}

type loginRequest struct {
	IDToken string `json:"idToken"`
}

// HandleRegister creates an account.
//
// HTTP: POST /auth/register
// Body: {"email": "...", "password": "...", "name": "..."}
//
// Every client-side failure is a 400. A taken email gets its own error type
// so the client can tell "email exists already" apart from bad input.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in service.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.svc.Register(r.Context(), in)
	if err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "email_exists",
				Message: "Email already exists",
				Field:   "email",
			})
			return
		}
		if !errors.Is(err, apperror.ErrValidation) {
			h.logger.Error("register failed", slog.String("error", err.Error()))
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// HandleLogin exchanges an identity token for a session.
//
// HTTP: POST /auth/login
// Body: {"idToken": "..."}
//
// On success the session credential goes into the httpOnly "session"
// cookie, never into the body. The body is the user record.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.Login(r.Context(), req.IDToken)
	if err != nil {
		var appErr *apperror.AppError
		if !errors.As(err, &appErr) {
			h.logger.Error("login failed", slog.String("error", err.Error()))
		}
		writeError(w, err)
		return
	}

	http.SetCookie(w, h.cookies.SessionCookie(res.SessionCredential))
	writeJSON(w, http.StatusOK, res.User)
}

// HandleMe returns the caller's user record.
//
// HTTP: GET /auth/me
// Auth: Required (RequireAuth puts the Identity in the context)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	user, err := h.svc.CurrentUser(r.Context(), id)
	if err != nil {
		var appErr *apperror.AppError
		if !errors.As(err, &appErr) {
			h.logger.Error("me: loading user failed", slog.String("error", err.Error()))
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// HandleLogout revokes the caller's sessions and clears the cookie.
//
// HTTP: POST /auth/logout
// Auth: Required
//
// Revocation is best effort: the cookie is cleared and 200 returned even
// when the identity provider could not be reached.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var credential string
	if c, err := r.Cookie(auth.SessionCookieName); err == nil {
		credential = c.Value
	}

	h.svc.Logout(r.Context(), credential)

	http.SetCookie(w, h.cookies.ClearSessionCookie())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}
