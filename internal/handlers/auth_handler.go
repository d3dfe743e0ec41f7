package handlers

import (
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"yahtzee/internal/security"
	"yahtzee/internal/service"
)

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	pages
	authService *service.AuthService
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *service.AuthService, middleware *Middleware, templates *template.Template) *AuthHandler {
	return &AuthHandler{
		pages:       pages{templates: templates, middleware: middleware},
		authService: authService,
	}
}

// safeNext only follows local paths after login.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}

// ShowLogin renders the login page
func (h *AuthHandler) ShowLogin(w http.ResponseWriter, r *http.Request) {
	data := h.page(w, r, "Login")
	data["Fields"] = buildFields(loginFields, nil, nil)
	data["Next"] = r.URL.Query().Get("next")
	h.render(w, http.StatusOK, "login.tmpl", data)
}

// Login handles login form submission
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, ErrInvalidFormData, http.StatusBadRequest)
		return
	}

	values := formValues(r, loginFields)
	remember := r.FormValue("remember") != ""
	next := r.URL.Query().Get("next")

	fail := func(status int, msg string) {
		data := h.page(w, r, "Login")
		data["Fields"] = buildFields(loginFields, values, nil)
		data["FormError"] = msg
		data["Next"] = next
		data["Remember"] = remember
		h.render(w, status, "login.tmpl", data)
	}

	if !h.middleware.allowLogin(r) {
		log.Warn().Str("ip", h.middleware.clientIP(r)).Msg("login rate limit exceeded")
		fail(http.StatusTooManyRequests, MsgTooManyAttempts)
		return
	}

	session, _, err := h.authService.Login(r.Context(), values["email"], r.FormValue("password"), remember)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			fail(http.StatusUnauthorized, MsgLoginFailed)
			return
		}
		respondWithError(w, http.StatusInternalServerError, ErrInternalServerError, "login failed", err)
		return
	}

	http.SetCookie(w, security.CreateSessionCookie(r, SessionCookieName, session.ID, session.ExpiresAt, remember))
	http.Redirect(w, r, safeNext(next), http.StatusSeeOther)
}

// ShowRegister renders the registration page
func (h *AuthHandler) ShowRegister(w http.ResponseWriter, r *http.Request) {
	data := h.page(w, r, "Register")
	data["Fields"] = buildFields(registerFields, nil, nil)
	h.render(w, http.StatusOK, "register.tmpl", data)
}

// Register handles registration form submission
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, ErrInvalidFormData, http.StatusBadRequest)
		return
	}

	values := formValues(r, registerFields)
	user, err := h.authService.Register(r.Context(), service.RegisterInput{
		Username:        values["username"],
		Email:           values["email"],
		FirstName:       values["first_name"],
		LastName:        values["last_name"],
		Password:        values["password"],
		ConfirmPassword: values["confirm_password"],
	})
	if err != nil {
		fieldErrs, ok := formErrors(err)
		if !ok {
			respondWithError(w, http.StatusInternalServerError, ErrInternalServerError, "registration failed", err)
			return
		}
		data := h.page(w, r, "Register")
		data["Fields"] = buildFields(registerFields, values, fieldErrs)
		h.render(w, statusForError(err), "register.tmpl", data)
		return
	}

	setFlash(w, r, "success", "Account created for "+user.Username+"! You are now able to log in.")
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// Logout handles logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if err := h.authService.Logout(r.Context(), cookie.Value); err != nil {
			log.Error().Err(err).Msg("failed to delete session")
		}
	}

	http.SetCookie(w, security.CreateDeleteCookie(r, SessionCookieName))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// ShowResetRequest renders the "forgot password" page
func (h *AuthHandler) ShowResetRequest(w http.ResponseWriter, r *http.Request) {
	data := h.page(w, r, "Reset Password")
	data["Fields"] = buildFields(resetRequestFields, nil, nil)
	h.render(w, http.StatusOK, "reset_request.tmpl", data)
}

// ResetRequest emails a reset link. The response is the same whether or not
// the address belongs to an account.
func (h *AuthHandler) ResetRequest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, ErrInvalidFormData, http.StatusBadRequest)
		return
	}

	values := formValues(r, resetRequestFields)
	if err := h.authService.RequestPasswordReset(r.Context(), values["email"]); err != nil {
		fieldErrs, ok := formErrors(err)
		if !ok {
			respondWithError(w, http.StatusInternalServerError, ErrInternalServerError, "password reset request failed", err)
			return
		}
		data := h.page(w, r, "Reset Password")
		data["Fields"] = buildFields(resetRequestFields, values, fieldErrs)
		h.render(w, http.StatusBadRequest, "reset_request.tmpl", data)
		return
	}

	setFlash(w, r, "info", "An email has been sent with instructions to reset your password.")
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (h *AuthHandler) invalidToken(w http.ResponseWriter, r *http.Request) {
	setFlash(w, r, "warning", MsgInvalidToken)
	http.Redirect(w, r, "/reset_password", http.StatusSeeOther)
}

// ShowResetPassword renders the new password form for a valid token
func (h *AuthHandler) ShowResetPassword(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if _, err := h.authService.VerifyResetToken(r.Context(), token); err != nil {
		if errors.Is(err, service.ErrInvalidToken) {
			h.invalidToken(w, r)
			return
		}
		respondWithError(w, http.StatusInternalServerError, ErrInternalServerError, "failed to verify reset token", err)
		return
	}

	data := h.page(w, r, "Reset Password")
	data["Fields"] = buildFields(resetPasswordFields, nil, nil)
	data["Token"] = token
	h.render(w, http.StatusOK, "reset_token.tmpl", data)
}

// ResetPassword sets the new password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, ErrInvalidFormData, http.StatusBadRequest)
		return
	}

	token := r.PathValue("token")
	_, err := h.authService.ResetPassword(r.Context(), token, r.FormValue("password"), r.FormValue("confirm_password"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidToken) {
			h.invalidToken(w, r)
			return
		}
		fieldErrs, ok := formErrors(err)
		if !ok {
			respondWithError(w, http.StatusInternalServerError, ErrInternalServerError, "password reset failed", err)
			return
		}
		data := h.page(w, r, "Reset Password")
		data["Fields"] = buildFields(resetPasswordFields, nil, fieldErrs)
		data["Token"] = token
		h.render(w, http.StatusBadRequest, "reset_token.tmpl", data)
		return
	}

	setFlash(w, r, "success", "Your password has been updated! You are now able to log in.")
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
