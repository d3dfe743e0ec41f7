package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"yahtzee/internal/models"
	"yahtzee/internal/security"
	"yahtzee/internal/service"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	UserContextKey    ContextKey = "user"
	SessionContextKey ContextKey = "session_id"
)

// Middleware holds dependencies for middleware functions
type Middleware struct {
	authService *service.AuthService
	csrf        *security.CSRFGenerator
	limiter     security.Limiter
	proxies     *security.ClientIPResolver
}

// NewMiddleware creates a new middleware instance. A nil proxies resolver
// keys clients by their connection address.
func NewMiddleware(authService *service.AuthService, csrf *security.CSRFGenerator, limiter security.Limiter, proxies *security.ClientIPResolver) *Middleware {
	return &Middleware{
		authService: authService,
		csrf:        csrf,
		limiter:     limiter,
		proxies:     proxies,
	}
}

func (m *Middleware) clientIP(r *http.Request) string {
	return m.proxies.ClientIP(r)
}

// LoadUser attaches the user behind a valid session cookie to the request
// context. Requests without one continue anonymously.
func (m *Middleware) LoadUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, err := m.authService.ValidateSession(r.Context(), cookie.Value)
		if err != nil {
			if !errors.Is(err, service.ErrAuthRequired) {
				log.Error().Err(err).Msg("failed to validate session")
			}
			// Clear invalid cookie
			http.SetCookie(w, security.CreateDeleteCookie(r, SessionCookieName))
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		ctx = context.WithValue(ctx, SessionContextKey, cookie.Value)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth is middleware that requires a logged in user. Anonymous
// requests are sent to the login page and brought back afterwards.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := CurrentUser(r.Context()); err != nil {
			setFlash(w, r, "info", "Please log in to access this page.")
			http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}

// RedirectAuthenticated sends logged in users home; used on the login,
// register and password reset pages.
func (m *Middleware) RedirectAuthenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if GetUserFromContext(r.Context()) != nil {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}

// csrfBinding is the value CSRF tokens are tied to: the session for logged
// in users, otherwise a random cookie set on first use.
func csrfBinding(w http.ResponseWriter, r *http.Request) string {
	if id, ok := r.Context().Value(SessionContextKey).(string); ok && id != "" {
		return id
	}
	if c, err := r.Cookie(CSRFCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if w == nil {
		return ""
	}
	nonce := security.GenerateNonce()
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    nonce,
		Path:     "/",
		HttpOnly: true,
		Secure:   security.IsSecureRequest(r),
		SameSite: http.SameSiteLaxMode,
	})
	return nonce
}

// CSRFToken returns a token for forms rendered in this response.
func (m *Middleware) CSRFToken(w http.ResponseWriter, r *http.Request) string {
	token, err := m.csrf.GenerateToken(csrfBinding(w, r))
	if err != nil {
		log.Error().Err(err).Msg("failed to generate CSRF token")
		return ""
	}
	return token
}

// CSRFProtect rejects form posts without a valid csrf_token field.
func (m *Middleware) CSRFProtect(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		binding := csrfBinding(nil, r)
		if binding == "" || !m.csrf.ValidateToken(binding, r.FormValue("csrf_token")) {
			log.Warn().Str("path", r.URL.Path).Str("ip", m.clientIP(r)).Msg("CSRF token rejected")
			http.Error(w, ErrInvalidCSRFToken, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// allowLogin reports whether the client may make another login attempt.
func (m *Middleware) allowLogin(r *http.Request) bool {
	if m.limiter == nil {
		return true
	}
	return m.limiter.Allow(r.Context(), "login:"+m.clientIP(r))
}

// LimitBody caps the request body at n bytes.
func LimitBody(n int64, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, n)
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Logging middleware logs HTTP requests
func (m *Middleware) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("ip", m.clientIP(r)).
			Msg("request")
	})
}

// GetUserFromContext retrieves the user from the request context
func GetUserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

// CurrentUser returns the logged in user or service.ErrAuthRequired.
func CurrentUser(ctx context.Context) (*models.User, error) {
	if user := GetUserFromContext(ctx); user != nil {
		return user, nil
	}
	return nil, service.ErrAuthRequired
}
