package handlers

import (
	"context"
	"html/template"
	"net/http"

	"yahtzee/internal/security"
	"yahtzee/internal/service"
)

// RouterConfig carries everything the HTTP surface depends on.
type RouterConfig struct {
	AuthService  *service.AuthService
	UserService  *service.UserService
	ScoreService *service.ScoreService
	Templates    *template.Template
	CSRF         *security.CSRFGenerator
	LoginLimiter security.Limiter
	// TrustedProxies decides when forwarding headers name the client.
	TrustedProxies *security.ClientIPResolver
	Ping           func(ctx context.Context) error
	StaticDir      string
	// UploadMaxSize bounds the account form body, picture included.
	UploadMaxSize int64
}

// NewRouter registers every page and API route and wraps them with session
// loading and request logging.
func NewRouter(cfg RouterConfig) http.Handler {
	middleware := NewMiddleware(cfg.AuthService, cfg.CSRF, cfg.LoginLimiter, cfg.TrustedProxies)
	authHandler := NewAuthHandler(cfg.AuthService, middleware, cfg.Templates)
	pageHandler := NewPageHandler(cfg.UserService, cfg.ScoreService, middleware, cfg.Templates)
	apiHandler := NewAPIHandler(cfg.UserService, cfg.ScoreService, cfg.Ping)

	anon := middleware.RedirectAuthenticated
	csrf := middleware.CSRFProtect
	accountBody := cfg.UploadMaxSize + 64<<10

	mux := http.NewServeMux()

	// Static files
	if cfg.StaticDir != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticDir))))
	}

	// Pages
	mux.HandleFunc("GET /{$}", pageHandler.Home)
	mux.HandleFunc("GET /about", pageHandler.About)
	mux.HandleFunc("GET /register", anon(authHandler.ShowRegister))
	mux.HandleFunc("POST /register", anon(csrf(authHandler.Register)))
	mux.HandleFunc("GET /login", anon(authHandler.ShowLogin))
	mux.HandleFunc("POST /login", anon(csrf(authHandler.Login)))
	mux.HandleFunc("GET /logout", authHandler.Logout)
	mux.HandleFunc("POST /logout", csrf(authHandler.Logout))
	mux.HandleFunc("GET /account", middleware.RequireAuth(pageHandler.ShowAccount))
	mux.HandleFunc("POST /account", middleware.RequireAuth(LimitBody(accountBody, csrf(pageHandler.UpdateAccount))))
	mux.HandleFunc("GET /reset_password", anon(authHandler.ShowResetRequest))
	mux.HandleFunc("POST /reset_password", anon(csrf(authHandler.ResetRequest)))
	mux.HandleFunc("GET /reset_password/{token}", anon(authHandler.ShowResetPassword))
	mux.HandleFunc("POST /reset_password/{token}", anon(csrf(authHandler.ResetPassword)))

	// JSON API
	mux.HandleFunc("GET /api/v1/users", apiHandler.ListUsers)
	mux.HandleFunc("POST /api/v1/users", apiHandler.CreateUser)
	mux.HandleFunc("GET /api/v1/users/{id}", apiHandler.GetUser)
	mux.HandleFunc("PUT /api/v1/users/{id}", apiHandler.UpdateUser)
	mux.HandleFunc("GET /api/v1/users/{id}/scores", apiHandler.UserScores)
	mux.HandleFunc("POST /api/v1/games", apiHandler.CreateGame)
	mux.HandleFunc("GET /api/v1/games/{id}", apiHandler.GetGame)
	mux.HandleFunc("POST /api/v1/games/{id}/scores", apiHandler.SubmitScore)
	mux.HandleFunc("GET /healthz", apiHandler.Health)

	return middleware.Logging(middleware.LoadUser(mux))
}
