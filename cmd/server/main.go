package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"yahtzee/internal/config"
	"yahtzee/internal/database"
	"yahtzee/internal/handlers"
	"yahtzee/internal/logging"
	"yahtzee/internal/security"
	"yahtzee/internal/service"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database with config (supports sqlite, postgres, mysql)
	db, err := database.InitializeWithConfig(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()
	log.Info().Str("type", cfg.DatabaseType).Msg("database connection established")

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations completed successfully")

	templates, err := handlers.LoadTemplates()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load templates")
	}

	notifier, closeNotifier, err := newNotifier(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure notifications")
	}
	defer closeNotifier()

	images, err := newImageStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure profile image storage")
	}

	limiter, closeLimiter := newLoginLimiter(cfg)
	defer closeLimiter()

	proxies, err := security.NewClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid TRUSTED_PROXIES")
	}

	// Initialize services
	hasher := security.NewPasswordHasher(cfg.BcryptCost)
	userService := service.NewUserService(db, hasher, notifier, images, cfg.UploadMaxSize)
	scoreService := service.NewScoreService(db)
	authService := service.NewAuthService(db, userService, hasher,
		security.NewResetTokens(cfg.SecretKey, cfg.ResetTokenTTL), notifier,
		service.AuthConfig{SessionDuration: cfg.SessionDuration, RememberDuration: cfg.RememberDuration})

	handler := handlers.NewRouter(handlers.RouterConfig{
		AuthService:    authService,
		UserService:    userService,
		ScoreService:   scoreService,
		Templates:      templates,
		CSRF:           security.NewCSRFGenerator(cfg.SecretKey, 12*time.Hour),
		LoginLimiter:   limiter,
		TrustedProxies: proxies,
		Ping:           db.Ping,
		StaticDir:      cfg.StaticFilesPath,
		UploadMaxSize:  cfg.UploadMaxSize,
	})

	// Start background session cleanup
	authService.StartSessionCleanup(ctx, time.Hour)

	addr := ":" + cfg.ServerPort
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Msgf("server starting on http://localhost%s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// newNotifier sends mail in-process, or hands it to the broker for cmd/mailer.
func newNotifier(ctx context.Context, cfg *config.Config) (service.Notifier, func(), error) {
	if cfg.NotifyTransport == "amqp" {
		q := service.NewQueueNotifier(cfg.RabbitMQURL)
		log.Info().Str("queue", service.NotificationQueue).Msg("notifications published to broker")
		return q, q.Close, nil
	}

	mailer, err := service.NewEmailService(ctx, service.EmailConfig{
		AWSRegion:  cfg.AWSRegion,
		FromEmail:  cfg.SESFromEmail,
		FromName:   cfg.SESFromName,
		AppBaseURL: cfg.AppBaseURL,
		Debug:      cfg.EmailDebug,
	})
	if err != nil {
		return nil, nil, err
	}
	if !mailer.IsEnabled() {
		log.Warn().Msg("SES_FROM_EMAIL not set, emails will only be logged")
	}
	return service.NewDirectNotifier(mailer), func() {}, nil
}

func newImageStore(ctx context.Context, cfg *config.Config) (service.ImageStore, error) {
	if cfg.ProfileStore == "s3" {
		return service.NewS3ImageStore(ctx, service.S3Config{
			Region:    cfg.AWSRegion,
			Bucket:    cfg.S3Bucket,
			Endpoint:  cfg.S3Endpoint,
			PublicURL: cfg.S3PublicURL,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	}
	return service.NewLocalImageStore(cfg.ProfileDir, "/static/profile_pics/")
}

// newLoginLimiter shares login buckets through Redis when configured. The
// in-process limiter answers whenever Redis is unreachable.
func newLoginLimiter(cfg *config.Config) (security.Limiter, func()) {
	local := security.NewRateLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow)
	if cfg.RedisAddr == "" {
		return local, local.Close
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	log.Info().Str("addr", cfg.RedisAddr).Msg("login rate limits stored in redis")
	limiter := security.NewRedisLimiter(rdb, "yahtzee:ratelimit", cfg.LoginRateLimit, cfg.LoginRateWindow, local)
	return limiter, func() {
		local.Close()
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}
}
