package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"yahtzee/internal/config"
	"yahtzee/internal/logging"
	"yahtzee/internal/service"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mailer, err := service.NewEmailService(ctx, service.EmailConfig{
		AWSRegion:  cfg.AWSRegion,
		FromEmail:  cfg.SESFromEmail,
		FromName:   cfg.SESFromName,
		AppBaseURL: cfg.AppBaseURL,
		Debug:      cfg.EmailDebug,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure email")
	}
	if !mailer.IsEnabled() {
		log.Warn().Msg("SES_FROM_EMAIL not set, emails will only be logged")
	}

	log.Info().Str("queue", service.NotificationQueue).Msg("mailer starting")
	if err := service.RunNotificationConsumer(ctx, cfg.RabbitMQURL, mailer); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("notification consumer stopped")
	}
	log.Info().Msg("mailer stopped")
}
