package service

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog/log"
)

// sesSender is the part of the SES client the email service needs.
type sesSender interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailService handles sending emails via Amazon SES
type EmailService struct {
	client     sesSender
	fromEmail  string
	fromName   string
	appBaseURL string
	enabled    bool
	debug      bool
}

// EmailConfig configures NewEmailService.
type EmailConfig struct {
	AWSRegion  string
	FromEmail  string
	FromName   string
	AppBaseURL string
	Debug      bool
}

// NewEmailService creates a new email service. With no from-address the
// service is disabled and only logs what it would have sent.
func NewEmailService(ctx context.Context, cfg EmailConfig) (*EmailService, error) {
	if cfg.FromEmail == "" {
		log.Info().Msg("email service disabled: SES_FROM_EMAIL not configured")
		return &EmailService{appBaseURL: cfg.AppBaseURL, debug: cfg.Debug}, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	log.Info().Str("from", cfg.FromEmail).Str("region", cfg.AWSRegion).Msg("email service enabled")
	return newEmailService(sesv2.NewFromConfig(awsCfg), cfg), nil
}

func newEmailService(client sesSender, cfg EmailConfig) *EmailService {
	return &EmailService{
		client:     client,
		fromEmail:  cfg.FromEmail,
		fromName:   cfg.FromName,
		appBaseURL: cfg.AppBaseURL,
		enabled:    true,
		debug:      cfg.Debug,
	}
}

// IsEnabled returns whether the email service is enabled
func (s *EmailService) IsEnabled() bool {
	return s.enabled
}

// Deliver sends the email matching n.Kind.
func (s *EmailService) Deliver(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	switch n.Kind {
	case KindPasswordReset:
		return s.SendPasswordResetEmail(ctx, n.Email, n.Name, n.ResetToken, n.ExpiresAt)
	default:
		return s.SendWelcomeEmail(ctx, n.Email, n.Name)
	}
}

type emailData struct {
	Name       string
	Link       string
	ValidFor   string
	AppBaseURL string
}

var (
	resetHTML = htmltemplate.Must(htmltemplate.New("reset").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
	<h1>Password Reset Request</h1>
	<p>Hi {{.Name}},</p>
	<p>To reset your Yahtzee password, visit the following link:</p>
	<p><a href="{{.Link}}">Reset Password</a></p>
	<p style="word-break: break-all; font-size: 12px; color: #666;">{{.Link}}</p>
	<p><strong>This link will expire in {{.ValidFor}}.</strong></p>
	<p>If you did not make this request then simply ignore this email and no changes will be made.</p>
</body>
</html>
`))
	resetText = texttemplate.Must(texttemplate.New("reset").Parse(`Hi {{.Name}},

To reset your Yahtzee password, visit the following link:
{{.Link}}

This link will expire in {{.ValidFor}}.

If you did not make this request then simply ignore this email and no changes will be made.
`))
	welcomeHTML = htmltemplate.Must(htmltemplate.New("welcome").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
	<h1>Welcome to Yahtzee!</h1>
	<p>Hi {{.Name}},</p>
	<p>Your account is ready. Log in to record your scores and see how you rank.</p>
	<p><a href="{{.Link}}">Log in</a></p>
</body>
</html>
`))
	welcomeText = texttemplate.Must(texttemplate.New("welcome").Parse(`Hi {{.Name}},

Your account is ready. Log in to record your scores and see how you rank:
{{.Link}}
`))
)

func render(html *htmltemplate.Template, text *texttemplate.Template, data emailData) (string, string, error) {
	var hb, tb bytes.Buffer
	if err := html.Execute(&hb, data); err != nil {
		return "", "", err
	}
	if err := text.Execute(&tb, data); err != nil {
		return "", "", err
	}
	return hb.String(), tb.String(), nil
}

// ResetLink is the page a reset token is redeemed at.
func (s *EmailService) ResetLink(token string) string {
	return s.appBaseURL + "/reset_password/" + token
}

// SendPasswordResetEmail sends a password reset email with a reset link
func (s *EmailService) SendPasswordResetEmail(ctx context.Context, toEmail, toName, resetToken string, expires time.Time) error {
	validFor := "30 minutes"
	if !expires.IsZero() {
		if d := time.Until(expires).Round(time.Minute); d > 0 {
			validFor = fmt.Sprintf("%d minutes", int(d.Minutes()))
		}
	}
	data := emailData{Name: toName, Link: s.ResetLink(resetToken), ValidFor: validFor, AppBaseURL: s.appBaseURL}

	if !s.enabled {
		ev := log.Info().Str("to", toEmail)
		if s.debug {
			ev = ev.Str("link", data.Link)
		}
		ev.Msg("skipping password reset email (service disabled)")
		return nil
	}

	htmlBody, textBody, err := render(resetHTML, resetText, data)
	if err != nil {
		return fmt.Errorf("failed to render reset email: %w", err)
	}
	return s.sendEmail(ctx, toEmail, "Password Reset Request", htmlBody, textBody)
}

// SendWelcomeEmail sends a welcome email to new users
func (s *EmailService) SendWelcomeEmail(ctx context.Context, toEmail, toName string) error {
	if !s.enabled {
		log.Info().Str("to", toEmail).Msg("skipping welcome email (service disabled)")
		return nil
	}

	data := emailData{Name: toName, Link: s.appBaseURL + "/login", AppBaseURL: s.appBaseURL}
	htmlBody, textBody, err := render(welcomeHTML, welcomeText, data)
	if err != nil {
		return fmt.Errorf("failed to render welcome email: %w", err)
	}
	return s.sendEmail(ctx, toEmail, "Welcome to Yahtzee!", htmlBody, textBody)
}

func utf8Content(s string) *types.Content {
	return &types.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}

// sendEmail sends an email using Amazon SES
func (s *EmailService) sendEmail(ctx context.Context, toEmail, subject, htmlBody, textBody string) error {
	fromAddress := s.fromEmail
	if s.fromName != "" {
		fromAddress = fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{toEmail},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: utf8Content(subject),
				Body: &types.Body{
					Html: utf8Content(htmlBody),
					Text: utf8Content(textBody),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send email to %s: %w", toEmail, err)
	}

	ev := log.Info().Str("to", toEmail).Str("subject", subject)
	if s.debug && result.MessageId != nil {
		ev = ev.Str("message_id", *result.MessageId)
	}
	ev.Msg("email sent")
	return nil
}
