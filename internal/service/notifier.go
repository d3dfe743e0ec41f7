package service

import (
	"context"
	"fmt"
	"time"

	"yahtzee/internal/models"
)

// Notification kinds.
const (
	KindUserRegistered = "user_registered"
	KindPasswordReset  = "password_reset"
)

// Notification is an email that should go out after a committed change. It
// is also the message body on the notification queue.
type Notification struct {
	Kind       string    `json:"kind"`
	UserID     int64     `json:"user_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	ResetToken string    `json:"reset_token,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Notifier is told about events once their rows are committed. Errors are
// for logging only; the triggering operation has already succeeded.
type Notifier interface {
	UserRegistered(ctx context.Context, user *models.User) error
	PasswordResetRequested(ctx context.Context, user *models.User, token string, expires time.Time) error
}

// Mailer delivers a notification, typically by email.
type Mailer interface {
	Deliver(ctx context.Context, n Notification) error
}

func registeredNotification(user *models.User) Notification {
	return Notification{
		Kind:   KindUserRegistered,
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.FirstName,
	}
}

func resetNotification(user *models.User, token string, expires time.Time) Notification {
	return Notification{
		Kind:       KindPasswordReset,
		UserID:     user.ID,
		Email:      user.Email,
		Name:       user.FirstName,
		ResetToken: token,
		ExpiresAt:  expires,
	}
}

// DirectNotifier delivers inline on the request goroutine.
type DirectNotifier struct {
	mailer Mailer
}

// NewDirectNotifier creates a notifier that calls mailer synchronously
func NewDirectNotifier(mailer Mailer) *DirectNotifier {
	return &DirectNotifier{mailer: mailer}
}

func (n *DirectNotifier) UserRegistered(ctx context.Context, user *models.User) error {
	return n.mailer.Deliver(ctx, registeredNotification(user))
}

func (n *DirectNotifier) PasswordResetRequested(ctx context.Context, user *models.User, token string, expires time.Time) error {
	return n.mailer.Deliver(ctx, resetNotification(user, token, expires))
}

// Validate rejects notifications a mailer cannot act on.
func (n Notification) Validate() error {
	if n.Email == "" {
		return fmt.Errorf("notification has no recipient")
	}
	switch n.Kind {
	case KindUserRegistered:
		return nil
	case KindPasswordReset:
		if n.ResetToken == "" {
			return fmt.Errorf("password reset notification has no token")
		}
		return nil
	}
	return fmt.Errorf("unknown notification kind %q", n.Kind)
}
