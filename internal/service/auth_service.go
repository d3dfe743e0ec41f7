package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"yahtzee/internal/database"
	"yahtzee/internal/models"
	"yahtzee/internal/repository"
	"yahtzee/internal/security"
	"yahtzee/internal/validation"
)

// AuthService handles authentication business logic
type AuthService struct {
	db               *database.DB
	users            *repository.UserRepository
	sessions         *repository.SessionRepository
	userService      *UserService
	hasher           *security.PasswordHasher
	tokens           *security.ResetTokens
	notifier         Notifier
	sessionDuration  time.Duration
	rememberDuration time.Duration
}

// AuthConfig holds the session lifetimes.
type AuthConfig struct {
	SessionDuration  time.Duration
	RememberDuration time.Duration
}

// NewAuthService creates a new auth service
func NewAuthService(db *database.DB, userService *UserService, hasher *security.PasswordHasher, tokens *security.ResetTokens, notifier Notifier, cfg AuthConfig) *AuthService {
	if cfg.RememberDuration < cfg.SessionDuration {
		cfg.RememberDuration = cfg.SessionDuration
	}
	return &AuthService{
		db:               db,
		users:            repository.NewUserRepository(db),
		sessions:         repository.NewSessionRepository(db),
		userService:      userService,
		hasher:           hasher,
		tokens:           tokens,
		notifier:         notifier,
		sessionDuration:  cfg.SessionDuration,
		rememberDuration: cfg.RememberDuration,
	}
}

// Register creates a new user account
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	return s.userService.Register(ctx, in)
}

// Login authenticates a user and creates a session. An unknown email and a
// wrong password are indistinguishable, in result and in timing.
func (s *AuthService) Login(ctx context.Context, email, password string, remember bool) (*models.Session, *models.User, error) {
	user, err := s.users.GetByEmail(ctx, validation.NormalizeEmail(email))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		s.hasher.VerifyDummy(password)
		return nil, nil, ErrInvalidCredentials
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, nil, ErrInvalidCredentials
	}

	duration := s.sessionDuration
	if remember {
		duration = s.rememberDuration
	}
	session := &models.Session{
		ID:        security.GenerateSessionID(),
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(duration),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	log.Info().Int64("user_id", user.ID).Bool("remember", remember).Msg("user logged in")
	return session, user, nil
}

// ValidateSession returns the user behind a session cookie, or
// ErrAuthRequired when the session is unknown or expired.
func (s *AuthService) ValidateSession(ctx context.Context, sessionID string) (*models.User, error) {
	if sessionID == "" {
		return nil, ErrAuthRequired
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, ErrAuthRequired
	}

	if session.IsExpired() {
		if err := s.sessions.Delete(ctx, sessionID); err != nil {
			log.Warn().Err(err).Msg("failed to delete expired session")
		}
		return nil, ErrAuthRequired
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, ErrAuthRequired
	}
	return user, nil
}

// Logout invalidates a session
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes expired sessions from the database
func (s *AuthService) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.sessions.DeleteExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup sessions: %w", err)
	}
	return n, nil
}

// StartSessionCleanup purges expired sessions every interval until ctx is done.
func (s *AuthService) StartSessionCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.CleanupExpiredSessions(ctx)
				if err != nil {
					log.Error().Err(err).Msg("session cleanup failed")
					continue
				}
				if n > 0 {
					log.Info().Int64("removed", n).Msg("expired sessions cleaned up")
				}
			}
		}
	}()
}

// RequestPasswordReset issues a reset token and notifies the owner. Unknown
// addresses succeed silently so accounts cannot be enumerated.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	if err := validation.ValidateEmail(email); err != nil {
		return err
	}
	user, err := s.users.GetByEmail(ctx, validation.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil
	}

	token, expires, err := s.tokens.Issue(user.ID, s.tokens.Fingerprint(user.PasswordHash))
	if err != nil {
		return fmt.Errorf("failed to issue reset token: %w", err)
	}

	if s.notifier != nil {
		if err := s.notifier.PasswordResetRequested(ctx, user, token, expires); err != nil {
			log.Error().Err(err).Int64("user_id", user.ID).Msg("failed to send password reset notification")
		}
	}
	return nil
}

// VerifyResetToken returns the user a reset token was issued to, or
// ErrInvalidToken if it is forged, expired or already used.
func (s *AuthService) VerifyResetToken(ctx context.Context, token string) (*models.User, error) {
	return s.verifyResetToken(ctx, s.users, token)
}

func (s *AuthService) verifyResetToken(ctx context.Context, users *repository.UserRepository, token string) (*models.User, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, ErrInvalidToken
	}
	user, err := users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil || claims.Fingerprint != s.tokens.Fingerprint(user.PasswordHash) {
		return nil, ErrInvalidToken
	}
	return user, nil
}

// ResetPassword sets a new password for the holder of a valid token and
// signs that user out everywhere.
func (s *AuthService) ResetPassword(ctx context.Context, token, password, confirm string) (*models.User, error) {
	if _, err := s.tokens.Verify(token); err != nil {
		return nil, ErrInvalidToken
	}

	var errs validation.Errors
	errs.Add(validation.ValidatePassword("password", password))
	errs.Add(validation.ValidateConfirm(password, confirm))
	if err := errs.Err(); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var user *models.User
	err = database.WithTx(ctx, s.db, func(ctx context.Context, tx database.DBTX) error {
		users := repository.NewUserRepository(tx)
		u, err := s.verifyResetToken(ctx, users, token)
		if err != nil {
			return err
		}
		if err := users.UpdatePassword(ctx, u.ID, hash); err != nil {
			return err
		}
		if err := repository.NewSessionRepository(tx).DeleteForUser(ctx, u.ID); err != nil {
			return err
		}
		u.PasswordHash = hash
		user = u
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	log.Info().Int64("user_id", user.ID).Msg("password reset")
	return user, nil
}
