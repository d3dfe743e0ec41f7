package service

import (
	"errors"
	"fmt"

	"yahtzee/internal/models"
	"yahtzee/internal/security"
)

// ConflictError reports that a unique value is already in use.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	if e.Field == "game" {
		return "score already recorded for this game"
	}
	return fmt.Sprintf("%s already taken", e.Field)
}

// Is matches any ConflictError on the same field.
func (e *ConflictError) Is(target error) bool {
	t, ok := target.(*ConflictError)
	return ok && t.Field == e.Field
}

// Conflict sentinels, compared with errors.Is.
var (
	ErrUsernameTaken = &ConflictError{Field: "username"}
	ErrEmailTaken    = &ConflictError{Field: "email"}
	ErrScoreExists   = &ConflictError{Field: "game"}
)

// ErrNotFound matches every *NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = security.ErrInvalidToken
	ErrAuthRequired       = errors.New("authentication required")
	ErrRateLimited        = errors.New("too many login attempts, try again later")
)

// InvalidScoreError is returned when a category value breaks the game rules.
type InvalidScoreError = models.InvalidScoreError
