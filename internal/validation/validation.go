// Package validation checks user-supplied form and API fields.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Field length limits for account data.
const (
	UsernameMin = 2
	UsernameMax = 25
	NameMin     = 1
	NameMax     = 25
	EmailMax    = 120
	PasswordMin = 8
	PasswordMax = 72 // bcrypt ignores anything longer
)

// ValidationError represents a problem with a single field
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Errors collects every field problem found in one submission.
type Errors []ValidationError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Error()
	}
	return strings.Join(parts, "; ")
}

// Add records err if it is a ValidationError; other non-nil errors are
// recorded against the "form" field.
func (e *Errors) Add(err error) {
	if err == nil {
		return
	}
	var fe ValidationError
	if errors.As(err, &fe) {
		*e = append(*e, fe)
		return
	}
	*e = append(*e, ValidationError{Field: "form", Reason: err.Error()})
}

// Err returns nil when nothing was recorded.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// ByField maps field names to their first reason, for form rendering.
func (e Errors) ByField() map[string]string {
	m := make(map[string]string, len(e))
	for _, fe := range e {
		if _, ok := m[fe.Field]; !ok {
			m[fe.Field] = fe.Reason
		}
	}
	return m
}

// AsErrors extracts field problems from err, which may be a single
// ValidationError or an Errors.
func AsErrors(err error) (Errors, bool) {
	var many Errors
	if errors.As(err, &many) {
		return many, true
	}
	var one ValidationError
	if errors.As(err, &one) {
		return Errors{one}, true
	}
	return nil, false
}

// Length checks that value has between min and max characters.
func Length(field, value string, min, max int) error {
	n := utf8.RuneCountInString(value)
	if n == 0 && min > 0 {
		return ValidationError{Field: field, Reason: "this field is required"}
	}
	if n < min || n > max {
		return ValidationError{Field: field, Reason: fmt.Sprintf("must be between %d and %d characters", min, max)}
	}
	return nil
}

// ValidateUsername checks the username length
func ValidateUsername(username string) error {
	return Length("username", strings.TrimSpace(username), UsernameMin, UsernameMax)
}

// ValidateName checks a first or last name
func ValidateName(field, name string) error {
	return Length(field, strings.TrimSpace(name), NameMin, NameMax)
}

// ValidateEmail checks if an email address is valid
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ValidationError{Field: "email", Reason: "this field is required"}
	}
	if len(email) > EmailMax || !emailRegex.MatchString(email) {
		return ValidationError{Field: "email", Reason: "invalid email address"}
	}
	return nil
}

// ValidatePassword checks if a password meets requirements
func ValidatePassword(field, password string) error {
	if password == "" {
		return ValidationError{Field: field, Reason: "this field is required"}
	}
	if len(password) < PasswordMin {
		return ValidationError{Field: field, Reason: fmt.Sprintf("must be at least %d characters", PasswordMin)}
	}
	if len(password) > PasswordMax {
		return ValidationError{Field: field, Reason: fmt.Sprintf("must be at most %d bytes", PasswordMax)}
	}
	return nil
}

// ValidateConfirm checks that the confirmation repeats the password.
func ValidateConfirm(password, confirm string) error {
	if confirm != password {
		return ValidationError{Field: "confirm_password", Reason: "field must be equal to password"}
	}
	return nil
}

// NormalizeEmail trims and lower-cases an address before storage or lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
