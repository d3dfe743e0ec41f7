package handlers

import "yahtzee/internal/security"

const (
	SessionCookieName = security.SessionCookieName
	CSRFCookieName    = "csrf_nonce"
	FlashCookieName   = "flash"

	ErrInvalidFormData     = "Invalid form data"
	ErrInvalidCSRFToken    = "Invalid or missing CSRF token"
	ErrInternalServerError = "Internal server error"

	MsgLoginFailed     = "Login unsuccessful. Please check email and password."
	MsgTooManyAttempts = "Too many login attempts. Please wait a minute and try again."
	MsgUsernameTaken   = "That username is taken. Please choose a different one."
	MsgEmailTaken      = "That email is taken. Please choose a different one."
	MsgInvalidToken    = "That is an invalid or expired token."
)
