package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"yahtzee/internal/service"
	"yahtzee/internal/validation"
)

func respondWithError(w http.ResponseWriter, status int, userMsg, logMsg string, err error) {
	if err != nil {
		if logMsg == "" {
			logMsg = userMsg
		}
		log.Error().Err(err).Int("status", status).Msg(logMsg)
	}

	http.Error(w, userMsg, status)
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	var (
		conflict     *service.ConflictError
		invalidScore *service.InvalidScoreError
	)
	if _, ok := validation.AsErrors(err); ok {
		return http.StatusBadRequest
	}
	switch {
	case errors.As(err, &invalidScore):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidToken),
		errors.Is(err, service.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

type apiError struct {
	Error    string            `json:"error"`
	Fields   map[string]string `json:"fields,omitempty"`
	Category string            `json:"category,omitempty"`
	Value    *int              `json:"value,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeAPIError renders err as a JSON error body. Unexpected errors are
// logged and reported without detail.
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, status, apiError{Error: ErrInternalServerError})
		return
	}

	body := apiError{Error: err.Error()}
	if fields, ok := validation.AsErrors(err); ok {
		body.Error = "validation failed"
		body.Fields = fields.ByField()
	}
	var invalidScore *service.InvalidScoreError
	if errors.As(err, &invalidScore) {
		body.Category = invalidScore.Category
		body.Value = &invalidScore.Value
	}
	writeJSON(w, status, body)
}

// formErrors turns a service error into per-field messages for a form.
// ok is false for errors that are not the user's to fix.
func formErrors(err error) (fields map[string]string, ok bool) {
	if errs, isValidation := validation.AsErrors(err); isValidation {
		return errs.ByField(), true
	}
	switch {
	case errors.Is(err, service.ErrUsernameTaken):
		return map[string]string{"username": MsgUsernameTaken}, true
	case errors.Is(err, service.ErrEmailTaken):
		return map[string]string{"email": MsgEmailTaken}, true
	}
	return nil, false
}
