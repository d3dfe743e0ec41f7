package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"yahtzee/internal/models"
	"yahtzee/internal/service"
)

const maxJSONBody = 1 << 20

// APIHandler serves the JSON API under /api/v1
type APIHandler struct {
	userService  *service.UserService
	scoreService *service.ScoreService
	ping         func(ctx context.Context) error
}

// NewAPIHandler creates a new API handler. ping reports database health.
func NewAPIHandler(userService *service.UserService, scoreService *service.ScoreService, ping func(ctx context.Context) error) *APIHandler {
	return &APIHandler{
		userService:  userService,
		scoreService: scoreService,
		ping:         ping,
	}
}

type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

// userBody accepts a user document as GET returns it. The read-only columns
// are parsed and dropped; password_hash stays unknown and is rejected.
type userBody struct {
	service.APIUserInput
	UserID       *int64          `json:"user_id"`
	ImageFile    json.RawMessage `json:"image_file"`
	CreatedAt    json.RawMessage `json:"created_at"`
	LastModified json.RawMessage `json:"last_modified"`
}

// decodeJSON reads a single JSON object into v, rejecting unknown fields so
// derived or secret columns cannot be written.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &badRequestError{msg: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	if dec.More() {
		return &badRequestError{msg: "invalid JSON body: trailing data"}
	}
	return nil
}

// pathID parses a numeric path parameter. Anything else cannot name a row.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

func (h *APIHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var bad *badRequestError
	if errors.As(err, &bad) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: bad.msg})
		return
	}
	writeAPIError(w, r, err)
}

func notFound(w http.ResponseWriter, entity, raw string) {
	writeJSON(w, http.StatusNotFound, apiError{Error: fmt.Sprintf("%s %s not found", entity, raw)})
}

// ListUsers handles GET /api/v1/users
func (h *APIHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.userService.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// CreateUser handles POST /api/v1/users
func (h *APIHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var in userBody
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}

	user, err := h.userService.CreateViaAPI(r.Context(), in.APIUserInput)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/users/%d", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{id}
func (h *APIHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		notFound(w, "user", r.PathValue("id"))
		return
	}
	user, err := h.userService.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateUser handles PUT /api/v1/users/{id}
func (h *APIHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		notFound(w, "user", r.PathValue("id"))
		return
	}
	var in userBody
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	if in.UserID != nil && *in.UserID != id {
		h.fail(w, r, &badRequestError{msg: "user_id does not match the path"})
		return
	}

	user, err := h.userService.UpdateViaAPI(r.Context(), id, in.APIUserInput)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UserScores handles GET /api/v1/users/{id}/scores
func (h *APIHandler) UserScores(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		notFound(w, "user", r.PathValue("id"))
		return
	}
	scores, err := h.scoreService.UserScores(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scores)
}

// CreateGame handles POST /api/v1/games
func (h *APIHandler) CreateGame(w http.ResponseWriter, r *http.Request) {
	game, err := h.scoreService.StartGame(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/games/%d", game.ID))
	writeJSON(w, http.StatusCreated, game)
}

// GetGame handles GET /api/v1/games/{id}
func (h *APIHandler) GetGame(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		notFound(w, "game", r.PathValue("id"))
		return
	}
	game, err := h.scoreService.Game(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

// scoreSubmission is the body of POST /api/v1/games/{id}/scores.
type scoreSubmission struct {
	UserID int64 `json:"user_id"`
	models.CategoryScores
}

// SubmitScore handles POST /api/v1/games/{id}/scores
func (h *APIHandler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(r, "id")
	if !ok {
		notFound(w, "game", r.PathValue("id"))
		return
	}
	var in scoreSubmission
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	if in.UserID <= 0 {
		h.fail(w, r, &badRequestError{msg: "user_id is required"})
		return
	}

	sheet, err := h.scoreService.SubmitScore(r.Context(), in.UserID, gameID, in.CategoryScores)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sheet)
}

// Health handles GET /healthz
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			log.Error().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
