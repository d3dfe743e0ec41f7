package handlers

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"

	"yahtzee/internal/service"
)

const homeHighScores = 5

// PageHandler serves the public pages and the account page
type PageHandler struct {
	pages
	userService  *service.UserService
	scoreService *service.ScoreService
}

// NewPageHandler creates a new page handler
func NewPageHandler(userService *service.UserService, scoreService *service.ScoreService, middleware *Middleware, templates *template.Template) *PageHandler {
	return &PageHandler{
		pages:        pages{templates: templates, middleware: middleware},
		userService:  userService,
		scoreService: scoreService,
	}
}

// Home lists the players by last name along with the best scores
func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	users, err := h.userService.List(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, ErrInternalServerError, "failed to list users", err)
		return
	}
	rows := make([]userRow, len(users))
	for i := range users {
		rows[i] = userRow{
			User:     users[i],
			Name:     users[i].FullName(),
			ImageURL: h.userService.ImageURL(&users[i]),
		}
	}

	scores, err := h.scoreService.HighScores(r.Context(), homeHighScores)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, ErrInternalServerError, "failed to load high scores", err)
		return
	}

	data := h.page(w, r, "")
	data["Users"] = rows
	data["HighScores"] = scores
	h.render(w, http.StatusOK, "home.tmpl", data)
}

// About renders the about page
func (h *PageHandler) About(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "about.tmpl", h.page(w, r, "About"))
}

func (h *PageHandler) renderAccount(w http.ResponseWriter, r *http.Request, status int, values, errs map[string]string) {
	user := GetUserFromContext(r.Context())

	scores, err := h.scoreService.UserScores(r.Context(), user.ID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", user.ID).Msg("failed to load user scores")
	}

	data := h.page(w, r, "Account")
	data["Fields"] = buildFields(accountFields, values, errs)
	data["ImageURL"] = h.userService.ImageURL(user)
	data["Scores"] = scores
	h.render(w, status, "account.tmpl", data)
}

// ShowAccount renders the account form filled with the current values
func (h *PageHandler) ShowAccount(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	h.renderAccount(w, r, http.StatusOK, profileValues(user), nil)
}

// UpdateAccount saves profile changes and an optional new picture
func (h *PageHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	user, err := CurrentUser(r.Context())
	if err != nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.renderAccount(w, r, http.StatusRequestEntityTooLarge, formValues(r, accountFields),
				map[string]string{"picture": "The uploaded file is too large."})
			return
		}
		http.Error(w, ErrInvalidFormData, http.StatusBadRequest)
		return
	}

	var picture *service.ImageUpload
	file, header, err := r.FormFile("picture")
	switch {
	case err == nil:
		defer file.Close()
		if header.Filename != "" {
			picture = &service.ImageUpload{Filename: header.Filename, Body: file}
		}
	case !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart):
		http.Error(w, ErrInvalidFormData, http.StatusBadRequest)
		return
	}

	values := formValues(r, accountFields)
	_, err = h.userService.UpdateAccount(r.Context(), user.ID, service.ProfileInput{
		Username:  values["username"],
		Email:     values["email"],
		FirstName: values["first_name"],
		LastName:  values["last_name"],
	}, picture)
	if err != nil {
		h.accountError(w, r, values, err)
		return
	}

	setFlash(w, r, "success", "Your account has been updated!")
	http.Redirect(w, r, "/account", http.StatusSeeOther)
}

func (h *PageHandler) accountError(w http.ResponseWriter, r *http.Request, values map[string]string, err error) {
	fieldErrs, ok := formErrors(err)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, ErrInternalServerError, "account update failed", err)
		return
	}
	h.renderAccount(w, r, statusForError(err), values, fieldErrs)
}
