package handlers

import (
	"html/template"
	"net/http"

	"yahtzee/internal/models"
)

// formField is one input as the "field" template renders it.
type formField struct {
	Name  string
	Label string
	Type  string
	Value string
	Error string
}

type fieldSpec struct {
	name  string
	label string
	typ   string
}

var (
	registerFields = []fieldSpec{
		{"username", "Username", "text"},
		{"email", "Email", "email"},
		{"first_name", "First Name", "text"},
		{"last_name", "Last Name", "text"},
		{"password", "Password", "password"},
		{"confirm_password", "Confirm Password", "password"},
	}
	loginFields = []fieldSpec{
		{"email", "Email", "email"},
		{"password", "Password", "password"},
	}
	accountFields = []fieldSpec{
		{"username", "Username", "text"},
		{"email", "Email", "email"},
		{"first_name", "First Name", "text"},
		{"last_name", "Last Name", "text"},
		{"picture", "Update Profile Picture", "file"},
	}
	resetRequestFields = []fieldSpec{
		{"email", "Email", "email"},
	}
	resetPasswordFields = []fieldSpec{
		{"password", "Password", "password"},
		{"confirm_password", "Confirm Password", "password"},
	}
)

// buildFields pairs submitted values and errors with their inputs. Password
// and file inputs are never echoed back.
func buildFields(specs []fieldSpec, values, errs map[string]string) map[string]formField {
	fields := make(map[string]formField, len(specs))
	for _, s := range specs {
		f := formField{Name: s.name, Label: s.label, Type: s.typ, Error: errs[s.name]}
		if s.typ != "password" && s.typ != "file" {
			f.Value = values[s.name]
		}
		fields[s.name] = f
	}
	return fields
}

// formValues collects the named fields from a parsed form.
func formValues(r *http.Request, specs []fieldSpec) map[string]string {
	values := make(map[string]string, len(specs))
	for _, s := range specs {
		values[s.name] = r.FormValue(s.name)
	}
	return values
}

func profileValues(u *models.User) map[string]string {
	return map[string]string{
		"username":   u.Username,
		"email":      u.Email,
		"first_name": u.FirstName,
		"last_name":  u.LastName,
	}
}

// userRow is a player line on the home page.
type userRow struct {
	models.User
	Name     string
	ImageURL string
}

// pages renders full HTML pages with the layout's common data.
type pages struct {
	templates  *template.Template
	middleware *Middleware
}

// page starts the template data for a response: title, current user,
// pending flash and a CSRF token.
func (p *pages) page(w http.ResponseWriter, r *http.Request, title string) map[string]any {
	data := map[string]any{
		"Title":     title,
		"Flash":     popFlash(w, r),
		"CSRFToken": p.middleware.CSRFToken(w, r),
	}
	if user := GetUserFromContext(r.Context()); user != nil {
		data["User"] = user
	}
	return data
}

func (p *pages) render(w http.ResponseWriter, status int, name string, data map[string]any) {
	render(w, p.templates, status, name, data)
}
