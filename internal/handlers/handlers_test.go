package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"yahtzee/internal/database/dbtest"
	"yahtzee/internal/models"
	"yahtzee/internal/security"
	"yahtzee/internal/service"
)

type resetCapture struct {
	mu    sync.Mutex
	token string
}

func (c *resetCapture) UserRegistered(context.Context, *models.User) error { return nil }

func (c *resetCapture) PasswordResetRequested(_ context.Context, _ *models.User, token string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	return nil
}

func (c *resetCapture) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

type testApp struct {
	server *httptest.Server
	users  *service.UserService
	resets *resetCapture
}

func newTestApp(t *testing.T, loginRate int) *testApp {
	t.Helper()
	db := dbtest.NewSQLite(t)
	hasher := security.NewPasswordHasher(bcrypt.MinCost)
	resets := &resetCapture{}

	images, err := service.NewLocalImageStore(t.TempDir(), "/static/profile_pics/")
	require.NoError(t, err)
	users := service.NewUserService(db, hasher, resets, images, 4096)
	auth := service.NewAuthService(db, users, hasher, security.NewResetTokens("test-secret", time.Minute), resets,
		service.AuthConfig{SessionDuration: time.Hour, RememberDuration: 24 * time.Hour})

	templates, err := LoadTemplates()
	require.NoError(t, err)

	limiter := security.NewRateLimiter(loginRate, time.Minute)
	t.Cleanup(limiter.Close)

	router := NewRouter(RouterConfig{
		AuthService:   auth,
		UserService:   users,
		ScoreService:  service.NewScoreService(db),
		Templates:     templates,
		CSRF:          security.NewCSRFGenerator("test-secret", time.Hour),
		LoginLimiter:  limiter,
		Ping:          db.Ping,
		UploadMaxSize: 4096,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testApp{server: server, users: users, resets: resets}
}

type browser struct {
	t      *testing.T
	base   string
	client *http.Client
}

func (a *testApp) browser(t *testing.T) *browser {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{
		t:    t,
		base: a.server.URL,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

type response struct {
	status   int
	body     string
	location string
}

func (b *browser) do(req *http.Request) response {
	b.t.Helper()
	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	return response{status: resp.StatusCode, body: string(body), location: resp.Header.Get("Location")}
}

func (b *browser) get(path string) response {
	b.t.Helper()
	req, err := http.NewRequest(http.MethodGet, b.base+path, nil)
	require.NoError(b.t, err)
	return b.do(req)
}

func (b *browser) post(path string, form url.Values) response {
	b.t.Helper()
	req, err := http.NewRequest(http.MethodPost, b.base+path, strings.NewReader(form.Encode()))
	require.NoError(b.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

func (b *browser) sendJSON(method, path, body string) response {
	b.t.Helper()
	req, err := http.NewRequest(method, b.base+path, strings.NewReader(body))
	require.NoError(b.t, err)
	req.Header.Set("Content-Type", "application/json")
	return b.do(req)
}

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

// csrf loads a page and returns the token embedded in its forms.
func (b *browser) csrf(path string) string {
	b.t.Helper()
	page := b.get(path)
	require.Equal(b.t, http.StatusOK, page.status, page.body)
	m := csrfPattern.FindStringSubmatch(page.body)
	require.Len(b.t, m, 2, "no csrf token on %s", path)
	return m[1]
}

func registerForm(token, username, email string) url.Values {
	return url.Values{
		"csrf_token":       {token},
		"username":         {username},
		"email":            {email},
		"first_name":       {"Paul"},
		"last_name":        {"Maclachlan"},
		"password":         {"yahtzee123"},
		"confirm_password": {"yahtzee123"},
	}
}

func (b *browser) register(username, email string) {
	b.t.Helper()
	resp := b.post("/register", registerForm(b.csrf("/register"), username, email))
	require.Equal(b.t, http.StatusSeeOther, resp.status, resp.body)
}

func (b *browser) login(email, password string) response {
	b.t.Helper()
	return b.post("/login", url.Values{
		"csrf_token": {b.csrf("/login")},
		"email":      {email},
		"password":   {password},
	})
}

func TestPublicPages(t *testing.T) {
	app := newTestApp(t, 10)
	b := app.browser(t)

	home := b.get("/")
	assert.Equal(t, http.StatusOK, home.status)
	assert.Contains(t, home.body, "Players")

	about := b.get("/about")
	assert.Equal(t, http.StatusOK, about.status)
	assert.Contains(t, about.body, "About")

	assert.Equal(t, http.StatusNotFound, b.get("/nope").status)
}

func TestRegisterLoginLogout(t *testing.T) {
	app := newTestApp(t, 10)
	b := app.browser(t)

	resp := b.post("/register", registerForm(b.csrf("/register"), "pmacking", "test@test.com"))
	require.Equal(t, http.StatusSeeOther, resp.status, resp.body)
	assert.Equal(t, "/login", resp.location)

	loginPage := b.get("/login")
	assert.Contains(t, loginPage.body, "Account created for pmacking!")

	bad := b.login("test@test.com", "wrong-password")
	assert.Equal(t, http.StatusUnauthorized, bad.status)
	assert.Contains(t, bad.body, MsgLoginFailed)

	unknown := b.login("nobody@test.com", "yahtzee123")
	assert.Equal(t, http.StatusUnauthorized, unknown.status)
	assert.Contains(t, unknown.body, MsgLoginFailed)

	ok := b.login("test@test.com", "yahtzee123")
	require.Equal(t, http.StatusSeeOther, ok.status, ok.body)
	assert.Equal(t, "/", ok.location)

	account := b.get("/account")
	assert.Equal(t, http.StatusOK, account.status)
	assert.Contains(t, account.body, "pmacking")

	assert.Equal(t, "/", b.get("/register").location, "logged in users are sent home")
	assert.Equal(t, "/", b.get("/login").location)

	out := b.post("/logout", url.Values{"csrf_token": {b.csrf("/")}})
	require.Equal(t, http.StatusSeeOther, out.status)

	gate := b.get("/account")
	assert.Equal(t, http.StatusSeeOther, gate.status)
	assert.Equal(t, "/login?next=%2Faccount", gate.location)
}

func TestLoginFollowsLocalNext(t *testing.T) {
	app := newTestApp(t, 10)
	b := app.browser(t)
	b.register("pmacking", "test@test.com")

	form := url.Values{
		"csrf_token": {b.csrf("/login?next=/account")},
		"email":      {"test@test.com"},
		"password":   {"yahtzee123"},
	}
	resp := b.post("/login?next=/account", form)
	require.Equal(t, http.StatusSeeOther, resp.status)
	assert.Equal(t, "/account", resp.location)

	b.get("/logout")
	assert.Equal(t, http.StatusSeeOther, b.get("/account").status)
}

func TestRegisterErrors(t *testing.T) {
	app := newTestApp(t, 10)
	b := app.browser(t)
	b.register("pmacking", "test@test.com")

	taken := b.post("/register", registerForm(b.csrf("/register"), "pmacking", "new@test.com"))
	assert.Equal(t, http.StatusConflict, taken.status)
	assert.Contains(t, taken.body, MsgUsernameTaken)

	emailTaken := b.post("/register", registerForm(b.csrf("/register"), "newname", "test@test.com"))
	assert.Equal(t, http.StatusConflict, emailTaken.status)
	assert.Contains(t, emailTaken.body, MsgEmailTaken)

	form := registerForm(b.csrf("/register"), "x", "test2@test.com")
	form.Set("confirm_password", "something-else")
	invalid := b.post("/register", form)
	assert.Equal(t, http.StatusBadRequest, invalid.status)
	assert.Contains(t, invalid.body, "field must be equal to password")
	assert.Contains(t, invalid.body, `value="test2@test.com"`, "entered values are kept")
	assert.NotContains(t, invalid.body, "something-else", "passwords are never echoed")
}

func TestCSRFRequired(t *testing.T) {
	app := newTestApp(t, 10)
	b := app.browser(t)

	b.get("/login")
	resp := b.post("/login", url.Values{"email": {"a@b.c"}, "password": {"x"}})
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = b.post("/login", url.Values{"csrf_token": {"0.deadbeef"}, "email": {"a@b.c"}, "password": {"x"}})
	assert.Equal(t, http.StatusForbidden, resp.status)
}

func TestLoginRateLimited(t *testing.T) {
	app := newTestApp(t, 2)
	b := app.browser(t)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusUnauthorized, b.login("nobody@test.com", "password1").status)
	}
	limited := b.login("nobody@test.com", "password1")
	assert.Equal(t, http.StatusTooManyRequests, limited.status)
	assert.Contains(t, limited.body, "Too many login attempts")
}

func TestLoginRateLimitIgnoresForwardedFor(t *testing.T) {
	app := newTestApp(t, 2)
	b := app.browser(t)

	attempt := func(n int) int {
		form := url.Values{
			"csrf_token": {b.csrf("/login")},
			"email":      {"nobody@test.com"},
			"password":   {"password1"},
		}
		req, err := http.NewRequest(http.MethodPost, b.base+"/login", strings.NewReader(form.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(n))
		req.Header.Set("X-Real-IP", "10.0.1."+strconv.Itoa(n))
		return b.do(req).status
	}

	assert.Equal(t, http.StatusUnauthorized, attempt(1))
	assert.Equal(t, http.StatusUnauthorized, attempt(2))
	assert.Equal(t, http.StatusTooManyRequests, attempt(3))
	assert.Equal(t, http.StatusTooManyRequests, attempt(4))
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestAccountUpdate(t *testing.T) {
	app := newTestApp(t, 10)
	b := app.browser(t)
	b.register("pmacking", "test@test.com")
	b.register("tayadawne", "test@test.ca")
	require.Equal(t, http.StatusSeeOther, b.login("test@test.com", "yahtzee123").status)

	token := b.csrf("/account")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range map[string]string{
		"csrf_token": token,
		"username":   "pmacking",
		"email":      "test@test.com",
		"first_name": "Paulie",
		"last_name":  "Maclachlan",
	} {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("picture", "me.png")
	require.NoError(t, err)
	_, err = fw.Write(pngHeader)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, b.base+"/account", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := b.do(req)
	require.Equal(t, http.StatusSeeOther, resp.status, resp.body)
	assert.Equal(t, "/account", resp.location)

	page := b.get("/account")
	assert.Contains(t, page.body, "Your account has been updated!")
	assert.Contains(t, page.body, `value="Paulie"`)
	assert.Contains(t, page.body, ".png")

	conflict := b.post("/account", url.Values{
		"csrf_token": {b.csrf("/account")},
		"username":   {"tayadawne"},
		"email":      {"test@test.com"},
		"first_name": {"Paul"},
		"last_name":  {"Maclachlan"},
	})
	assert.Equal(t, http.StatusConflict, conflict.status)
	assert.Contains(t, conflict.body, MsgUsernameTaken)
}

func (b *browser) postMultipart(path string, fields map[string]string, filename string, data []byte) response {
	b.t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(b.t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("picture", filename)
	require.NoError(b.t, err)
	_, err = fw.Write(data)
	require.NoError(b.t, err)
	require.NoError(b.t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, b.base+path, &body)
	require.NoError(b.t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return b.do(req)
}

func TestAccountRejectedPictureKeepsProfile(t *testing.T) {
	app := newTestApp(t, 10)
	b := app.browser(t)
	b.register("pmacking", "test@test.com")
	require.Equal(t, http.StatusSeeOther, b.login("test@test.com", "yahtzee123").status)

	resp := b.postMultipart("/account", map[string]string{
		"csrf_token": b.csrf("/account"),
		"username":   "renamed",
		"email":      "test@test.com",
		"first_name": "Paul",
		"last_name":  "Maclachlan",
	}, "me.gif", []byte("GIF89a"))
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Contains(t, resp.body, "only jpg and png images are allowed")

	users, err := app.users.List(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "pmacking", users[0].Username)
}

func TestPasswordResetPages(t *testing.T) {
	app := newTestApp(t, 10)
	b := app.browser(t)
	b.register("pmacking", "test@test.com")

	resp := b.post("/reset_password", url.Values{"csrf_token": {b.csrf("/reset_password")}, "email": {"test@test.com"}})
	require.Equal(t, http.StatusSeeOther, resp.status)
	assert.Equal(t, "/login", resp.location)
	token := app.resets.last()
	require.NotEmpty(t, token)

	unknown := b.post("/reset_password", url.Values{"csrf_token": {b.csrf("/reset_password")}, "email": {"nobody@test.com"}})
	assert.Equal(t, http.StatusSeeOther, unknown.status, "unknown emails look the same")

	bogus := b.get("/reset_password/not-a-token")
	assert.Equal(t, http.StatusSeeOther, bogus.status)
	assert.Equal(t, "/reset_password", bogus.location)

	formToken := b.csrf("/reset_password/" + token)
	mismatch := b.post("/reset_password/"+token, url.Values{
		"csrf_token": {formToken}, "password": {"brandnew1"}, "confirm_password": {"nope"},
	})
	assert.Equal(t, http.StatusBadRequest, mismatch.status)

	done := b.post("/reset_password/"+token, url.Values{
		"csrf_token": {formToken}, "password": {"brandnew1"}, "confirm_password": {"brandnew1"},
	})
	require.Equal(t, http.StatusSeeOther, done.status)
	assert.Equal(t, "/login", done.location)

	assert.Equal(t, http.StatusSeeOther, b.login("test@test.com", "brandnew1").status)

	b.get("/logout")
	reused := b.get("/reset_password/" + token)
	assert.Equal(t, "/reset_password", reused.location, "a used token is rejected")
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v), body)
	return v
}

func TestAPIUsers(t *testing.T) {
	app := newTestApp(t, 10)
	b := app.browser(t)

	created := b.sendJSON(http.MethodPost, "/api/v1/users",
		`{"username":"tayadawne","email":"test@test.ca","first_name":"Taya","last_name":"Maclachlan","password":"yahtzee123"}`)
	require.Equal(t, http.StatusCreated, created.status, created.body)
	assert.NotContains(t, created.body, "password")
	user := decode[models.User](t, created.body)
	assert.Equal(t, "/api/v1/users/"+itoa(user.ID), created.location)

	dup := b.sendJSON(http.MethodPost, "/api/v1/users",
		`{"username":"tayadawne","email":"x@test.ca","first_name":"T","last_name":"M","password":"yahtzee123"}`)
	assert.Equal(t, http.StatusConflict, dup.status)
	assert.Contains(t, dup.body, "username already taken")

	invalid := b.sendJSON(http.MethodPost, "/api/v1/users", `{"username":"t","email":"bad","first_name":"","last_name":"M","password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, invalid.status)
	body := decode[apiError](t, invalid.body)
	for _, f := range []string{"username", "email", "first_name", "password"} {
		assert.Contains(t, body.Fields, f)
	}

	unknownField := b.sendJSON(http.MethodPost, "/api/v1/users", `{"username":"zed","password_hash":"x"}`)
	assert.Equal(t, http.StatusBadRequest, unknownField.status)

	list := b.get("/api/v1/users")
	assert.Equal(t, http.StatusOK, list.status)
	assert.Len(t, decode[[]models.User](t, list.body), 1)

	assert.Equal(t, http.StatusOK, b.get("/api/v1/users/"+itoa(user.ID)).status)
	assert.Equal(t, http.StatusNotFound, b.get("/api/v1/users/9999").status)
	assert.Equal(t, http.StatusNotFound, b.get("/api/v1/users/abc").status)

	updated := b.sendJSON(http.MethodPut, "/api/v1/users/"+itoa(user.ID),
		`{"username":"taya","email":"test@test.ca","first_name":"Taya","last_name":"Smith"}`)
	require.Equal(t, http.StatusOK, updated.status, updated.body)
	assert.Equal(t, "Smith", decode[models.User](t, updated.body).LastName)

	missing := b.sendJSON(http.MethodPut, "/api/v1/users/9999",
		`{"username":"ghost","email":"ghost@test.ca","first_name":"G","last_name":"G"}`)
	assert.Equal(t, http.StatusNotFound, missing.status)
}

func TestAPIUserRoundTrip(t *testing.T) {
	app := newTestApp(t, 10)
	b := app.browser(t)

	created := b.sendJSON(http.MethodPost, "/api/v1/users",
		`{"username":"tayadawne","email":"test@test.ca","first_name":"Taya","last_name":"Maclachlan","password":"yahtzee123"}`)
	require.Equal(t, http.StatusCreated, created.status, created.body)
	user := decode[models.User](t, created.body)
	path := "/api/v1/users/" + itoa(user.ID)

	fetched := b.get(path)
	require.Equal(t, http.StatusOK, fetched.status)
	doc := decode[map[string]any](t, fetched.body)
	doc["last_name"] = "Smith"
	edited, err := json.Marshal(doc)
	require.NoError(t, err)

	updated := b.sendJSON(http.MethodPut, path, string(edited))
	require.Equal(t, http.StatusOK, updated.status, updated.body)
	got := decode[models.User](t, updated.body)
	assert.Equal(t, "Smith", got.LastName)
	assert.Equal(t, user.ImageFile, got.ImageFile)
	assert.Equal(t, user.CreatedAt.Unix(), got.CreatedAt.Unix())

	doc["user_id"] = user.ID + 1
	mismatched, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, b.sendJSON(http.MethodPut, path, string(mismatched)).status)

	doc["user_id"] = user.ID
	doc["password_hash"] = "x"
	withHash, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, b.sendJSON(http.MethodPut, path, string(withHash)).status)
}

func TestAPIScores(t *testing.T) {
	app := newTestApp(t, 10)
	b := app.browser(t)

	created := b.sendJSON(http.MethodPost, "/api/v1/users",
		`{"username":"pmacking","email":"test@test.com","first_name":"Paul","last_name":"Maclachlan","password":"yahtzee123"}`)
	require.Equal(t, http.StatusCreated, created.status)
	userID := itoa(decode[models.User](t, created.body).ID)

	gameResp := b.sendJSON(http.MethodPost, "/api/v1/games", "")
	require.Equal(t, http.StatusCreated, gameResp.status)
	game := decode[models.Game](t, gameResp.body)
	gamePath := "/api/v1/games/" + itoa(game.ID)

	sheet := `{"user_id":` + userID + `,"ones":3,"twos":6,"threes":9,"fours":12,"fives":15,"sixes":15,"chance":20}`
	scored := b.sendJSON(http.MethodPost, gamePath+"/scores", sheet)
	require.Equal(t, http.StatusCreated, scored.status, scored.body)
	got := decode[models.Scoresheet](t, scored.body)
	assert.Equal(t, 60, got.TopScore)
	assert.Equal(t, 3, got.TopBonusScoreDelta)
	assert.Equal(t, 80, got.GrandTotalScore)

	assert.Equal(t, http.StatusConflict, b.sendJSON(http.MethodPost, gamePath+"/scores", sheet).status)

	invalid := b.sendJSON(http.MethodPost, gamePath+"/scores", `{"user_id":`+userID+`,"large_straight":35}`)
	assert.Equal(t, http.StatusBadRequest, invalid.status)
	errBody := decode[apiError](t, invalid.body)
	assert.Equal(t, "large_straight", errBody.Category)

	derived := b.sendJSON(http.MethodPost, gamePath+"/scores", `{"user_id":`+userID+`,"grand_total_score":999}`)
	assert.Equal(t, http.StatusBadRequest, derived.status, "totals are never accepted from clients")

	assert.Equal(t, http.StatusNotFound, b.sendJSON(http.MethodPost, "/api/v1/games/9999/scores", sheet).status)
	assert.Equal(t, http.StatusBadRequest, b.sendJSON(http.MethodPost, gamePath+"/scores", `{"chance":5}`).status)

	detail := b.get(gamePath)
	require.Equal(t, http.StatusOK, detail.status)
	assert.Len(t, decode[service.GameDetail](t, detail.body).Scores, 1)

	mine := b.get("/api/v1/users/" + userID + "/scores")
	require.Equal(t, http.StatusOK, mine.status)
	assert.Len(t, decode[[]models.ScoreEntry](t, mine.body), 1)

	assert.Equal(t, http.StatusNotFound, b.get("/api/v1/games/9999").status)

	home := b.get("/")
	assert.Contains(t, home.body, "Paul Maclachlan")
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, 10)
	resp := app.browser(t).get("/healthz")
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.body, `"ok"`)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
