package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"yahtzee/internal/database"
	"yahtzee/internal/database/dbtest"
	"yahtzee/internal/models"
	"yahtzee/internal/repository"
	"yahtzee/internal/security"
	"yahtzee/internal/validation"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) UserRegistered(_ context.Context, user *models.User) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, registeredNotification(user))
	return n.err
}

func (n *recordingNotifier) PasswordResetRequested(_ context.Context, user *models.User, token string, expires time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, resetNotification(user, token, expires))
	return n.err
}

func (n *recordingNotifier) last() Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return Notification{}
	}
	return n.sent[len(n.sent)-1]
}

type testEnv struct {
	db       *database.DB
	users    *UserService
	auth     *AuthService
	scores   *ScoreService
	notifier *recordingNotifier
	images   *LocalImageStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := dbtest.NewSQLite(t)
	hasher := security.NewPasswordHasher(bcrypt.MinCost)
	notifier := &recordingNotifier{}
	images, err := NewLocalImageStore(t.TempDir(), "/static/profile_pics/")
	require.NoError(t, err)

	users := NewUserService(db, hasher, notifier, images, 1024)
	auth := NewAuthService(db, users, hasher, security.NewResetTokens("test-secret", time.Minute), notifier,
		AuthConfig{SessionDuration: time.Hour, RememberDuration: 24 * time.Hour})
	return &testEnv{
		db:       db,
		users:    users,
		auth:     auth,
		scores:   NewScoreService(db),
		notifier: notifier,
		images:   images,
	}
}

func registration(username, email string) RegisterInput {
	return RegisterInput{
		Username:        username,
		Email:           email,
		FirstName:       "Paul",
		LastName:        "Maclachlan",
		Password:        "yahtzee123",
		ConfirmPassword: "yahtzee123",
	}
}

func (e *testEnv) register(t *testing.T, username, email string) *models.User {
	t.Helper()
	u, err := e.auth.Register(context.Background(), registration(username, email))
	require.NoError(t, err)
	return u
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.auth.Register(ctx, registration("pmacking", "  Test@Test.com "))
	require.NoError(t, err)
	assert.Equal(t, "test@test.com", u.Email)
	assert.NotEqual(t, "yahtzee123", u.PasswordHash)
	assert.Equal(t, KindUserRegistered, env.notifier.last().Kind)

	tests := []struct {
		name    string
		input   RegisterInput
		wantErr error
	}{
		{"username taken", registration("pmacking", "other@test.com"), ErrUsernameTaken},
		{"email taken", registration("other", "test@test.com"), ErrEmailTaken},
		{"both taken reports username", registration("pmacking", "test@test.com"), ErrUsernameTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.auth.Register(ctx, tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	in := registration("p", "not-an-email")
	in.ConfirmPassword = "different"
	in.Password = "short"

	_, err := env.auth.Register(context.Background(), in)
	fields, ok := validation.AsErrors(err)
	require.True(t, ok, "got %v", err)

	byField := fields.ByField()
	for _, f := range []string{"username", "email", "password", "confirm_password"} {
		assert.Contains(t, byField, f)
	}
	assert.Empty(t, env.notifier.sent)
}

func TestRegisterSucceedsWhenNotifierFails(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = errors.New("smtp down")

	u := env.register(t, "pmacking", "test@test.com")
	assert.Greater(t, u.ID, int64(0))
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "pmacking", "test@test.com")

	session, user, err := env.auth.Login(ctx, "TEST@test.com", "yahtzee123", false)
	require.NoError(t, err)
	assert.Equal(t, "pmacking", user.Username)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt, time.Minute)

	remembered, _, err := env.auth.Login(ctx, "test@test.com", "yahtzee123", true)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), remembered.ExpiresAt, time.Minute)

	_, _, err = env.auth.Login(ctx, "test@test.com", "wrong-password", false)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = env.auth.Login(ctx, "nobody@test.com", "yahtzee123", false)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "pmacking", "test@test.com")

	session, _, err := env.auth.Login(ctx, "test@test.com", "yahtzee123", false)
	require.NoError(t, err)

	got, err := env.auth.ValidateSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	require.NoError(t, env.auth.Logout(ctx, session.ID))
	_, err = env.auth.ValidateSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrAuthRequired)

	_, err = env.auth.ValidateSession(ctx, "")
	assert.ErrorIs(t, err, ErrAuthRequired)

	sessions := repository.NewSessionRepository(env.db)
	require.NoError(t, sessions.Create(ctx, &models.Session{ID: "stale", UserID: u.ID, ExpiresAt: time.Now().Add(-time.Minute)}))
	_, err = env.auth.ValidateSession(ctx, "stale")
	assert.ErrorIs(t, err, ErrAuthRequired)

	stale, err := sessions.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, stale, "expired session should be deleted on use")
}

func TestCleanupExpiredSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "pmacking", "test@test.com")

	sessions := repository.NewSessionRepository(env.db)
	require.NoError(t, sessions.Create(ctx, &models.Session{ID: "old", UserID: u.ID, ExpiresAt: time.Now().Add(-time.Hour)}))

	n, err := env.auth.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	paul := env.register(t, "pmacking", "test@test.com")
	env.register(t, "tayadawne", "test@test.ca")

	same := ProfileInput{Username: "pmacking", Email: "test@test.com", FirstName: "Paulie", LastName: "Maclachlan"}
	updated, err := env.users.UpdateProfile(ctx, paul.ID, same)
	require.NoError(t, err)
	assert.Equal(t, "Paulie", updated.FirstName)
	assert.True(t, updated.LastModified.After(paul.LastModified) || updated.LastModified.Equal(paul.LastModified))

	taken := same
	taken.Email = "test@test.ca"
	_, err = env.users.UpdateProfile(ctx, paul.ID, taken)
	assert.ErrorIs(t, err, ErrEmailTaken)

	taken = same
	taken.Username = "tayadawne"
	_, err = env.users.UpdateProfile(ctx, paul.ID, taken)
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = env.users.UpdateProfile(ctx, 9999, same)
	assert.ErrorIs(t, err, ErrNotFound)

	bad := same
	bad.FirstName = ""
	_, err = env.users.UpdateProfile(ctx, paul.ID, bad)
	_, ok := validation.AsErrors(err)
	assert.True(t, ok)
}

func TestAPIUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	in := APIUserInput{
		ProfileInput: ProfileInput{Username: "tayadawne", Email: "test@test.ca", FirstName: "Taya", LastName: "Maclachlan"},
		Password:     "yahtzee123",
	}
	u, err := env.users.CreateViaAPI(ctx, in)
	require.NoError(t, err)

	_, err = env.users.CreateViaAPI(ctx, in)
	assert.ErrorIs(t, err, ErrUsernameTaken)

	noPassword := in
	noPassword.Username = "other"
	noPassword.Email = "other@test.ca"
	noPassword.Password = ""
	_, err = env.users.CreateViaAPI(ctx, noPassword)
	fields, ok := validation.AsErrors(err)
	require.True(t, ok)
	assert.Contains(t, fields.ByField(), "password")

	keep := in
	keep.Password = ""
	keep.LastName = "Smith"
	got, err := env.users.UpdateViaAPI(ctx, u.ID, keep)
	require.NoError(t, err)
	assert.Equal(t, "Smith", got.LastName)
	_, _, err = env.auth.Login(ctx, "test@test.ca", "yahtzee123", false)
	require.NoError(t, err, "password must survive an update without one")

	change := in
	change.Password = "newpassword"
	_, err = env.users.UpdateViaAPI(ctx, u.ID, change)
	require.NoError(t, err)
	_, _, err = env.auth.Login(ctx, "test@test.ca", "newpassword", false)
	require.NoError(t, err)

	list, err := env.users.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = env.users.Get(ctx, 9999)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "user", nf.Entity)
}

func TestPasswordReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "pmacking", "test@test.com")

	require.NoError(t, env.auth.RequestPasswordReset(ctx, "nobody@test.com"))
	assert.Equal(t, KindUserRegistered, env.notifier.last().Kind, "unknown email must not notify")

	require.NoError(t, env.auth.RequestPasswordReset(ctx, "test@test.com"))
	sent := env.notifier.last()
	require.Equal(t, KindPasswordReset, sent.Kind)
	require.NotEmpty(t, sent.ResetToken)

	holder, err := env.auth.VerifyResetToken(ctx, sent.ResetToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, holder.ID)

	session, _, err := env.auth.Login(ctx, "test@test.com", "yahtzee123", false)
	require.NoError(t, err)

	_, err = env.auth.ResetPassword(ctx, sent.ResetToken, "brandnew1", "mismatch")
	_, ok := validation.AsErrors(err)
	require.True(t, ok)

	_, err = env.auth.ResetPassword(ctx, sent.ResetToken, "brandnew1", "brandnew1")
	require.NoError(t, err)

	_, err = env.auth.ValidateSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrAuthRequired, "reset signs the user out")

	_, _, err = env.auth.Login(ctx, "test@test.com", "yahtzee123", false)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = env.auth.Login(ctx, "test@test.com", "brandnew1", false)
	require.NoError(t, err)

	_, err = env.auth.ResetPassword(ctx, sent.ResetToken, "another12", "another12")
	assert.ErrorIs(t, err, ErrInvalidToken, "tokens are single use")

	_, err = env.auth.VerifyResetToken(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSubmitScore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	paul := env.register(t, "pmacking", "test@test.com")
	taya := env.register(t, "tayadawne", "test@test.ca")

	game, err := env.scores.StartGame(ctx)
	require.NoError(t, err)

	full := models.CategoryScores{
		Ones: 3, Twos: 6, Threes: 9, Fours: 12, Fives: 15, Sixes: 18,
		ThreeOfAKind: 20, FourOfAKind: 25, FullHouse: 25, SmallStraight: 30,
		LargeStraight: 40, Yahtzee: 50, Chance: 22, YahtzeeBonus: 100,
	}
	sheet, err := env.scores.SubmitScore(ctx, paul.ID, game.ID, full)
	require.NoError(t, err)
	assert.Equal(t, 63, sheet.TopScore)
	assert.Equal(t, 35, sheet.TopBonusScore)
	assert.Equal(t, 0, sheet.TopBonusScoreDelta)
	assert.Equal(t, 98, sheet.TotalTopScore)
	assert.Equal(t, 312, sheet.TotalBottomScore)
	assert.Equal(t, 410, sheet.GrandTotalScore)

	_, err = env.scores.SubmitScore(ctx, paul.ID, game.ID, full)
	assert.ErrorIs(t, err, ErrScoreExists)

	tests := []struct {
		name   string
		userID int64
		gameID int64
		scores models.CategoryScores
		check  func(t *testing.T, err error)
	}{
		{
			name: "invalid category", userID: taya.ID, gameID: game.ID,
			scores: models.CategoryScores{FullHouse: 24},
			check: func(t *testing.T, err error) {
				var ise *InvalidScoreError
				require.True(t, errors.As(err, &ise))
				assert.Equal(t, "full_house", ise.Category)
				assert.Equal(t, 24, ise.Value)
			},
		},
		{
			name: "unknown user", userID: 9999, gameID: game.ID,
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNotFound) },
		},
		{
			name: "unknown game", userID: taya.ID, gameID: game.ID + 100,
			check: func(t *testing.T, err error) {
				var nf *NotFoundError
				require.True(t, errors.As(err, &nf))
				assert.Equal(t, "game", nf.Entity)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.scores.SubmitScore(ctx, tt.userID, tt.gameID, tt.scores)
			tt.check(t, err)
		})
	}

	_, err = env.scores.SubmitScore(ctx, taya.ID, game.ID, models.CategoryScores{Chance: 5})
	require.NoError(t, err)

	detail, err := env.scores.Game(ctx, game.ID)
	require.NoError(t, err)
	require.Len(t, detail.Scores, 2)
	assert.Equal(t, paul.ID, detail.Scores[0].UserID)

	mine, err := env.scores.UserScores(ctx, taya.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, 63, mine[0].TopBonusScoreDelta)

	_, err = env.scores.UserScores(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)

	top, err := env.scores.HighScores(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestSetProfileImage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "pmacking", "test@test.com")
	assert.Equal(t, DefaultImageURL, env.users.ImageURL(u))

	updated, err := env.users.SetProfileImage(ctx, u.ID, "me.PNG", bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(updated.ImageFile, ".png"))
	assert.Equal(t, "/static/profile_pics/"+updated.ImageFile, env.users.ImageURL(updated))

	stored, err := env.users.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.ImageFile, stored.ImageFile)

	tests := []struct {
		name     string
		filename string
		data     []byte
	}{
		{"wrong extension", "me.gif", pngHeader},
		{"not an image", "me.png", []byte("plain text pretending")},
		{"too large", "me.png", append(append([]byte{}, pngHeader...), make([]byte, 2048)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.users.SetProfileImage(ctx, u.ID, tt.filename, bytes.NewReader(tt.data))
			fields, ok := validation.AsErrors(err)
			require.True(t, ok, "got %v", err)
			assert.Contains(t, fields.ByField(), "picture")
		})
	}
}

func TestUpdateAccountIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "pmacking", "test@test.com")

	renamed := ProfileInput{Username: "renamed", Email: "renamed@test.com", FirstName: "Paul", LastName: "Maclachlan"}
	_, err := env.users.UpdateAccount(ctx, u.ID, renamed, &ImageUpload{Filename: "me.gif", Body: bytes.NewReader([]byte("GIF89a"))})
	fields, ok := validation.AsErrors(err)
	require.True(t, ok, "got %v", err)
	assert.Contains(t, fields.ByField(), "picture")

	stored, err := env.users.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "pmacking", stored.Username, "a rejected picture leaves the profile untouched")
	assert.Equal(t, "test@test.com", stored.Email)

	bad := renamed
	bad.FirstName = ""
	_, err = env.users.UpdateAccount(ctx, u.ID, bad, &ImageUpload{Filename: "me.txt", Body: bytes.NewReader(nil)})
	fields, ok = validation.AsErrors(err)
	require.True(t, ok)
	assert.Contains(t, fields.ByField(), "first_name")
	assert.Contains(t, fields.ByField(), "picture", "field and picture problems are reported together")

	updated, err := env.users.UpdateAccount(ctx, u.ID, renamed, &ImageUpload{Filename: "me.png", Body: bytes.NewReader(pngHeader)})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Username)
	assert.True(t, strings.HasSuffix(updated.ImageFile, ".png"))

	stored, err = env.users.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.ImageFile, stored.ImageFile)
	assert.Equal(t, "renamed", stored.Username)
}
