package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"yahtzee/internal/database"
	"yahtzee/internal/models"
	"yahtzee/internal/repository"
	"yahtzee/internal/security"
	"yahtzee/internal/validation"
)

// DefaultImageURL is where the placeholder picture is served from.
const DefaultImageURL = "/static/profile_pics/" + models.DefaultImageFile

// RegisterInput is a sign-up submission.
type RegisterInput struct {
	Username        string
	Email           string
	FirstName       string
	LastName        string
	Password        string
	ConfirmPassword string
}

// ProfileInput holds the editable account fields.
type ProfileInput struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// APIUserInput is the JSON body of POST and PUT /api/v1/users. Password is
// required on create and optional on update.
type APIUserInput struct {
	ProfileInput
	Password string `json:"password"`
}

// UserService manages accounts and profiles
type UserService struct {
	db           *database.DB
	users        *repository.UserRepository
	hasher       *security.PasswordHasher
	notifier     Notifier
	images       ImageStore
	maxImageSize int64
}

// NewUserService creates a new user service
func NewUserService(db *database.DB, hasher *security.PasswordHasher, notifier Notifier, images ImageStore, maxImageSize int64) *UserService {
	return &UserService{
		db:           db,
		users:        repository.NewUserRepository(db),
		hasher:       hasher,
		notifier:     notifier,
		images:       images,
		maxImageSize: maxImageSize,
	}
}

func (in *ProfileInput) normalize() {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = validation.NormalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
}

func (in ProfileInput) validate(errs *validation.Errors) {
	errs.Add(validation.ValidateUsername(in.Username))
	errs.Add(validation.ValidateEmail(in.Email))
	errs.Add(validation.ValidateName("first_name", in.FirstName))
	errs.Add(validation.ValidateName("last_name", in.LastName))
}

// conflictFromDuplicate maps a repository unique violation to its sentinel.
func conflictFromDuplicate(err error) error {
	var dup *repository.DuplicateError
	if !errors.As(err, &dup) {
		return err
	}
	switch dup.Field {
	case "username":
		return ErrUsernameTaken
	case "email":
		return ErrEmailTaken
	case "game":
		return ErrScoreExists
	}
	return &ConflictError{Field: dup.Field}
}

// checkAvailable reports the first of username or email already in use.
func checkAvailable(ctx context.Context, users *repository.UserRepository, username, email string) error {
	if username != "" {
		existing, err := users.GetByUsername(ctx, username)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrUsernameTaken
		}
	}
	if email != "" {
		existing, err := users.GetByEmail(ctx, email)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrEmailTaken
		}
	}
	return nil
}

// Register validates a sign-up and creates the account. A taken username is
// reported before a taken email.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	profile := ProfileInput{Username: in.Username, Email: in.Email, FirstName: in.FirstName, LastName: in.LastName}
	profile.normalize()

	var errs validation.Errors
	profile.validate(&errs)
	errs.Add(validation.ValidatePassword("password", in.Password))
	errs.Add(validation.ValidateConfirm(in.Password, in.ConfirmPassword))
	if err := errs.Err(); err != nil {
		return nil, err
	}

	return s.create(ctx, profile, in.Password)
}

func (s *UserService) create(ctx context.Context, profile ProfileInput, password string) (*models.User, error) {
	if err := checkAvailable(ctx, s.users, profile.Username, profile.Email); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Username:     profile.Username,
		Email:        profile.Email,
		FirstName:    profile.FirstName,
		LastName:     profile.LastName,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, conflictFromDuplicate(err)
	}
	log.Info().Int64("user_id", user.ID).Str("username", user.Username).Msg("user registered")

	if s.notifier != nil {
		if err := s.notifier.UserRegistered(ctx, user); err != nil {
			log.Error().Err(err).Int64("user_id", user.ID).Msg("failed to send welcome notification")
		}
	}
	return user, nil
}

// CreateViaAPI creates an account from a JSON body; there is no
// confirmation field.
func (s *UserService) CreateViaAPI(ctx context.Context, in APIUserInput) (*models.User, error) {
	in.normalize()

	var errs validation.Errors
	in.validate(&errs)
	errs.Add(validation.ValidatePassword("password", in.Password))
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return s.create(ctx, in.ProfileInput, in.Password)
}

// List returns every user ordered by last name.
func (s *UserService) List(ctx context.Context) ([]models.User, error) {
	return s.users.List(ctx)
}

// Get returns a user or a *NotFoundError.
func (s *UserService) Get(ctx context.Context, id int64) (*models.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, &NotFoundError{Entity: "user", ID: id}
	}
	return user, nil
}

// UpdateProfile changes the account fields of userID. Uniqueness is only
// re-checked for the fields that actually changed.
func (s *UserService) UpdateProfile(ctx context.Context, userID int64, in ProfileInput) (*models.User, error) {
	return s.UpdateAccount(ctx, userID, in, nil)
}

// UpdateViaAPI replaces the profile fields and, when given, the password.
func (s *UserService) UpdateViaAPI(ctx context.Context, userID int64, in APIUserInput) (*models.User, error) {
	in.normalize()

	var errs validation.Errors
	in.validate(&errs)
	if in.Password != "" {
		errs.Add(validation.ValidatePassword("password", in.Password))
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	var hash string
	if in.Password != "" {
		var err error
		if hash, err = s.hasher.Hash(in.Password); err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
	}
	return s.update(ctx, userID, in.ProfileInput, accountChange{passwordHash: hash})
}

// ImageUpload is a picture submitted with the account form.
type ImageUpload struct {
	Filename string
	Body     io.Reader
}

// UpdateAccount saves the account form: profile fields and, when picture is
// not nil, a new profile picture. The picture is checked before anything is
// written, and the fields and image key are stored in one transaction.
func (s *UserService) UpdateAccount(ctx context.Context, userID int64, in ProfileInput, picture *ImageUpload) (*models.User, error) {
	in.normalize()

	var errs validation.Errors
	in.validate(&errs)
	var img *checkedImage
	if picture != nil {
		var err error
		if img, err = s.checkImage(picture.Filename, picture.Body); err != nil {
			var fieldErr validation.ValidationError
			if !errors.As(err, &fieldErr) {
				return nil, err
			}
			errs.Add(fieldErr)
		}
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	var change accountChange
	if img != nil {
		if _, err := s.Get(ctx, userID); err != nil {
			return nil, err
		}
		key, err := s.storeImage(ctx, img)
		if err != nil {
			return nil, err
		}
		change.imageFile = key
	}
	return s.update(ctx, userID, in, change)
}

// accountChange carries the optional columns written alongside the profile.
type accountChange struct {
	passwordHash string
	imageFile    string
}

// update expects in to be normalized and validated.
func (s *UserService) update(ctx context.Context, userID int64, in ProfileInput, change accountChange) (*models.User, error) {
	var updated *models.User
	err := database.WithTx(ctx, s.db, func(ctx context.Context, tx database.DBTX) error {
		users := repository.NewUserRepository(tx)
		user, err := users.GetByID(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return &NotFoundError{Entity: "user", ID: userID}
		}

		var username, email string
		if in.Username != user.Username {
			username = in.Username
		}
		if in.Email != user.Email {
			email = in.Email
		}
		if err := checkAvailable(ctx, users, username, email); err != nil {
			return err
		}

		user.Username = in.Username
		user.Email = in.Email
		user.FirstName = in.FirstName
		user.LastName = in.LastName
		if err := users.Update(ctx, user); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return &NotFoundError{Entity: "user", ID: userID}
			}
			return conflictFromDuplicate(err)
		}
		if change.passwordHash != "" {
			if err := users.UpdatePassword(ctx, user.ID, change.passwordHash); err != nil {
				return err
			}
			user.PasswordHash = change.passwordHash
		}
		if change.imageFile != "" {
			if err := users.UpdateProfileImage(ctx, user.ID, change.imageFile); err != nil {
				return err
			}
			user.ImageFile = change.imageFile
		}
		updated = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
}

type checkedImage struct {
	data        []byte
	contentType string
	ext         string
}

// checkImage reads an upload and accepts only JPEG or PNG within the size
// limit. The file type is decided by content, the filename only by its
// extension.
func (s *UserService) checkImage(filename string, r io.Reader) (*checkedImage, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png":
	default:
		return nil, validation.ValidationError{Field: "picture", Reason: "only jpg and png images are allowed"}
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > s.maxImageSize {
		return nil, validation.ValidationError{Field: "picture", Reason: fmt.Sprintf("image must be at most %d KB", s.maxImageSize/1024)}
	}

	contentType := http.DetectContentType(data)
	ext, ok := imageExtensions[contentType]
	if !ok {
		return nil, validation.ValidationError{Field: "picture", Reason: "only jpg and png images are allowed"}
	}
	return &checkedImage{data: data, contentType: contentType, ext: ext}, nil
}

func (s *UserService) storeImage(ctx context.Context, img *checkedImage) (string, error) {
	if s.images == nil {
		return "", errors.New("no image store configured")
	}
	key := uuid.New().String() + img.ext
	if err := s.images.Save(ctx, key, img.contentType, bytes.NewReader(img.data)); err != nil {
		return "", err
	}
	return key, nil
}

// SetProfileImage stores an uploaded JPEG or PNG and points the user at it.
func (s *UserService) SetProfileImage(ctx context.Context, userID int64, filename string, r io.Reader) (*models.User, error) {
	img, err := s.checkImage(filename, r)
	if err != nil {
		return nil, err
	}

	user, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	key, err := s.storeImage(ctx, img)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdateProfileImage(ctx, userID, key); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Entity: "user", ID: userID}
		}
		return nil, err
	}
	user.ImageFile = key
	return user, nil
}

// ImageURL returns where the user's profile picture is served.
func (s *UserService) ImageURL(user *models.User) string {
	if user == nil || user.ImageFile == "" || user.ImageFile == models.DefaultImageFile || s.images == nil {
		return DefaultImageURL
	}
	return s.images.URL(user.ImageFile)
}
