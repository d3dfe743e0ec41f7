package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"yahtzee/internal/database"
	"yahtzee/internal/models"
)

const userColumns = `user_id, username, email, first_name, last_name, password_hash, image_file, created_at, last_modified`

// UserRepository handles database operations for users
type UserRepository struct {
	db database.DBTX
}

// NewUserRepository creates a new user repository
func NewUserRepository(db database.DBTX) *UserRepository {
	return &UserRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.FirstName,
		&user.LastName,
		&user.PasswordHash,
		&user.ImageFile,
		&user.CreatedAt,
		&user.LastModified,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Create inserts a new user and fills in its ID and timestamps.
// A username or email collision yields *DuplicateError.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	ts := now()
	if user.ImageFile == "" {
		user.ImageFile = models.DefaultImageFile
	}

	query := `
		INSERT INTO "user" (username, email, first_name, last_name, password_hash, image_file, created_at, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	id, err := r.db.ExecReturningID(ctx, "user_id", query,
		user.Username, user.Email, user.FirstName, user.LastName,
		user.PasswordHash, user.ImageFile, ts, ts)
	if err != nil {
		if dup := asDuplicate(r.db.GetDialect(), err, "username", "email"); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.ID = id
	user.CreatedAt = ts
	user.LastModified = ts
	return nil
}

func (r *UserRepository) getBy(ctx context.Context, column string, value any) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM "user" WHERE ` + column + ` = ?`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return r.getBy(ctx, "user_id", id)
}

// GetByEmail retrieves a user by email address
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getBy(ctx, "email", email)
}

// GetByUsername retrieves a user by username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getBy(ctx, "username", username)
}

// List returns every user ordered by last name.
func (r *UserRepository) List(ctx context.Context) ([]models.User, error) {
	query := `SELECT ` + userColumns + ` FROM "user" ORDER BY last_name, first_name, user_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}

	return users, nil
}

func (r *UserRepository) execUpdate(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if dup := asDuplicate(r.db.GetDialect(), err, "username", "email"); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Update writes the profile fields of user and bumps last_modified.
func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	ts := now()
	query := `
		UPDATE "user"
		SET username = ?, email = ?, first_name = ?, last_name = ?, last_modified = ?
		WHERE user_id = ?
	`
	if err := r.execUpdate(ctx, query,
		user.Username, user.Email, user.FirstName, user.LastName, ts, user.ID); err != nil {
		return err
	}
	user.LastModified = ts
	return nil
}

// UpdatePassword stores a new password hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	query := `UPDATE "user" SET password_hash = ?, last_modified = ? WHERE user_id = ?`
	return r.execUpdate(ctx, query, passwordHash, now(), id)
}

// UpdateProfileImage records the stored key of a new profile picture.
func (r *UserRepository) UpdateProfileImage(ctx context.Context, id int64, imageFile string) error {
	query := `UPDATE "user" SET image_file = ?, last_modified = ? WHERE user_id = ?`
	return r.execUpdate(ctx, query, imageFile, now(), id)
}

// Delete removes a user; sessions and scoresheets cascade.
func (r *UserRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM "user" WHERE user_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
