package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/xid"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/model"
	"github.com/sakif/feedsync/internal/repository"
)

var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, email, display_name, photo_url, github_id, password_hash, created_at, updated_at`

func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	user.ID = xid.New().String()
	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, display_name, photo_url, github_id, password_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		user.ID, user.Email, user.DisplayName, user.PhotoURL,
		nullGitHubID(user.GitHubID), user.PasswordHash,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Email)
		}
		return fmt.Errorf("postgres: inserting user %s: %w", user.Email, err)
	}
	return nil
}

// UpsertGitHubUser relies on ON CONFLICT so concurrent first logins of the
// same GitHub account converge on one row.
func (db *DB) UpsertGitHubUser(ctx context.Context, user *model.User) error {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, display_name, photo_url, github_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (github_id) DO UPDATE
		   SET email = EXCLUDED.email,
		       display_name = EXCLUDED.display_name,
		       photo_url = EXCLUDED.photo_url,
		       updated_at = now()
		 RETURNING id, created_at, updated_at`,
		xid.New().String(), user.Email, user.DisplayName, user.PhotoURL, user.GitHubID,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upserting user (githubID=%d): %w", user.GitHubID, err)
	}
	return nil
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("postgres: getting user %s: %w", id, err)
	}
	return u, nil
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 AND email <> ''`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("user", email)
		}
		return nil, fmt.Errorf("postgres: getting user by email: %w", err)
	}
	return u, nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u        model.User
		githubID *int64
	)
	if err := row.Scan(
		&u.ID, &u.Email, &u.DisplayName, &u.PhotoURL,
		&githubID, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if githubID != nil {
		u.GitHubID = *githubID
	}
	return &u, nil
}

func nullGitHubID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
