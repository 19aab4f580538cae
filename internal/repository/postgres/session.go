package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/xid"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/model"
	"github.com/sakif/feedsync/internal/repository"
)

var _ repository.SessionRepository = (*DB)(nil)

func (db *DB) CreateSession(ctx context.Context, s *model.Session) error {
	if s.ID == "" {
		s.ID = xid.New().String()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sessions (id, uid, issued_at, expires_at) VALUES ($1, $2, $3, $4)`,
		s.ID, s.UID, s.IssuedAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: creating session for %s: %w", s.UID, err)
	}
	return nil
}

func (db *DB) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var (
		s         model.Session
		revokedAt *time.Time
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, uid, issued_at, expires_at, revoked_at FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.UID, &s.IssuedAt, &s.ExpiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("session", id)
		}
		return nil, fmt.Errorf("postgres: getting session %s: %w", id, err)
	}
	s.IssuedAt = s.IssuedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.Revoked = revokedAt != nil
	return &s, nil
}

func (db *DB) RevokeSession(ctx context.Context, id string, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = COALESCE(revoked_at, $1) WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("postgres: revoking session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("session", id)
	}
	return nil
}

func (db *DB) RevokeUserSessions(ctx context.Context, uid string, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = $1 WHERE uid = $2 AND revoked_at IS NULL`, at, uid)
	if err != nil {
		return fmt.Errorf("postgres: revoking sessions of %s: %w", uid, err)
	}
	return nil
}
