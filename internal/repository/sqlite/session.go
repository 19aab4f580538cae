package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/model"
	"github.com/sakif/feedsync/internal/repository"
)

var _ repository.SessionRepository = (*DB)(nil)

// CreateSession persists a freshly minted session. An empty ID is filled in.
func (db *DB) CreateSession(ctx context.Context, s *model.Session) error {
	if s.ID == "" {
		s.ID = xid.New().String()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, uid, issued_at, expires_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.UID, toNanos(s.IssuedAt), toNanos(s.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating session for %s: %w", s.UID, err)
	}
	return nil
}

// GetSession loads a session including its revocation state.
func (db *DB) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var (
		s               model.Session
		issued, expires int64
		revokedAt       sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, uid, issued_at, expires_at, revoked_at FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.UID, &issued, &expires, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("session", id)
		}
		return nil, fmt.Errorf("sqlite: getting session %s: %w", id, err)
	}

	s.IssuedAt = fromNanos(issued)
	s.ExpiresAt = fromNanos(expires)
	s.Revoked = revokedAt.Valid
	return &s, nil
}

// RevokeSession marks one session revoked. Revoking twice keeps the first
// timestamp and is not an error.
func (db *DB) RevokeSession(ctx context.Context, id string, at time.Time) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`,
		toNanos(at), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: revoking session %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("session", id)
	}
	return nil
}

// RevokeUserSessions revokes every live session of a user.
func (db *DB) RevokeUserSessions(ctx context.Context, uid string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ? WHERE uid = ? AND revoked_at IS NULL`,
		toNanos(at), uid,
	)
	if err != nil {
		return fmt.Errorf("sqlite: revoking sessions of %s: %w", uid, err)
	}
	return nil
}
