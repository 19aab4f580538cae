// Package repository declares the storage ports. The sqlite and postgres
// subpackages implement them; services depend only on these interfaces.
package repository

import (
	"context"
	"time"

	"github.com/sakif/feedsync/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// PostRepository stores posts and answers the two feed queries: the newest
// posts, and the page strictly after a cursor. Both return posts ordered by
// model.ComparePosts.
type PostRepository interface {
	// Create assigns the post's ID and CreatedAt and persists it.
	Create(ctx context.Context, post *model.Post) error
	GetByID(ctx context.Context, id string) (*model.Post, error)
	Delete(ctx context.Context, id string) error
	Latest(ctx context.Context, limit int) ([]model.Post, error)
	PageAfter(ctx context.Context, cursor model.Cursor, limit int) ([]model.Post, error)
	ListByAuthor(ctx context.Context, authorID string, opts ListOptions) ([]model.Post, error)
}

// SessionRepository persists minted sessions so every verification can
// consult the revocation state.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	RevokeSession(ctx context.Context, id string, at time.Time) error
	RevokeUserSessions(ctx context.Context, uid string, at time.Time) error
}

// UserRepository backs the identity provider.
type UserRepository interface {
	// CreateUser inserts a password account. Returns apperror.ErrConflict
	// when the email is taken.
	CreateUser(ctx context.Context, user *model.User) error
	// UpsertGitHubUser inserts or refreshes an account keyed by GitHubID.
	UpsertGitHubUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// Store is everything the server needs from one backend.
type Store interface {
	PostRepository
	SessionRepository
	UserRepository
	Close() error
}
