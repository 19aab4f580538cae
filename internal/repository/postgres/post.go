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

var _ repository.PostRepository = (*DB)(nil)

const postColumns = `id, author_id, author_email, author_display_name, author_photo_ref, title, body, created_at`

// Create inserts a post and reads back the server-assigned created_at.
func (db *DB) Create(ctx context.Context, post *model.Post) error {
	id := xid.New().String()

	var createdAt time.Time
	err := db.pool.QueryRow(ctx,
		`INSERT INTO posts (id, author_id, author_email, author_display_name, author_photo_ref, title, body)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		id, post.AuthorID, post.AuthorEmail, post.AuthorDisplayName,
		post.AuthorPhotoRef, post.Title, post.Body,
	).Scan(&createdAt)
	if err != nil {
		return fmt.Errorf("postgres: creating post: %w", err)
	}

	createdAt = createdAt.UTC()
	post.ID = id
	post.CreatedAt = &createdAt
	db.announce(ctx, id)
	return nil
}

func (db *DB) GetByID(ctx context.Context, id string) (*model.Post, error) {
	p, err := scanPost(db.pool.QueryRow(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("post", id)
		}
		return nil, fmt.Errorf("postgres: getting post %s: %w", id, err)
	}
	return &p, nil
}

func (db *DB) Delete(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: deleting post %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("post", id)
	}
	db.announce(ctx, id)
	return nil
}

func (db *DB) Latest(ctx context.Context, limit int) ([]model.Post, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+postColumns+` FROM posts
		 ORDER BY created_at DESC, id ASC
		 LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing latest posts: %w", err)
	}
	return collectPosts(rows)
}

// PageAfter uses a row-value style predicate split in two because the
// order is mixed (time descending, id ascending).
func (db *DB) PageAfter(ctx context.Context, cursor model.Cursor, limit int) ([]model.Post, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE created_at < $1 OR (created_at = $1 AND id > $2)
		 ORDER BY created_at DESC, id ASC
		 LIMIT $3`,
		cursor.CreatedAt, cursor.ID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: paging posts after %s: %w", cursor.ID, err)
	}
	return collectPosts(rows)
}

func (db *DB) ListByAuthor(ctx context.Context, authorID string, opts repository.ListOptions) ([]model.Post, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE author_id = $1
		 ORDER BY created_at DESC, id ASC
		 LIMIT $2 OFFSET $3`,
		authorID, clampLimit(opts.Limit), max(opts.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing posts by %s: %w", authorID, err)
	}
	return collectPosts(rows)
}

func scanPost(row pgx.Row) (model.Post, error) {
	var (
		p         model.Post
		createdAt time.Time
	)
	if err := row.Scan(
		&p.ID, &p.AuthorID, &p.AuthorEmail, &p.AuthorDisplayName,
		&p.AuthorPhotoRef, &p.Title, &p.Body, &createdAt,
	); err != nil {
		return model.Post{}, err
	}
	createdAt = createdAt.UTC()
	p.CreatedAt = &createdAt
	return p, nil
}

func collectPosts(rows pgx.Rows) ([]model.Post, error) {
	posts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Post, error) {
		return scanPost(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scanning posts: %w", err)
	}
	return posts, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
