package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/model"
	"github.com/sakif/feedsync/internal/repository"
)

// COMPILE-TIME INTERFACE CHECK:
// If *DB stops satisfying PostRepository, the build fails here instead of
// at some distant call site.
var _ repository.PostRepository = (*DB)(nil)

const postColumns = `id, author_id, author_email, author_display_name, author_photo_ref, title, body, created_at`

// Create inserts a new post. The store owns identity and time: ID comes
// from xid and CreatedAt from the monotonic clock, and both are written
// back into the caller's struct.
func (db *DB) Create(ctx context.Context, post *model.Post) error {
	id := xid.New().String()
	createdAt := db.nextTimestamp()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO posts (`+postColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		post.AuthorID,
		post.AuthorEmail,
		post.AuthorDisplayName,
		post.AuthorPhotoRef,
		post.Title,
		post.Body,
		toNanos(createdAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating post: %w", err)
	}

	post.ID = id
	post.CreatedAt = &createdAt
	return nil
}

// GetByID retrieves a single post by its ID.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Post, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = ?`, id)

	p, err := scanPost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("post", id)
		}
		return nil, fmt.Errorf("sqlite: getting post %s: %w", id, err)
	}
	return &p, nil
}

// Delete removes a post by its ID. RowsAffected == 0 means it didn't exist.
func (db *DB) Delete(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting post %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("post", id)
	}
	return nil
}

// Latest returns the newest limit posts: the live head query.
func (db *DB) Latest(ctx context.Context, limit int) ([]model.Post, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 ORDER BY created_at DESC, id ASC
		 LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing latest posts: %w", err)
	}
	return collectPosts(rows, limit)
}

// PageAfter returns up to limit posts that sort strictly after the cursor.
//
// CURSOR PAGINATION:
// Instead of OFFSET (which shifts when new posts arrive at the top), we ask
// for rows "older than the cursor, or equally old with a larger id". That is
// exactly the tail of the (created_at DESC, id ASC) order, so a page never
// repeats or skips a row because of concurrent inserts above it.
func (db *DB) PageAfter(ctx context.Context, cursor model.Cursor, limit int) ([]model.Post, error) {
	ts := toNanos(cursor.CreatedAt)
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE created_at < ? OR (created_at = ? AND id > ?)
		 ORDER BY created_at DESC, id ASC
		 LIMIT ?`,
		ts, ts, cursor.ID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: paging posts after %s: %w", cursor.ID, err)
	}
	return collectPosts(rows, limit)
}

// ListByAuthor lists one author's posts, newest first.
func (db *DB) ListByAuthor(ctx context.Context, authorID string, opts repository.ListOptions) ([]model.Post, error) {
	limit := clampLimit(opts.Limit)
	offset := max(opts.Offset, 0)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE author_id = ?
		 ORDER BY created_at DESC, id ASC
		 LIMIT ? OFFSET ?`,
		authorID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing posts by %s: %w", authorID, err)
	}
	return collectPosts(rows, limit)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (model.Post, error) {
	var (
		p  model.Post
		ts int64
	)
	if err := row.Scan(
		&p.ID, &p.AuthorID, &p.AuthorEmail, &p.AuthorDisplayName,
		&p.AuthorPhotoRef, &p.Title, &p.Body, &ts,
	); err != nil {
		return model.Post{}, err
	}
	createdAt := fromNanos(ts)
	p.CreatedAt = &createdAt
	return p, nil
}

func collectPosts(rows *sql.Rows, capacity int) ([]model.Post, error) {
	defer rows.Close()

	posts := make([]model.Post, 0, clampLimit(capacity))
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning post row: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating posts: %w", err)
	}
	return posts, nil
}

// clampLimit applies the default page size and an upper bound.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
