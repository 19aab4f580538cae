// Package model defines the data structures shared by the server, the feed
// engine and the client.
package model

import (
	"strings"
	"time"
)

// Post is a single entry in the global timeline.
//
// The ID and CreatedAt are assigned by the store when the post is committed
// and never change afterwards. CreatedAt is nil until that happens, which is
// why it is a pointer rather than a time.Time: a zero time would be a real
// (very old) timestamp and would sort to the bottom of the feed.
//
// The `json:"..."` tags tell Go's encoding/json package how to serialize/deserialize
// this struct to/from JSON.
type Post struct {
	ID                string     `json:"id"`
	AuthorID          string     `json:"authorId"`
	AuthorEmail       string     `json:"authorEmail"`
	AuthorDisplayName string     `json:"authorDisplayName,omitempty"`
	AuthorPhotoRef    string     `json:"authorPhotoRef,omitempty"`
	Title             string     `json:"title"`
	Body              string     `json:"body"`
	CreatedAt         *time.Time `json:"createdAt"`
}

// Committed reports whether the store has assigned the post's timestamp.
func (p Post) Committed() bool {
	return p.CreatedAt != nil
}

// Equal reports whether two posts carry the same identity and content.
// Timestamps are compared with time.Time.Equal so monotonic clock readings
// and locations don't cause false mismatches.
func (p Post) Equal(q Post) bool {
	if p.ID != q.ID ||
		p.AuthorID != q.AuthorID ||
		p.AuthorEmail != q.AuthorEmail ||
		p.AuthorDisplayName != q.AuthorDisplayName ||
		p.AuthorPhotoRef != q.AuthorPhotoRef ||
		p.Title != q.Title ||
		p.Body != q.Body {
		return false
	}
	switch {
	case p.CreatedAt == nil && q.CreatedAt == nil:
		return true
	case p.CreatedAt == nil || q.CreatedAt == nil:
		return false
	default:
		return p.CreatedAt.Equal(*q.CreatedAt)
	}
}

// ComparePosts defines the feed's total order: newest first, ties broken by
// id ascending. It returns a negative number when a sorts before b.
//
// Uncommitted posts (nil CreatedAt) sort ahead of every committed post, the
// same way a pending server timestamp is estimated as "now".
//
// The signature matches slices.SortFunc so callers can do:
//
//	slices.SortFunc(posts, model.ComparePosts)
func ComparePosts(a, b Post) int {
	switch {
	case a.CreatedAt == nil && b.CreatedAt != nil:
		return -1
	case a.CreatedAt != nil && b.CreatedAt == nil:
		return 1
	case a.CreatedAt != nil && b.CreatedAt != nil:
		// Descending by time: the later timestamp comes first.
		if c := b.CreatedAt.Compare(*a.CreatedAt); c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID, b.ID)
}

// Cursor identifies the last post a page query has seen. A page "after" a
// cursor contains only posts that sort strictly after it under ComparePosts.
type Cursor struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// CursorOf returns the cursor pointing at p. ok is false for an uncommitted
// post, which can't anchor a query.
func CursorOf(p Post) (Cursor, bool) {
	if p.CreatedAt == nil {
		return Cursor{}, false
	}
	return Cursor{ID: p.ID, CreatedAt: *p.CreatedAt}, true
}

// After reports whether p sorts strictly after the cursor position.
func (c Cursor) After(p Post) bool {
	at := c.CreatedAt
	return ComparePosts(Post{ID: c.ID, CreatedAt: &at}, p) < 0
}
