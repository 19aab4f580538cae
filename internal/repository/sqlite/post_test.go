package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/model"
	"github.com/sakif/feedsync/internal/repository"
)

// newTestDB opens a fresh in-memory database for one test.
// t.Helper() makes failures point at the caller's line.
func newTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := New(":memory:", opts...)
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestPost(t *testing.T, db *DB, title string) *model.Post {
	t.Helper()
	p := &model.Post{AuthorID: "author-1", AuthorEmail: "a@example.com", Title: title, Body: "body of " + title}
	if err := db.Create(context.Background(), p); err != nil {
		t.Fatalf("failed to create test post: %v", err)
	}
	return p
}

func ids(posts []model.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}

// =========================================================================
// CREATE TESTS
// =========================================================================

func TestCreate_AssignsIDAndTimestamp(t *testing.T) {
	db := newTestDB(t)

	p := createTestPost(t, db, "hello")

	assert.NotEmpty(t, p.ID)
	require.NotNil(t, p.CreatedAt)

	got, err := db.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, p.Equal(*got), "stored post should round-trip exactly")
}

func TestCreate_TimestampsStrictlyIncrease(t *testing.T) {
	// A frozen clock would hand every post the same time without the
	// monotonic guard.
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db := newTestDB(t, WithClock(func() time.Time { return frozen }))

	a := createTestPost(t, db, "a")
	b := createTestPost(t, db, "b")
	c := createTestPost(t, db, "c")

	assert.True(t, b.CreatedAt.After(*a.CreatedAt))
	assert.True(t, c.CreatedAt.After(*b.CreatedAt))
}

// =========================================================================
// FEED QUERY TESTS
// =========================================================================

func TestLatest_NewestFirst(t *testing.T) {
	db := newTestDB(t)

	var created []*model.Post
	for _, title := range []string{"1", "2", "3", "4"} {
		created = append(created, createTestPost(t, db, title))
	}

	latest, err := db.Latest(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{created[3].ID, created[2].ID, created[1].ID}, ids(latest))
}

func TestPageAfter_WalksTheWholeFeedWithoutGaps(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		createTestPost(t, db, "p")
	}

	head, err := db.Latest(ctx, 10)
	require.NoError(t, err)

	all := append([]model.Post{}, head...)
	cursor, _ := model.CursorOf(head[len(head)-1])
	for {
		page, err := db.PageAfter(ctx, cursor, 10)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		cursor, _ = model.CursorOf(page[len(page)-1])
	}

	require.Len(t, all, 25)
	seen := map[string]bool{}
	for i, p := range all {
		assert.False(t, seen[p.ID], "duplicate id %s", p.ID)
		seen[p.ID] = true
		if i > 0 {
			assert.Negative(t, model.ComparePosts(all[i-1], p), "order broken at %d", i)
		}
	}
}

func TestPageAfter_EqualTimestampsBreakTiesByID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Insert rows with identical timestamps directly; the monotonic clock
	// would never produce them, but another writer could.
	ts := toNanos(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))
	for _, id := range []string{"c", "a", "b"} {
		_, err := db.conn.Exec(
			`INSERT INTO posts (`+postColumns+`) VALUES (?, 'u', '', '', '', 't', 'b', ?)`, id, ts)
		require.NoError(t, err)
	}

	latest, err := db.Latest(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(latest))

	page, err := db.PageAfter(ctx, model.Cursor{ID: "a", CreatedAt: fromNanos(ts)}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(page), "boundary item must not repeat")
}

func TestListByAuthor(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mine := createTestPost(t, db, "mine")
	other := &model.Post{AuthorID: "someone-else", Title: "x", Body: "y"}
	require.NoError(t, db.Create(ctx, other))

	posts, err := db.ListByAuthor(ctx, "author-1", repository.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{mine.ID}, ids(posts))
}

// =========================================================================
// DELETE TESTS
// =========================================================================

func TestDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	p := createTestPost(t, db, "doomed")
	require.NoError(t, db.Delete(ctx, p.ID))

	_, err := db.GetByID(ctx, p.ID)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestDelete_NotFound(t *testing.T) {
	db := newTestDB(t)

	err := db.Delete(context.Background(), "nope")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}
