package client_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/authstate"
	"github.com/sakif/feedsync/internal/client"
	"github.com/sakif/feedsync/internal/feed"
	"github.com/sakif/feedsync/internal/handler"
	"github.com/sakif/feedsync/internal/model"
	"github.com/sakif/feedsync/internal/server"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newServer runs a real server on in-memory SQLite.
func newServer(t *testing.T, tweaks ...func(*server.Config)) *httptest.Server {
	t.Helper()
	cfg := server.Config{
		DBPath:        ":memory:",
		SessionSecret: "session-secret-for-tests",
		IDPSecret:     "idp-secret-for-tests-only",
		PasswordCost:  4,
		Live:          handler.LiveConfig{RecheckEvery: 50 * time.Millisecond},
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	srv, err := server.New(context.Background(), cfg, discard())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return ts
}

func newClient(t *testing.T, ts *httptest.Server) *client.Client {
	t.Helper()
	c, err := client.New(ts.URL, discard())
	require.NoError(t, err)
	return c
}

// fixed is an IdentityReader that never changes.
type fixed struct{ id *model.Identity }

func (f fixed) Current() *model.Identity { return f.id }

func TestNew_RejectsNonHTTPURL(t *testing.T) {
	_, err := client.New("ftp://example.com", discard())
	assert.Error(t, err)
}

func TestSessionBridge_ExchangeAndTeardown(t *testing.T) {
	ts := newServer(t)
	c := newClient(t, ts)
	ctx := context.Background()

	id, err := c.SignUp(ctx, "alice@example.com", "hunter22", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", id.Email)
	assert.Equal(t, "Alice", id.DisplayName)

	_, err = c.Me(ctx)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated, "no session before the exchange")

	require.NoError(t, c.Bridge().Exchange(ctx, id))

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, id.UID, me.UID)
	assert.NotEmpty(t, me.SessionID)

	require.NoError(t, c.Bridge().Teardown(ctx))
	_, err = c.Me(ctx)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)

	assert.NoError(t, c.Bridge().Teardown(ctx), "teardown without a session still succeeds")
}

func TestSessionBridge_ExchangeRejectsBadToken(t *testing.T) {
	ts := newServer(t)
	c := newClient(t, ts)

	bogus := &model.Identity{
		UID:    "nobody",
		Tokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "not-a-jwt"}),
	}
	err := c.Bridge().Exchange(context.Background(), bogus)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)

	err = c.Bridge().Exchange(context.Background(), nil)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestIdentity_TokensOutliveIDTokenExpiry(t *testing.T) {
	ts := newServer(t, func(cfg *server.Config) { cfg.IDTokenTTL = 2 * time.Second })
	ctx := context.Background()

	t.Run("with a session the token source keeps refreshing", func(t *testing.T) {
		c := newClient(t, ts)
		id, err := c.SignUp(ctx, "alice@example.com", "hunter22", "Alice")
		require.NoError(t, err)
		require.NoError(t, c.Bridge().Exchange(ctx, id))

		time.Sleep(2500 * time.Millisecond)

		tok, err := id.Tokens.Token()
		require.NoError(t, err)
		assert.True(t, tok.Expiry.After(time.Now()))

		_, err = c.Posts(fixed{id}).Create(ctx, "still here", "after the ID token expired")
		assert.NoError(t, err)
	})

	t.Run("without a session the expired token is final", func(t *testing.T) {
		c := newClient(t, ts)
		id, err := c.SignUp(ctx, "bob@example.com", "hunter22", "Bob")
		require.NoError(t, err)

		time.Sleep(2500 * time.Millisecond)

		_, err = id.Tokens.Token()
		assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
	})
}

func TestSignIn(t *testing.T) {
	ts := newServer(t)
	c := newClient(t, ts)
	ctx := context.Background()

	_, err := c.SignUp(ctx, "bob@example.com", "correct-horse", "")
	require.NoError(t, err)

	t.Run("right password", func(t *testing.T) {
		id, err := c.SignIn(ctx, "BOB@example.com", "correct-horse")
		require.NoError(t, err)
		assert.Equal(t, "bob@example.com", id.Email)

		tok, err := id.Tokens.Token()
		require.NoError(t, err)
		assert.NotEmpty(t, tok.AccessToken)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := c.SignIn(ctx, "bob@example.com", "nope-nope")
		assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
		assert.Equal(t, "invalid-credential", client.SignInCode(err))
	})

	t.Run("weak password on sign-up", func(t *testing.T) {
		_, err := c.SignUp(ctx, "carol@example.com", "123", "")
		assert.ErrorIs(t, err, apperror.ErrValidation)
		assert.Equal(t, "weak-password", client.SignInCode(err))
	})

	t.Run("email in use", func(t *testing.T) {
		_, err := c.SignUp(ctx, "bob@example.com", "another-one", "")
		assert.ErrorIs(t, err, apperror.ErrConflict)
		assert.Equal(t, "email-already-in-use", client.SignInCode(err))
	})
}

func TestPosts_CreateValidatesAndRemoves(t *testing.T) {
	ts := newServer(t)
	c := newClient(t, ts)
	ctx := context.Background()

	id, err := c.SignUp(ctx, "dana@example.com", "password1", "Dana")
	require.NoError(t, err)
	posts := c.Posts(fixed{id})

	_, err = posts.Create(ctx, "  ", "body")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	p, err := posts.Create(ctx, "hello", "world")
	require.NoError(t, err)
	assert.Equal(t, id.UID, p.AuthorID)
	assert.Equal(t, "Dana", p.AuthorDisplayName)
	assert.True(t, p.Committed())

	mine, err := posts.ByAuthor(ctx, id.UID, 10, 0)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	require.NoError(t, posts.Remove(ctx, p.ID))
	err = posts.Remove(ctx, p.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = c.Posts(fixed{nil}).Create(ctx, "t", "b")
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestPosts_CannotDeleteSomeoneElses(t *testing.T) {
	ts := newServer(t)
	c := newClient(t, ts)
	ctx := context.Background()

	alice, err := c.SignUp(ctx, "alice@example.com", "password1", "")
	require.NoError(t, err)
	bob, err := c.SignUp(ctx, "bob@example.com", "password2", "")
	require.NoError(t, err)

	p, err := c.Posts(fixed{alice}).Create(ctx, "mine", "all mine")
	require.NoError(t, err)

	err = c.Posts(fixed{bob}).Remove(ctx, p.ID)
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

// waitFor blocks until cond holds for the engine's window.
func waitFor(t *testing.T, e *feed.Engine, cond func(feed.Window) bool) feed.Window {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		changed := e.Changed()
		w := e.Snapshot()
		if cond(w) {
			return w
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatalf("timed out; last window: state=%s ids=%v err=%v", w.State, w.IDs(), w.Err)
		}
	}
}

func TestEngine_OverRemoteSource(t *testing.T) {
	ts := newServer(t)
	c := newClient(t, ts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := c.SignUp(ctx, "erin@example.com", "password1", "Erin")
	require.NoError(t, err)

	state := authstate.New(c.Bridge(), discard())
	defer state.Close()
	posts := c.Posts(state)

	engine := feed.NewEngine(c.Source(state, client.WithReconnectDelay(20*time.Millisecond)), discard(), feed.WithPageSize(3))
	go engine.Follow(ctx, state.Observe(ctx))

	state.Set(id)

	for i := 1; i <= 5; i++ {
		_, err := posts.Create(ctx, fmt.Sprintf("post %d", i), "body")
		require.NoError(t, err)
	}

	// Earlier heads may have already carried posts that have since slid
	// out of the window; those stay.
	w := waitFor(t, engine, func(w feed.Window) bool {
		return len(w.Posts) >= 3 && w.Posts[0].Title == "post 5"
	})
	assert.Equal(t, feed.Live, w.State)

	require.NoError(t, engine.LoadMore(ctx))
	w = engine.Snapshot()
	require.Len(t, w.Posts, 5)
	assert.Equal(t, "post 1", w.Posts[4].Title)
	assert.False(t, w.HasMore, "a short page ends the tail")
	assert.Equal(t, feed.Exhausted, w.State)

	_, err = posts.Create(ctx, "post 6", "body")
	require.NoError(t, err)
	w = waitFor(t, engine, func(w feed.Window) bool {
		return len(w.Posts) > 0 && w.Posts[0].Title == "post 6"
	})
	assert.Len(t, w.Posts, 6, "new head post merges in without duplicates")

	state.Set(nil)
	w = waitFor(t, engine, func(w feed.Window) bool { return w.State == feed.Idle })
	assert.Empty(t, w.Posts)
}

func TestSource_SubscribeWithoutIdentity(t *testing.T) {
	ts := newServer(t)
	c := newClient(t, ts)

	_, err := c.Source(fixed{nil}).SubscribeHead(context.Background(), 10)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)

	bogus := &model.Identity{
		UID:    "nobody",
		Tokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "not-a-jwt"}),
	}
	_, err = c.Source(fixed{bogus}).SubscribeHead(context.Background(), 10)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated, "401 on the upgrade request")
}

func TestSource_PageAfterSurvivesDeletedCursor(t *testing.T) {
	ts := newServer(t)
	c := newClient(t, ts)
	ctx := context.Background()

	id, err := c.SignUp(ctx, "finn@example.com", "password1", "")
	require.NoError(t, err)
	posts := c.Posts(fixed{id})

	var created []*model.Post
	for i := 0; i < 3; i++ {
		p, err := posts.Create(ctx, fmt.Sprintf("t%d", i), "b")
		require.NoError(t, err)
		created = append(created, p)
	}

	// Cursor at the middle post, which then disappears.
	cursor, ok := model.CursorOf(*created[1])
	require.True(t, ok)
	require.NoError(t, posts.Remove(ctx, created[1].ID))

	page, err := c.Source(fixed{id}).PageAfter(ctx, cursor, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, created[0].ID, page[0].ID)
}
