package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/authstate"
	"github.com/sakif/feedsync/internal/model"
)

// =============================================================================
// HELPERS
// =============================================================================

var alice = &model.Identity{UID: "alice", Email: "alice@example.com"}
var bob = &model.Identity{UID: "bob", Email: "bob@example.com"}

// waitFor blocks until the engine's window satisfies cond.
func waitFor(t *testing.T, e *Engine, cond func(Window) bool) Window {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		changed := e.Changed()
		w := e.Snapshot()
		if cond(w) {
			return w
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatalf("timed out; last window: state=%s ids=%v", w.State, w.IDs())
		}
	}
}

func hasIDs(ids []string) func(Window) bool {
	return func(w Window) bool { return assert.ObjectsAreEqual(ids, w.IDs()) }
}

// liveEngine signs alice in and delivers head as the first push.
func liveEngine(t *testing.T, src *fakeSource, head []model.Post) *Engine {
	t.Helper()
	e := NewEngine(src, discardLogger())
	t.Cleanup(e.Close)

	require.NoError(t, e.OnIdentity(context.Background(), alice))
	require.True(t, src.lastSub().push(head))
	waitFor(t, e, hasIDs(idsOf(head)))
	return e
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestEngine_StartsIdle(t *testing.T) {
	e := NewEngine(newFakeSource(nil), discardLogger())

	w := e.Snapshot()
	assert.Equal(t, Idle, w.State)
	assert.Empty(t, w.Posts)
	assert.True(t, w.HasMore)
	assert.Nil(t, w.Cursor)
}

func TestEngine_SubscribeThenLive(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := NewEngine(src, discardLogger())
	defer e.Close()

	require.NoError(t, e.OnIdentity(context.Background(), alice))
	assert.Equal(t, Subscribing, e.Snapshot().State)

	require.True(t, src.lastSub().push(span(20, 11)))
	w := waitFor(t, e, func(w Window) bool { return w.State == Live })

	assert.Equal(t, idsOf(span(20, 11)), w.IDs())
	assert.Equal(t, "p11", w.LiveBoundaryID)
	assert.Nil(t, w.Cursor)
}

func TestEngine_SignOutClearsEverything(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := liveEngine(t, src, span(20, 11))
	sub := src.lastSub()

	require.NoError(t, e.OnIdentity(context.Background(), nil))

	w := e.Snapshot()
	assert.Equal(t, Idle, w.State)
	assert.Empty(t, w.Posts)
	assert.True(t, w.HasMore)
	assert.True(t, sub.isClosed())
}

func TestEngine_SameIdentityKeepsSubscription(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := liveEngine(t, src, span(20, 11))

	refreshed := *alice
	require.NoError(t, e.OnIdentity(context.Background(), &refreshed))

	assert.Equal(t, 1, src.subCount())
	assert.Len(t, e.Snapshot().Posts, 10)
}

func TestEngine_IdentitySwitchResubscribes(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := liveEngine(t, src, span(20, 11))
	first := src.lastSub()
	gen := e.Snapshot().Generation

	require.NoError(t, e.OnIdentity(context.Background(), bob))

	assert.Equal(t, 2, src.subCount())
	assert.True(t, first.isClosed())
	w := e.Snapshot()
	assert.Equal(t, Subscribing, w.State)
	assert.Empty(t, w.Posts)
	assert.Greater(t, w.Generation, gen)
}

func TestEngine_SubscribeUnauthenticatedGoesIdle(t *testing.T) {
	src := newFakeSource(nil)
	src.subscribeErr = apperror.Unauthenticated("session revoked", nil)
	e := NewEngine(src, discardLogger())

	err := e.OnIdentity(context.Background(), alice)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrUnauthenticated))
	w := e.Snapshot()
	assert.Equal(t, Idle, w.State)
	assert.ErrorIs(t, w.Err, apperror.ErrUnauthenticated)
}

func TestEngine_SubscriptionRevokedMidStream(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := liveEngine(t, src, span(20, 11))

	src.lastSub().fail(apperror.Unauthenticated("session revoked", nil))

	w := waitFor(t, e, func(w Window) bool { return w.State == Idle })
	assert.Empty(t, w.Posts)
	assert.ErrorIs(t, w.Err, apperror.ErrUnauthenticated)
}

func TestEngine_FollowDrivesTransitions(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := NewEngine(src, discardLogger())
	ids := make(chan *model.Identity)
	done := make(chan struct{})

	go func() {
		e.Follow(context.Background(), ids)
		close(done)
	}()

	ids <- alice
	waitFor(t, e, func(w Window) bool { return w.State == Subscribing })
	ids <- nil
	waitFor(t, e, func(w Window) bool { return w.State == Idle })
	close(ids)

	<-done
	assert.Equal(t, 1, src.subCount())
	assert.True(t, src.lastSub().isClosed())
}

func TestEngine_SignOutWhileConnectingStaysIdle(t *testing.T) {
	src := newFakeSource(span(20, 1))
	src.subGate = make(chan struct{})
	src.subEntered = make(chan struct{}, 1)
	e := NewEngine(src, discardLogger())
	defer e.Close()

	done := make(chan error, 1)
	go func() { done <- e.OnIdentity(context.Background(), alice) }()

	<-src.subEntered
	require.NoError(t, e.OnIdentity(context.Background(), nil))
	close(src.subGate)
	require.NoError(t, <-done)

	require.Equal(t, 1, src.subCount())
	assert.True(t, src.lastSub().isClosed(), "a subscription opened for a signed-out engine is dropped")
	assert.Equal(t, Idle, e.Snapshot().State)
}

type nopBridge struct{}

func (nopBridge) Exchange(context.Context, *model.Identity) error { return nil }
func (nopBridge) Teardown(context.Context) error                  { return nil }

func TestEngine_FollowResetsOnSignOutBetweenSameIdentity(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := NewEngine(src, discardLogger())
	state := authstate.New(nopBridge{}, discardLogger())
	defer state.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// All three transitions happen before the engine reads any of them.
	ids := state.Observe(ctx)
	state.Set(alice)
	state.Set(nil)
	state.Set(&model.Identity{UID: "alice", Email: "alice@example.com"})

	go e.Follow(ctx, ids)

	require.Eventually(t, func() bool { return src.subCount() == 2 }, 2*time.Second, 5*time.Millisecond,
		"sign-out forces a fresh subscription for the second sign-in")
	first := func() *fakeSub {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.subs[0]
	}()
	assert.True(t, first.isClosed())
	waitFor(t, e, func(w Window) bool { return w.State == Subscribing })
}

// =============================================================================
// HEAD + TAIL TESTS
// =============================================================================

func TestEngine_LoadMoreWalksToTheEnd(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := liveEngine(t, src, span(20, 11))

	require.NoError(t, e.LoadMore(context.Background()))
	w := e.Snapshot()
	assert.Equal(t, idsOf(span(20, 1)), w.IDs())
	assert.True(t, w.HasMore)
	require.NotNil(t, w.Cursor)
	assert.Equal(t, "p01", w.Cursor.ID)

	calls := src.pageCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "p11", calls[0].cursor.ID, "first page starts after the head boundary")
	assert.Equal(t, PageSize, calls[0].limit)

	require.NoError(t, e.LoadMore(context.Background()))
	w = e.Snapshot()
	assert.Len(t, w.Posts, 20)
	assert.False(t, w.HasMore)
	assert.Equal(t, Exhausted, w.State)
	assert.Equal(t, "p01", w.Cursor.ID, "an empty page leaves the cursor alone")
}

func TestEngine_LoadMoreNoopWhenExhausted(t *testing.T) {
	src := newFakeSource(span(5, 1))
	e := liveEngine(t, src, span(5, 1))

	require.NoError(t, e.LoadMore(context.Background()))
	require.False(t, e.Snapshot().HasMore)
	calls := len(src.pageCalls())

	require.NoError(t, e.LoadMore(context.Background()))

	assert.Len(t, src.pageCalls(), calls)
	assert.Equal(t, idsOf(span(5, 1)), e.Snapshot().IDs())
}

func TestEngine_LoadMoreNoopBeforeFirstPush(t *testing.T) {
	src := newFakeSource(span(5, 1))
	e := NewEngine(src, discardLogger())
	defer e.Close()
	require.NoError(t, e.OnIdentity(context.Background(), alice))

	require.NoError(t, e.LoadMore(context.Background()))

	assert.Empty(t, src.pageCalls())
}

func TestEngine_LoadMoreNoopWhenIdle(t *testing.T) {
	src := newFakeSource(span(5, 1))
	e := NewEngine(src, discardLogger())

	require.NoError(t, e.LoadMore(context.Background()))

	assert.Empty(t, src.pageCalls())
}

func TestEngine_HeadAdvanceDuringPaging(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := liveEngine(t, src, span(20, 11))
	require.NoError(t, e.LoadMore(context.Background()))

	require.True(t, src.lastSub().push(span(21, 12)))

	w := waitFor(t, e, func(w Window) bool { return len(w.Posts) == 21 })
	assert.Equal(t, idsOf(span(21, 1)), w.IDs())
	assert.Equal(t, "p12", w.LiveBoundaryID)
	assertSortedUnique(t, w.Posts)
}

func TestEngine_PageOverlappingHeadHasNoDuplicates(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := liveEngine(t, src, span(20, 11))

	// A post newer than everything lands while the page is in flight; the
	// head pushes it and post 11 slides out, then the page (10..1) arrives.
	gate := make(chan struct{})
	src.setGate(gate)
	errc := make(chan error, 1)
	go func() { errc <- e.LoadMore(context.Background()) }()
	<-src.started

	require.True(t, src.lastSub().push(span(21, 12)))
	waitFor(t, e, func(w Window) bool { return w.LiveBoundaryID == "p12" })
	assert.Equal(t, LiveAndPaging, e.Snapshot().State)

	close(gate)
	require.NoError(t, <-errc)

	w := e.Snapshot()
	assert.Equal(t, idsOf(span(21, 1)), w.IDs())
	assertSortedUnique(t, w.Posts)
}

func TestEngine_SingleFlightPaging(t *testing.T) {
	src := newFakeSource(span(30, 1))
	e := liveEngine(t, src, span(30, 21))

	gate := make(chan struct{})
	src.setGate(gate)
	errc := make(chan error, 1)
	go func() { errc <- e.LoadMore(context.Background()) }()
	<-src.started

	require.NoError(t, e.LoadMore(context.Background()), "second call is a no-op")
	assert.Len(t, src.pageCalls(), 1)

	close(gate)
	require.NoError(t, <-errc)
	assert.Len(t, e.Snapshot().Posts, 20)
}

func TestEngine_PageFailureKeepsWindowAndRetries(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := liveEngine(t, src, span(20, 11))
	src.setPageErr(apperror.Transport("page fetch", errors.New("connection reset")))

	err := e.LoadMore(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrTransport)
	w := e.Snapshot()
	assert.Equal(t, Live, w.State)
	assert.True(t, w.HasMore)
	assert.Len(t, w.Posts, 10)
	assert.ErrorIs(t, w.Err, apperror.ErrTransport)

	src.setPageErr(nil)
	require.NoError(t, e.LoadMore(context.Background()))

	w = e.Snapshot()
	assert.Len(t, w.Posts, 20)
	assert.NoError(t, w.Err)
	calls := src.pageCalls()
	assert.Equal(t, calls[0].cursor, calls[1].cursor, "retry uses the same cursor")
}

func TestEngine_PageUnauthenticatedGoesIdle(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := liveEngine(t, src, span(20, 11))
	src.setPageErr(apperror.Unauthenticated("session expired", nil))

	err := e.LoadMore(context.Background())

	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
	w := e.Snapshot()
	assert.Equal(t, Idle, w.State)
	assert.Empty(t, w.Posts)
}

// =============================================================================
// GENERATION GUARD TESTS
// =============================================================================

func TestEngine_ResetDropsInFlightPage(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := liveEngine(t, src, span(20, 11))

	gate := make(chan struct{})
	src.setGate(gate)
	errc := make(chan error, 1)
	go func() { errc <- e.LoadMore(context.Background()) }()
	<-src.started

	require.NoError(t, e.Reset(context.Background()))
	require.NoError(t, <-errc, "a canceled stale fetch is dropped silently")

	w := e.Snapshot()
	assert.Empty(t, w.Posts)
	assert.True(t, w.HasMore)
	assert.Nil(t, w.Cursor)
	assert.Equal(t, Subscribing, w.State)
	assert.Equal(t, 2, src.subCount())
}

func TestEngine_SignOutDropsInFlightPage(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := liveEngine(t, src, span(20, 11))

	gate := make(chan struct{})
	src.setGate(gate)
	errc := make(chan error, 1)
	go func() { errc <- e.LoadMore(context.Background()) }()
	<-src.started

	require.NoError(t, e.OnIdentity(context.Background(), nil))
	close(gate)
	require.NoError(t, <-errc)

	w := e.Snapshot()
	assert.Equal(t, Idle, w.State)
	assert.Empty(t, w.Posts)
}

func TestEngine_OldSubscriptionCannotPush(t *testing.T) {
	src := newFakeSource(span(20, 1))
	e := liveEngine(t, src, span(20, 11))
	old := src.lastSub()

	require.NoError(t, e.Reset(context.Background()))

	assert.False(t, old.push(span(20, 11)), "torn-down subscription is closed")
	require.True(t, src.lastSub().push(span(5, 1)))
	w := waitFor(t, e, func(w Window) bool { return w.State == Live })
	assert.Equal(t, idsOf(span(5, 1)), w.IDs())
}

func TestEngine_StaleApplyIsDropped(t *testing.T) {
	src := newFakeSource(nil)
	e := liveEngine(t, src, span(3, 1))
	stale := e.Snapshot().Generation

	require.NoError(t, e.Reset(context.Background()))
	e.applyHead(stale, span(9, 7))

	assert.Empty(t, e.Snapshot().Posts)
}
