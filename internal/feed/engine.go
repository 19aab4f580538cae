package feed

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/model"
)

// Engine is the feed state machine.
//
// CONCURRENCY MODEL:
// All state lives behind one mutex, which plays the role of the single
// logical writer. Remote calls (opening the subscription, fetching a page)
// happen outside the lock. Every such call remembers the generation that
// was current when it started; a completion that finds a newer generation
// is dropped. The generation moves on every reset and resubscription, so a
// late push from a torn-down listener or a page that lands after sign-out
// can never touch the new window.
type Engine struct {
	source   Source
	logger   *slog.Logger
	pageSize int

	mu       sync.Mutex
	gen      uint64
	identity *model.Identity
	sub      Subscription
	subStop  context.CancelFunc

	posts         []model.Post
	cursor        *model.Cursor
	hasMore       bool
	boundary      *model.Post
	headDelivered bool
	paging        bool
	pageStop      context.CancelFunc
	lastErr       error

	// changed is closed (and replaced) on every observable mutation.
	changed chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize overrides K. Tests use small pages.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// NewEngine creates an idle engine reading from source.
func NewEngine(source Source, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		logger:   logger,
		pageSize: PageSize,
		hasMore:  true,
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Follow drives the engine from an identity stream until ctx is done or the
// stream closes, then tears everything down. An engine follows exactly one
// stream for its whole life.
func (e *Engine) Follow(ctx context.Context, identities <-chan *model.Identity) {
	defer e.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-identities:
			if !ok {
				return
			}
			if err := e.OnIdentity(ctx, id); err != nil {
				e.logger.Warn("feed: identity transition failed", slog.String("error", err.Error()))
			}
		}
	}
}

// OnIdentity applies an identity transition.
//
//   - nil: tear down the subscription and go Idle with an empty window.
//   - the identity already being served: nothing to do.
//   - any other identity: full reset, then a fresh head subscription, so no
//     listener outlives the security context it was opened under.
func (e *Engine) OnIdentity(ctx context.Context, id *model.Identity) error {
	e.mu.Lock()
	if id == nil {
		wasActive := e.identity != nil
		e.teardownLocked()
		e.resetLocked()
		e.identity = nil
		e.notifyLocked()
		e.mu.Unlock()
		if wasActive {
			e.logger.Info("feed: idle")
		}
		return nil
	}
	if model.SameIdentity(e.identity, id) && e.sub != nil {
		e.identity = id
		e.mu.Unlock()
		return nil
	}
	e.identity = id
	gen := e.restartLocked()
	e.mu.Unlock()

	return e.connect(ctx, gen)
}

// Reset clears the window (empty, hasMore, no cursor) and restarts the head
// subscription for the current identity, if any.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	if e.identity == nil {
		e.resetLocked()
		e.notifyLocked()
		e.mu.Unlock()
		return nil
	}
	gen := e.restartLocked()
	e.mu.Unlock()

	return e.connect(ctx, gen)
}

// restartLocked tears down, clears and returns the generation the next
// subscription belongs to.
func (e *Engine) restartLocked() uint64 {
	e.teardownLocked()
	e.resetLocked()
	e.notifyLocked()
	return e.gen
}

// connect opens the head subscription for generation gen. The result is
// dropped if another transition moved the engine on in the meantime.
func (e *Engine) connect(ctx context.Context, gen uint64) error {
	subCtx, stop := context.WithCancel(ctx)
	sub, err := e.source.SubscribeHead(subCtx, e.pageSize)

	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.gen || e.identity == nil {
		// Another transition won the race while we were connecting.
		stop()
		if sub != nil {
			sub.Close()
		}
		e.logger.Debug("feed: dropped stale subscription", slog.Uint64("generation", gen))
		return nil
	}
	if err != nil {
		stop()
		e.failLocked(err)
		return err
	}

	e.sub = sub
	e.subStop = stop
	e.logger.Info("feed: subscribed", slog.Uint64("generation", gen), slog.Int("limit", e.pageSize))
	go e.pump(gen, sub)
	return nil
}

// pump forwards pushes from one subscription until it ends.
func (e *Engine) pump(gen uint64, sub Subscription) {
	for head := range sub.Snapshots() {
		e.applyHead(gen, head)
	}

	err := sub.Err()

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	e.sub = nil
	if e.subStop != nil {
		e.subStop()
		e.subStop = nil
	}
	if err != nil {
		e.logger.Warn("feed: live subscription ended", slog.String("error", err.Error()))
		e.failLocked(err)
	}
}

func (e *Engine) applyHead(gen uint64, head []model.Post) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.gen {
		e.logger.Debug("feed: dropped stale push", slog.Uint64("generation", gen))
		return
	}

	merged := mergeHead(e.posts, head, e.boundary)
	e.posts = merged
	e.headDelivered = true

	if n := len(head); n > 0 {
		// The boundary must be the merged copy, not the caller's slice.
		oldest := normalizeHead(head)
		b := oldest[len(oldest)-1]
		e.boundary = &b
	} else {
		e.boundary = nil
	}
	e.notifyLocked()
}

// LoadMore fetches the next page after the cursor and appends it.
//
// It is a no-op when the tail is exhausted, when a fetch is already in
// flight, or before the head has delivered anything to anchor a cursor.
// On failure the window is left as it was (hasMore included) and the error
// is returned, so calling LoadMore again retries the same page.
func (e *Engine) LoadMore(ctx context.Context) error {
	e.mu.Lock()
	if e.identity == nil || !e.hasMore || e.paging {
		e.mu.Unlock()
		return nil
	}
	cursor, ok := e.cursorLocked()
	if !ok {
		e.mu.Unlock()
		return nil
	}
	gen := e.gen
	fetchCtx, stop := context.WithCancel(ctx)
	e.paging = true
	e.pageStop = stop
	e.notifyLocked()
	e.mu.Unlock()

	page, err := e.source.PageAfter(fetchCtx, cursor, e.pageSize)
	stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.gen {
		e.logger.Debug("feed: dropped stale page", slog.Uint64("generation", gen))
		return nil
	}
	e.paging = false
	e.pageStop = nil

	if err != nil {
		e.logger.Warn("feed: page fetch failed",
			slog.String("after", cursor.ID),
			slog.String("error", err.Error()),
		)
		e.failLocked(err)
		return err
	}

	var added int
	e.posts, added = appendPage(e.posts, page, cursor)
	if n := len(page); n > 0 {
		if c, ok := model.CursorOf(page[n-1]); ok {
			e.cursor = &c
		}
	}
	e.hasMore = len(page) == e.pageSize
	e.lastErr = nil
	e.notifyLocked()

	e.logger.Debug("feed: page loaded",
		slog.Int("fetched", len(page)),
		slog.Int("added", added),
		slog.Bool("hasMore", e.hasMore),
	)
	return nil
}

// Snapshot returns a copy of the current window.
func (e *Engine) Snapshot() Window {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := Window{
		State:      e.stateLocked(),
		Posts:      slices.Clone(e.posts),
		HasMore:    e.hasMore,
		Generation: e.gen,
		Err:        e.lastErr,
	}
	if w.Posts == nil {
		w.Posts = []model.Post{}
	}
	if e.cursor != nil {
		c := *e.cursor
		w.Cursor = &c
	}
	if e.boundary != nil {
		w.LiveBoundaryID = e.boundary.ID
	}
	return w
}

// Changed returns a channel that is closed at the next mutation. Take a
// Snapshot after it fires, then call Changed again.
func (e *Engine) Changed() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed
}

// Close tears the engine down to Idle. It is safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	e.resetLocked()
	e.identity = nil
	e.notifyLocked()
}

func (e *Engine) stateLocked() State {
	switch {
	case e.identity == nil:
		return Idle
	case e.paging:
		return LiveAndPaging
	case !e.headDelivered:
		return Subscribing
	case !e.hasMore:
		return Exhausted
	default:
		return Live
	}
}

// cursorLocked is the pagination cursor, falling back to the head's oldest
// post before the first page has been fetched.
func (e *Engine) cursorLocked() (model.Cursor, bool) {
	if e.cursor != nil {
		return *e.cursor, true
	}
	if e.boundary == nil {
		return model.Cursor{}, false
	}
	return model.CursorOf(*e.boundary)
}

// failLocked records err. An authentication failure drops the engine to
// Idle: the session behind the subscription is no longer valid.
func (e *Engine) failLocked(err error) {
	e.lastErr = err
	if errors.Is(err, apperror.ErrUnauthenticated) {
		e.logger.Info("feed: session rejected, going idle")
		e.teardownLocked()
		e.resetLocked()
		e.identity = nil
		// Keep the reason visible after the reset.
		e.lastErr = err
	}
	e.notifyLocked()
}

// teardownLocked closes the live subscription and cancels a running fetch.
func (e *Engine) teardownLocked() {
	if e.sub != nil {
		e.sub.Close()
		e.sub = nil
	}
	if e.subStop != nil {
		e.subStop()
		e.subStop = nil
	}
	if e.pageStop != nil {
		e.pageStop()
		e.pageStop = nil
	}
}

// resetLocked clears the window and starts a new generation.
func (e *Engine) resetLocked() {
	e.gen++
	e.posts = nil
	e.cursor = nil
	e.hasMore = true
	e.boundary = nil
	e.headDelivered = false
	e.paging = false
	e.lastErr = nil
}

func (e *Engine) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}
