// Package livequery serves the live "newest K posts" query.
//
// The store has no change feed of its own, so the Hub re-runs the head
// query whenever it is told the posts changed (Notify) and pushes the new
// result to every subscriber whose window actually changed. Delivery is
// latest-wins: a subscriber that falls behind skips straight to the newest
// window, which is all a head consumer needs.
package livequery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/feed"
	"github.com/sakif/feedsync/internal/metrics"
	"github.com/sakif/feedsync/internal/model"
	"github.com/sakif/feedsync/internal/repository"
)

// MaxLimit caps the head window a subscriber may ask for.
const MaxLimit = 100

// queryTimeout bounds one re-run of the head query.
const queryTimeout = 5 * time.Second

// compile-time check that *Hub can back a feed engine in-process.
var _ feed.Source = (*Hub)(nil)

// Hub fans head snapshots out to subscribers.
type Hub struct {
	posts   repository.PostRepository
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	kick      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewHub starts a hub over posts. m may be nil.
func NewHub(posts repository.PostRepository, logger *slog.Logger, m *metrics.Metrics) *Hub {
	h := &Hub{
		posts:   posts,
		logger:  logger,
		metrics: m,
		subs:    make(map[*Subscription]struct{}),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go h.run()
	return h
}

// Notify reports that posts changed. Calls made while a refresh is pending
// collapse into one.
func (h *Hub) Notify() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// SubscribeHead runs the head query and returns a subscription whose first
// value is the current window. It ends when ctx is done, on Close, or when
// the hub shuts down.
func (h *Hub) SubscribeHead(ctx context.Context, limit int) (feed.Subscription, error) {
	return h.Subscribe(ctx, limit)
}

// Subscribe is SubscribeHead returning the concrete type.
func (h *Hub) Subscribe(ctx context.Context, limit int) (*Subscription, error) {
	if limit <= 0 {
		limit = feed.PageSize
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	s := &Subscription{
		hub:   h,
		limit: limit,
		ch:    make(chan []model.Post, 1),
		done:  make(chan struct{}),
	}

	// Register before reading the head, so a write committed after the read
	// still reaches s through the refresh its Notify triggers.
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return nil, apperror.Transport("head query", errHubClosed)
	default:
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.metrics.LiveSubscribers(1)

	head, err := h.posts.Latest(ctx, limit)
	if err != nil {
		s.Close()
		return nil, apperror.Transport("head query", err)
	}

	h.mu.Lock()
	if _, ok := h.subs[s]; ok && !s.primed {
		h.metrics.SnapshotDelivered(s.offer(head))
	}
	h.mu.Unlock()

	h.logger.Debug("live: subscribed", slog.Int("limit", limit))

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// PageAfter is the one-shot tail query.
func (h *Hub) PageAfter(ctx context.Context, cursor model.Cursor, limit int) ([]model.Post, error) {
	page, err := h.posts.PageAfter(ctx, cursor, limit)
	if err != nil {
		return nil, apperror.Transport("page query", err)
	}
	return page, nil
}

// Subscribers reports the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription and stops the refresh loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		<-h.stopped

		h.mu.Lock()
		subs := make([]*Subscription, 0, len(h.subs))
		for s := range h.subs {
			subs = append(subs, s)
		}
		h.mu.Unlock()
		for _, s := range subs {
			s.Close()
		}
	})
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			return
		case <-h.kick:
			h.refresh()
		}
	}
}

// refresh re-runs the head query once per distinct limit and offers the
// result to subscribers whose window changed.
func (h *Hub) refresh() {
	h.mu.Lock()
	byLimit := make(map[int][]*Subscription)
	for s := range h.subs {
		byLimit[s.limit] = append(byLimit[s.limit], s)
	}
	h.mu.Unlock()

	for limit, subs := range byLimit {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		head, err := h.posts.Latest(ctx, limit)
		cancel()
		if err != nil {
			// Subscribers keep their last window; the next Notify retries.
			h.logger.Warn("live: head query failed", slog.Int("limit", limit), slog.String("error", err.Error()))
			continue
		}

		h.mu.Lock()
		for _, s := range subs {
			if _, ok := h.subs[s]; !ok {
				continue
			}
			if s.primed && samePosts(s.last, head) {
				continue
			}
			h.metrics.SnapshotDelivered(s.offer(head))
		}
		h.mu.Unlock()
	}
}

func (h *Hub) remove(s *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return false
	}
	delete(h.subs, s)
	close(s.ch)
	return true
}

func samePosts(a, b []model.Post) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
