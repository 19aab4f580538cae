package livequery

import (
	"errors"
	"slices"
	"sync"

	"github.com/sakif/feedsync/internal/model"
)

var errHubClosed = errors.New("live query hub closed")

// Subscription is one open head query. It implements feed.Subscription.
type Subscription struct {
	hub   *Hub
	limit int

	// ch, last and primed are guarded by hub.mu. primed is set by the
	// first offer.
	ch     chan []model.Post
	last   []model.Post
	primed bool

	done      chan struct{}
	closeOnce sync.Once
}

// Snapshots yields full head windows, newest first. It is closed when the
// subscription ends.
func (s *Subscription) Snapshots() <-chan []model.Post { return s.ch }

// Err is always nil: a hub subscription only ends by being closed.
func (s *Subscription) Err() error { return nil }

// Limit is the head window size.
func (s *Subscription) Limit() int { return s.limit }

// Close ends the subscription. It never blocks on the consumer.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.hub.remove(s) {
			s.hub.metrics.LiveSubscribers(-1)
		}
	})
}

// offer replaces any unread window with head. Caller holds hub.mu. It
// reports whether an unread window was superseded.
func (s *Subscription) offer(head []model.Post) bool {
	superseded := false
	select {
	case <-s.ch:
		superseded = true
	default:
	}
	s.last = head
	s.primed = true
	s.ch <- slices.Clone(head)
	return superseded
}
