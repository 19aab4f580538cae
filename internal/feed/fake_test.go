package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sakif/feedsync/internal/model"
)

// post builds post n with timestamp n, so a higher n is newer.
func post(n int) model.Post {
	ts := time.Unix(int64(n), 0).UTC()
	return model.Post{
		ID:          fmt.Sprintf("p%02d", n),
		AuthorID:    "u1",
		AuthorEmail: "u1@example.com",
		Title:       fmt.Sprintf("post %d", n),
		Body:        "body",
		CreatedAt:   &ts,
	}
}

// span returns posts hi down to lo, newest first.
func span(hi, lo int) []model.Post {
	var out []model.Post
	for n := hi; n >= lo; n-- {
		out = append(out, post(n))
	}
	return out
}

func idsOf(posts []model.Post) []string {
	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}
	return ids
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSub is a controllable head subscription.
type fakeSub struct {
	ch   chan []model.Post
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
	once   sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		ch:   make(chan []model.Post),
		done: make(chan struct{}),
	}
}

func (s *fakeSub) Snapshots() <-chan []model.Post { return s.ch }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// push delivers a head window. It returns false if the subscription was
// closed first.
func (s *fakeSub) push(head []model.Post) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- slices.Clone(head):
		return true
	case <-s.done:
		return false
	}
}

// fail ends the subscription with err.
func (s *fakeSub) fail(err error) {
	s.shutdown(err)
}

func (s *fakeSub) Close() { s.shutdown(nil) }

func (s *fakeSub) shutdown(err error) {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.err = err
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type pageCall struct {
	cursor model.Cursor
	limit  int
}

// fakeSource serves pages from an in-memory store. Setting gate makes every
// PageAfter block until a value is sent on it (or ctx ends).
type fakeSource struct {
	mu           sync.Mutex
	store        []model.Post
	subs         []*fakeSub
	subscribeErr error
	pageErr      error
	calls        []pageCall
	gate         chan struct{}
	started      chan struct{}

	// subGate, when set, holds SubscribeHead until it is closed; subEntered
	// is signalled on entry.
	subGate    chan struct{}
	subEntered chan struct{}
}

func newFakeSource(store []model.Post) *fakeSource {
	s := slices.Clone(store)
	slices.SortFunc(s, model.ComparePosts)
	return &fakeSource{store: s, started: make(chan struct{}, 16)}
}

func (f *fakeSource) SubscribeHead(ctx context.Context, limit int) (Subscription, error) {
	f.mu.Lock()
	gate, entered := f.subGate, f.subEntered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := newFakeSub()
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSource) PageAfter(ctx context.Context, cursor model.Cursor, limit int) ([]model.Post, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pageCall{cursor: cursor, limit: limit})
	gate := f.gate
	f.mu.Unlock()

	f.started <- struct{}{}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	var page []model.Post
	for _, p := range f.store {
		if len(page) == limit {
			break
		}
		if cursor.After(p) {
			page = append(page, p)
		}
	}
	return page, nil
}

func (f *fakeSource) lastSub() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeSource) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSource) pageCalls() []pageCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeSource) setGate(ch chan struct{}) {
	f.mu.Lock()
	f.gate = ch
	f.mu.Unlock()
}

func (f *fakeSource) setPageErr(err error) {
	f.mu.Lock()
	f.pageErr = err
	f.mu.Unlock()
}
