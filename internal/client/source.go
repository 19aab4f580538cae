package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sakif/feedsync/internal/apperror"
	"github.com/sakif/feedsync/internal/feed"
	"github.com/sakif/feedsync/internal/model"
)

// liveReadLimit fits a full head window of maximum-size posts.
const liveReadLimit = 4 << 20

// IdentityReader reports the signed-in identity. authstate.State
// implements it.
type IdentityReader interface {
	Current() *model.Identity
}

var _ feed.Source = (*Source)(nil)

// Source is the feed engine's view of a remote server. Every call
// authenticates with the current identity's ID token, so it works as soon
// as an identity exists, independent of the session cookie.
type Source struct {
	c       *Client
	ids     IdentityReader
	backoff time.Duration
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithReconnectDelay sets the pause before a dropped live connection is
// re-dialed.
func WithReconnectDelay(d time.Duration) SourceOption {
	return func(s *Source) { s.backoff = d }
}

// Source returns a feed source authenticating as ids.Current().
func (c *Client) Source(ids IdentityReader, opts ...SourceOption) *Source {
	s := &Source{c: c, ids: ids, backoff: time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PageAfter fetches up to limit posts strictly after cursor.
func (s *Source) PageAfter(ctx context.Context, cursor model.Cursor, limit int) ([]model.Post, error) {
	token, err := bearerFor(s.ids.Current())
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("afterId", cursor.ID)
	q.Set("afterCreatedAt", cursor.CreatedAt.UTC().Format(time.RFC3339Nano))

	var page []model.Post
	if err := s.c.do(ctx, http.MethodGet, "/api/posts?"+q.Encode(), token, nil, &page); err != nil {
		return nil, err
	}
	return page, nil
}

// SubscribeHead opens the live head websocket. The first dial happens
// before it returns, so a rejected identity fails here. Later drops are
// re-dialed in the background; each new connection starts with a full
// snapshot, which the engine treats as authoritative.
func (s *Source) SubscribeHead(ctx context.Context, limit int) (feed.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	conn, err := s.dial(ctx, limit)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &liveSub{
		ch:     make(chan []model.Post, 1),
		cancel: cancel,
	}
	go s.run(ctx, sub, conn, limit)
	return sub, nil
}

func (s *Source) dial(ctx context.Context, limit int) (*websocket.Conn, error) {
	token, err := bearerFor(s.ids.Current())
	if err != nil {
		return nil, err
	}

	u := s.c.baseURL + "/api/feed/live?limit=" + strconv.Itoa(limit)
	u = "ws" + strings.TrimPrefix(u, "http")

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperror.Unauthenticated("live feed rejected the identity", err)
		}
		return nil, apperror.Transport("live feed dial", err)
	}
	conn.SetReadLimit(liveReadLimit)
	return conn, nil
}

// run reads snapshots, re-dialing until ctx ends or the server rejects the
// identity.
func (s *Source) run(ctx context.Context, sub *liveSub, conn *websocket.Conn, limit int) {
	log := s.c.logger.With(slog.Int("limit", limit))

	var endErr error
	defer func() { sub.finish(endErr) }()

	for {
		err := s.read(ctx, sub, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")

		if ctx.Err() != nil {
			return
		}
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			endErr = apperror.Unauthenticated("live feed closed the session", err)
			return
		}
		log.Info("live feed dropped, reconnecting", slog.String("error", err.Error()))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.backoff):
			}

			conn, err = s.dial(ctx, limit)
			if err == nil {
				break
			}
			if errors.Is(err, apperror.ErrUnauthenticated) {
				endErr = err
				return
			}
			log.Debug("live feed re-dial failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Source) read(ctx context.Context, sub *liveSub, conn *websocket.Conn) error {
	for {
		var msg model.LiveMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		switch msg.Type {
		case model.LiveSnapshot:
			sub.offer(msg.Posts)
		case model.LiveError:
			s.c.logger.Info("live feed error frame", slog.String("message", msg.Message))
		}
	}
}

// liveSub is the Subscription handed to the engine. Only its run goroutine
// sends on ch or closes it.
type liveSub struct {
	ch     chan []model.Post
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (l *liveSub) Snapshots() <-chan []model.Post { return l.ch }

func (l *liveSub) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close stops the reader without waiting for it.
func (l *liveSub) Close() { l.cancel() }

// offer replaces any unread snapshot with head.
func (l *liveSub) offer(head []model.Post) {
	select {
	case <-l.ch:
	default:
	}
	l.ch <- head
}

func (l *liveSub) finish(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	l.cancel()
	close(l.ch)
}
