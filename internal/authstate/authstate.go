// Package authstate tracks who is signed in on the client.
//
// State holds the current identity, delivers every identity change in order
// to any number of observers, and drives the session bridge: every transition to
// a signed-in identity triggers exactly one Exchange, every transition to
// "nobody" exactly one Teardown. Bridge calls run on a single worker
// goroutine in transition order, so a slow server never holds up local
// state or the feed.
package authstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/feedsync/internal/model"
)

// Bridge is the client side of the session bridge.
type Bridge interface {
	Exchange(ctx context.Context, id *model.Identity) error
	Teardown(ctx context.Context) error
}

// BridgeTimeout bounds a single Exchange or Teardown call.
const BridgeTimeout = 15 * time.Second

// transition is one queued bridge call. A nil identity means teardown.
type transition struct {
	identity *model.Identity
}

// State is the process-wide current identity.
type State struct {
	bridge  Bridge
	logger  *slog.Logger
	onError func(*model.Identity, error)

	mu        sync.Mutex
	current   *model.Identity
	observers map[int]*observer
	nextID    int
	pending   []transition
	closed    bool

	wake chan struct{}
	done chan struct{}
}

// Option configures a State.
type Option func(*State)

// WithErrorHandler registers fn to be told about failed bridge calls. id is
// the identity the call was made for (nil for a teardown).
func WithErrorHandler(fn func(id *model.Identity, err error)) Option {
	return func(s *State) { s.onError = fn }
}

// New creates a signed-out State and starts its bridge worker.
func New(bridge Bridge, logger *slog.Logger, opts ...Option) *State {
	s := &State{
		bridge:    bridge,
		logger:    logger,
		observers: make(map[int]*observer),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Current returns the signed-in identity, or nil.
func (s *State) Current() *model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set records the identity reported by the identity provider.
//
// A value naming the same uid as the current one (a token refresh) replaces
// the stored identity without emitting anything. Anything else is a
// transition: observers see it and one bridge call is queued.
func (s *State) Set(id *model.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if model.SameIdentity(s.current, id) {
		s.current = id
		return
	}

	s.current = id
	for _, ob := range s.observers {
		ob.push(id)
	}
	s.pending = append(s.pending, transition{identity: id})
	select {
	case s.wake <- struct{}{}:
	default:
	}

	if id == nil {
		s.logger.Info("auth: signed out")
	} else {
		s.logger.Info("auth: signed in", slog.String("uid", id.UID))
	}
}

// Observe returns a stream of identities: the current value first, then
// each transition, in order. Nothing is dropped for a slow reader, so a
// sign-out between two sign-ins is always seen. The channel is closed when
// ctx ends or the State closes.
func (s *State) Observe(ctx context.Context) <-chan *model.Identity {
	out := make(chan *model.Identity)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(out)
		return out
	}
	id := s.nextID
	s.nextID++
	ob := &observer{queue: []*model.Identity{s.current}, wake: make(chan struct{}, 1)}
	s.observers[id] = ob
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		}()
		for {
			s.mu.Lock()
			if len(ob.queue) == 0 {
				s.mu.Unlock()
				select {
				case <-ob.wake:
					continue
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
			next := ob.queue[0]
			ob.queue[0] = nil
			ob.queue = ob.queue[1:]
			s.mu.Unlock()

			select {
			case out <- next:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()

	return out
}

// Close stops accepting transitions, waits for queued bridge calls to
// finish and closes every observer stream.
func (s *State) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}

// run is the bridge worker.
func (s *State) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.apply(next)
	}
}

func (s *State) apply(t transition) {
	ctx, cancel := context.WithTimeout(context.Background(), BridgeTimeout)
	defer cancel()

	var err error
	if t.identity != nil {
		err = s.bridge.Exchange(ctx, t.identity)
	} else {
		err = s.bridge.Teardown(ctx)
	}
	if err == nil {
		return
	}

	if t.identity != nil {
		s.logger.Error("auth: session exchange failed",
			slog.String("uid", t.identity.UID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Error("auth: session teardown failed", slog.String("error", err.Error()))
	}
	if s.onError != nil {
		s.onError(t.identity, err)
	}
}

// observer is one Observe stream's backlog. queue is guarded by State.mu.
type observer struct {
	queue []*model.Identity
	wake  chan struct{}
}

// push queues v. Caller holds State.mu.
func (o *observer) push(v *model.Identity) {
	o.queue = append(o.queue, v)
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
