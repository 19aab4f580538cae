package authstate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/feedsync/internal/model"
)

// fakeBridge records bridge calls in order.
type fakeBridge struct {
	mu          sync.Mutex
	calls       []string
	exchangeErr error
	block       chan struct{}
}

func (b *fakeBridge) Exchange(ctx context.Context, id *model.Identity) error {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "exchange:"+id.UID)
	return b.exchangeErr
}

func (b *fakeBridge) Teardown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "teardown")
	return nil
}

func (b *fakeBridge) recorded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func newTestState(t *testing.T, b Bridge, opts ...Option) *State {
	t.Helper()
	s := New(b, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	t.Cleanup(s.Close)
	return s
}

func recv(t *testing.T, ch <-chan *model.Identity) *model.Identity {
	t.Helper()
	select {
	case id, ok := <-ch:
		require.True(t, ok, "stream closed")
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no identity delivered")
		return nil
	}
}

var alice = &model.Identity{UID: "alice", Email: "alice@example.com"}

func TestState_ObserveStartsWithCurrent(t *testing.T) {
	s := newTestState(t, &fakeBridge{})

	ch := s.Observe(context.Background())
	assert.Nil(t, recv(t, ch))

	s.Set(alice)
	assert.Equal(t, "alice", recv(t, ch).UID)

	late := s.Observe(context.Background())
	assert.Equal(t, "alice", recv(t, late).UID)
}

func TestState_BridgeCallsPerTransition(t *testing.T) {
	b := &fakeBridge{}
	s := newTestState(t, b)

	s.Set(alice)
	s.Set(&model.Identity{UID: "alice", Email: "alice@example.com"}) // refresh
	s.Set(nil)
	s.Set(nil)
	s.Set(&model.Identity{UID: "bob"})
	s.Close()

	assert.Equal(t, []string{"exchange:alice", "teardown", "exchange:bob"}, b.recorded())
}

func TestState_RefreshDoesNotEmit(t *testing.T) {
	s := newTestState(t, &fakeBridge{})
	ch := s.Observe(context.Background())
	recv(t, ch)

	s.Set(alice)
	recv(t, ch)
	refreshed := &model.Identity{UID: "alice", DisplayName: "Alice"}
	s.Set(refreshed)

	select {
	case id := <-ch:
		t.Fatalf("unexpected emission: %+v", id)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "Alice", s.Current().DisplayName)
}

func TestState_SlowObserverSeesEveryTransition(t *testing.T) {
	s := newTestState(t, &fakeBridge{})
	ch := s.Observe(context.Background())

	s.Set(alice)
	s.Set(nil)
	s.Set(&model.Identity{UID: "carol"})

	assert.Nil(t, recv(t, ch))
	assert.Equal(t, "alice", recv(t, ch).UID)
	assert.Nil(t, recv(t, ch), "the sign-out in between is not dropped")
	assert.Equal(t, "carol", recv(t, ch).UID)
}

func TestState_SignOutBetweenSameIdentityIsDelivered(t *testing.T) {
	s := newTestState(t, &fakeBridge{})
	ch := s.Observe(context.Background())
	recv(t, ch)

	s.Set(alice)
	s.Set(nil)
	s.Set(&model.Identity{UID: "alice", Email: "alice@example.com"})

	var got []string
	for i := 0; i < 3; i++ {
		if id := recv(t, ch); id != nil {
			got = append(got, id.UID)
		} else {
			got = append(got, "<nil>")
		}
	}
	assert.Equal(t, []string{"alice", "<nil>", "alice"}, got)
}

func TestState_ExchangeFailureIsReported(t *testing.T) {
	b := &fakeBridge{exchangeErr: errors.New("server unreachable")}
	reported := make(chan error, 1)
	s := newTestState(t, b, WithErrorHandler(func(id *model.Identity, err error) {
		reported <- err
	}))

	s.Set(alice)

	select {
	case err := <-reported:
		assert.EqualError(t, err, "server unreachable")
	case <-time.After(2 * time.Second):
		t.Fatal("error not reported")
	}
	assert.Equal(t, "alice", s.Current().UID, "local state is not rolled back")
}

func TestState_SetDoesNotWaitForBridge(t *testing.T) {
	b := &fakeBridge{block: make(chan struct{})}
	s := newTestState(t, b)
	ch := s.Observe(context.Background())
	recv(t, ch)

	s.Set(alice)

	assert.Equal(t, "alice", recv(t, ch).UID)
	close(b.block)
}

func TestState_ObserveEndsWithContext(t *testing.T) {
	s := newTestState(t, &fakeBridge{})
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Observe(ctx)
	recv(t, ch)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestState_CloseEndsObservers(t *testing.T) {
	s := New(&fakeBridge{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch := s.Observe(context.Background())
	recv(t, ch)

	s.Close()
	s.Close()

	_, ok := <-ch
	assert.False(t, ok)
	_, ok = <-s.Observe(context.Background())
	assert.False(t, ok)
}
