package feed

import "github.com/sakif/feedsync/internal/model"

// State is the engine's lifecycle phase.
type State int

const (
	// Idle: nobody is signed in; the window is empty.
	Idle State = iota
	// Subscribing: the head query is open but hasn't delivered yet.
	Subscribing
	// Live: the head is flowing and no page fetch is running.
	Live
	// LiveAndPaging: a page fetch is in flight.
	LiveAndPaging
	// Exhausted: the tail has reached the end of the store.
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribing:
		return "subscribing"
	case Live:
		return "live"
	case LiveAndPaging:
		return "live+paging"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// Window is a read-only snapshot of the engine's state. Posts is a copy;
// callers may keep or modify it.
type Window struct {
	State          State
	Posts          []model.Post
	HasMore        bool
	Cursor         *model.Cursor
	LiveBoundaryID string
	Generation     uint64
	// Err is the most recent error surfaced by a page fetch or the live
	// subscription in this generation.
	Err error
}

// IDs lists the post ids in order. Handy for logging and tests.
func (w Window) IDs() []string {
	ids := make([]string, len(w.Posts))
	for i, p := range w.Posts {
		ids[i] = p.ID
	}
	return ids
}
