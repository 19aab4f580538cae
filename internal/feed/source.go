// Package feed keeps one ordered, deduplicated view of the global timeline.
//
// Two inputs feed it: a live subscription that pushes the newest K posts
// whenever they change (the head), and one-shot page fetches that extend
// the view past the head (the tail). Engine merges both so consumers always
// read a sequence that is sorted by model.ComparePosts and never repeats an
// id.
package feed

import (
	"context"

	"github.com/sakif/feedsync/internal/model"
)

// PageSize is K: the size of the live head window and of every page.
const PageSize = 10

// Subscription is a live head query. Each value on Snapshots is the full,
// current head window (newest first). The channel is closed when the
// subscription ends; Err then reports why (nil after Close).
//
// Close may be called while the consumer is busy and must not wait for it.
type Subscription interface {
	Snapshots() <-chan []model.Post
	Err() error
	Close()
}

// Source is the remote document store as the engine sees it.
type Source interface {
	// SubscribeHead opens a live query for the newest limit posts. ctx
	// bounds the lifetime of the subscription.
	SubscribeHead(ctx context.Context, limit int) (Subscription, error)
	// PageAfter fetches up to limit posts strictly after cursor.
	PageAfter(ctx context.Context, cursor model.Cursor, limit int) ([]model.Post, error)
}
