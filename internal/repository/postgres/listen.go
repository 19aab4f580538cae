package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostsChannel is the LISTEN/NOTIFY channel announcing post writes. Every
// server process sharing the database hears every other process's writes
// on it.
const PostsChannel = "feedsync_posts"

// announce tells listeners that post id changed. The write has already
// committed, so a failed notification is only logged: listeners catch up
// on the next write.
func (db *DB) announce(ctx context.Context, id string) {
	if _, err := db.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, PostsChannel, id); err != nil {
		db.logger.Warn("postgres: pg_notify failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}

// Listen calls onChange for every notification on PostsChannel until ctx
// ends. A lost connection is re-established after a short pause; onChange
// is also called after each reconnect since writes may have been missed.
func (db *DB) Listen(ctx context.Context, onChange func()) error {
	for {
		err := db.listenOnce(ctx, onChange)
		if ctx.Err() != nil {
			return nil
		}
		db.logger.Warn("postgres: listener lost, reconnecting", slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
		onChange()
	}
}

func (db *DB) listenOnce(ctx context.Context, onChange func()) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres: acquiring listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+PostsChannel); err != nil {
		return fmt.Errorf("postgres: listen: %w", err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// The connection may be in an unknown state; don't return it to the pool.
			conn.Hijack().Close(context.Background())
			return fmt.Errorf("postgres: waiting for notification: %w", err)
		}
		onChange()
	}
}
