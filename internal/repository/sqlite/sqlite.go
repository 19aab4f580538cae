// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY SQLITE?
// SQLite is an embedded database: one file, no server to run. It is the
// default backend; set DATABASE_URL to switch the server to Postgres.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// modernc.org/sqlite is a pure Go translation of the SQLite C code, so the
// binary builds without CGo and cross-compiles like any other Go program.
//
// TIMESTAMPS:
// Feed order depends on created_at being assigned by the store and never
// going backwards. We keep timestamps as INTEGER unix nanoseconds (exact
// comparisons, no string formatting surprises) and hand them out through a
// monotonic clock guarded by a mutex: two posts created in the same
// nanosecond still get distinct, increasing values.
package sqlite

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	// The blank import registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"

	"github.com/sakif/feedsync/internal/repository"
)

var _ repository.Store = (*DB)(nil)

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	conn *sql.DB

	clockMu sync.Mutex
	last    time.Time
	now     func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the wall clock used for server timestamps. Tests use
// it to create posts with equal or chosen times.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// New creates a new SQLite database connection and runs migrations.
//
// dbPath examples:
//   - "data/feedsync.db"  → file-based database (persistent)
//   - ":memory:"          → in-memory database (tests)
func New(dbPath string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every connection to ":memory:" is its own empty database, so the pool
	// must never grow past one connection.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	db := &DB{conn: conn, now: time.Now}
	for _, opt := range opts {
		opt(db)
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	// Resume the monotonic clock from the newest stored post so a restart
	// with a skewed wall clock can't hand out an older timestamp.
	var newest sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(created_at) FROM posts`).Scan(&newest); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: reading newest post time: %w", err)
	}
	if newest.Valid {
		db.last = time.Unix(0, newest.Int64).UTC()
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// nextTimestamp returns a strictly increasing server timestamp.
func (db *DB) nextTimestamp() time.Time {
	db.clockMu.Lock()
	defer db.clockMu.Unlock()

	t := db.now().UTC()
	if !t.After(db.last) {
		t = db.last.Add(time.Nanosecond)
	}
	db.last = t
	return t
}

// migrate creates the schema. CREATE ... IF NOT EXISTS keeps it idempotent.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL DEFAULT '',
			display_name  TEXT NOT NULL DEFAULT '',
			photo_url     TEXT NOT NULL DEFAULT '',
			github_id     INTEGER UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email) WHERE email <> '';
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	// The (created_at DESC, id ASC) index matches the feed order exactly, so
	// both the head query and the cursor query are index range scans.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS posts (
			id                  TEXT PRIMARY KEY,
			author_id           TEXT NOT NULL,
			author_email        TEXT NOT NULL DEFAULT '',
			author_display_name TEXT NOT NULL DEFAULT '',
			author_photo_ref    TEXT NOT NULL DEFAULT '',
			title               TEXT NOT NULL,
			body                TEXT NOT NULL,
			created_at          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_posts_feed_order ON posts(created_at DESC, id ASC);
		CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("creating posts table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			uid        TEXT NOT NULL,
			issued_at  INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			revoked_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_uid ON sessions(uid);
	`)
	if err != nil {
		return fmt.Errorf("creating sessions table: %w", err)
	}

	return nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
