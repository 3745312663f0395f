// Package sqlite provides an embedded SQLite client using database/sql and
// modernc.org/sqlite, with optional query tracing
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Config configures the embedded database handle
type Config struct {
	// Path is the filesystem path to the database file. ":memory:" opens a
	// private in-memory database, mainly useful for tests
	Path string

	// BusyTimeoutMs sets SQLite's busy_timeout pragma, letting concurrent
	// writers from sibling processes block briefly instead of failing with
	// SQLITE_BUSY immediately
	BusyTimeoutMs int

	SlowMs int
}

// DB is an embedded sqlite client with optional tracer
type DB struct {
	Conn   *sql.DB
	Tracer QueryTracer
	SlowMs int
}

// Open opens (creating if absent) the database file at cfg.Path and applies
// the pragmas this system relies on: WAL journaling so the Manager process
// and concurrent Downloader children can share one file, foreign keys, and
// a busy timeout so lock contention waits instead of erroring immediately
func Open(ctx context.Context, cfg Config, tracer QueryTracer) (*DB, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	// a single *sql.DB multiplexes many logical connections; SQLite only
	// allows one writer at a time regardless, so keep the pool small and
	// let busy_timeout absorb contention rather than database/sql queueing
	conn.SetMaxOpenConns(1)

	busy := cfg.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy),
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: pragma %q: %w", p, err)
		}
	}

	return &DB{Conn: conn, Tracer: tracer, SlowMs: cfg.SlowMs}, nil
}

// Close closes the underlying handle
func (d *DB) Close() {
	if d != nil && d.Conn != nil {
		d.Conn.Close()
	}
}

// Ping verifies the database file is reachable, retrying with a small
// backoff since a freshly created file may briefly be held by a sibling
// process finishing its own WAL checkpoint
func Ping(ctx context.Context, d *DB, attempts int, timeout time.Duration) error {
	var lastErr error
	backoff := 50 * time.Millisecond
	for i := 0; i < attempts; i++ {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = d.Conn.PingContext(pctx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("sqlite: ping failed after %d attempts: %w", attempts, lastErr)
}
