// Package ratelimit bounds ping throughput per monitor token with a
// fixed-window counter in a shared SQLite store. One upsert both bumps and
// reads the counter, so concurrent ingestion instances sharing the database
// never double-admit.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	// DefaultLimit is the ping budget per token per window.
	DefaultLimit = 60
	// DefaultWindow is the fixed-window length.
	DefaultWindow = time.Minute
)

// Result reports one admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a per-token fixed-window counter.
type Limiter struct {
	db     *sql.DB
	limit  int
	window time.Duration
}

// New creates a limiter on the given database handle. limit and window fall
// back to the defaults when non-positive.
func New(db *sql.DB, limit int, window time.Duration) (*Limiter, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS rate_limits (
		token        TEXT PRIMARY KEY,
		window_start INTEGER NOT NULL,
		count        INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create rate_limits table: %w", err)
	}

	return &Limiter{db: db, limit: limit, window: window}, nil
}

// Allow counts one request against the token's current window and reports
// whether it fits the budget. The counter keeps incrementing past the limit;
// a fresh window resets it.
func (l *Limiter) Allow(ctx context.Context, token string) (Result, error) {
	return l.allowAt(ctx, token, time.Now())
}

func (l *Limiter) allowAt(ctx context.Context, token string, now time.Time) (Result, error) {
	windowStart := now.UnixMilli() - now.UnixMilli()%l.window.Milliseconds()

	var (
		count   int
		started int64
	)
	err := l.db.QueryRowContext(ctx, `INSERT INTO rate_limits (token, window_start, count)
		VALUES (?, ?, 1)
		ON CONFLICT(token) DO UPDATE SET
			count = CASE WHEN rate_limits.window_start = excluded.window_start
				THEN rate_limits.count + 1 ELSE 1 END,
			window_start = excluded.window_start
		RETURNING count, window_start`,
		token, windowStart).Scan(&count, &started)
	if err != nil {
		return Result{}, fmt.Errorf("bump rate counter: %w", err)
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(started).Add(l.window).UTC(),
	}, nil
}
