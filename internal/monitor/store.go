package monitor

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/watchpost/internal/migration"
	"github.com/marcus-qen/watchpost/internal/stats"
)

// medianWindow bounds how many recent successful durations feed the stored
// median.
const medianWindow = 50

// RunQuery filters run history lookups.
type RunQuery struct {
	MonitorID     string
	Outcome       Outcome
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
}

// PingUpdate is the input to CompletePing: one terminal ping applied to a
// monitor under a single transaction.
type PingUpdate struct {
	MonitorID  string
	Outcome    Outcome // SUCCESS, FAIL, or LATE
	Now        time.Time
	DurationMs *int64
	ExitCode   *int
	OutputKey  string
	SizeBytes  *int64
	NextDueAt  time.Time
	Status     Status
}

// Store persists monitors and run history in SQLite. Per-monitor updates go
// through single transactions so concurrent pings for the same token cannot
// interleave partial writes.
type Store struct {
	db *sql.DB
}

// storeDSN appends the connection options every pooled connection needs.
// Pragmas set via db.Exec only reach the one connection that ran them;
// riding the DSN applies them to each connection the pool opens. _txlock
// makes write transactions take the lock up front so concurrent pings
// queue on busy_timeout instead of failing with SQLITE_BUSY.
func storeDSN(dbPath string) string {
	return dbPath + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// NewStore opens (or creates) a monitor store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", storeDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open monitor db: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS monitors (
		id                   TEXT PRIMARY KEY,
		token                TEXT NOT NULL UNIQUE,
		name                 TEXT NOT NULL,
		schedule_kind        TEXT NOT NULL,
		interval_sec         INTEGER NOT NULL DEFAULT 0,
		cron_expr            TEXT NOT NULL DEFAULT '',
		timezone             TEXT NOT NULL DEFAULT '',
		grace_sec            INTEGER NOT NULL DEFAULT 0,
		status               TEXT NOT NULL DEFAULT 'OK',
		duration_count       INTEGER NOT NULL DEFAULT 0,
		duration_mean        REAL NOT NULL DEFAULT 0,
		duration_m2          REAL NOT NULL DEFAULT 0,
		duration_min         REAL NOT NULL DEFAULT 0,
		duration_max         REAL NOT NULL DEFAULT 0,
		duration_median      REAL NOT NULL DEFAULT 0,
		z_score_threshold    REAL NOT NULL DEFAULT 3.0,
		median_multiplier    REAL NOT NULL DEFAULT 1.5,
		output_drop_fraction REAL NOT NULL DEFAULT 0.7,
		capture_output       INTEGER NOT NULL DEFAULT 0,
		capture_limit_kb     INTEGER NOT NULL DEFAULT 64,
		depends_on           TEXT NOT NULL DEFAULT '',
		last_run_at          TEXT,
		next_due_at          TEXT,
		last_duration_ms     INTEGER,
		created_at           TEXT NOT NULL,
		updated_at           TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create monitors table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		monitor_id  TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		duration_ms INTEGER,
		exit_code   INTEGER,
		output_key  TEXT NOT NULL DEFAULT '',
		size_bytes  INTEGER,
		FOREIGN KEY(monitor_id) REFERENCES monitors(id) ON DELETE CASCADE
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_monitors_status ON monitors(status)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_monitors_next_due ON monitors(next_due_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_monitor_started ON runs(monitor_id, started_at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_monitor_outcome ON runs(monitor_id, outcome)`)

	if err := migration.EnsureVersion(db, 1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("monitor schema version: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so co-located stores (rate limiter) can
// share one database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GenerateToken returns a URL-safe opaque capability token.
func GenerateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create persists a new monitor. The schedule is validated here; evaluation
// paths assume it is well-formed afterwards.
func (s *Store) Create(ctx context.Context, m Monitor) (Monitor, error) {
	if err := ValidateSchedule(m.Schedule); err != nil {
		return Monitor{}, err
	}

	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Token == "" {
		token, err := GenerateToken()
		if err != nil {
			return Monitor{}, err
		}
		m.Token = token
	}
	if m.Status == "" {
		m.Status = StatusOK
	}
	if m.Thresholds == (Thresholds{}) {
		m.Thresholds = DefaultThresholds()
	}
	if m.CaptureLimitKB <= 0 {
		m.CaptureLimitKB = 64
	}
	if m.DependsOn != "" {
		if _, err := s.Get(ctx, m.DependsOn); err != nil {
			if errors.Is(err, ErrNotFound) {
				return Monitor{}, ErrUnknownDependency
			}
			return Monitor{}, err
		}
	}
	m.CreatedAt = now
	m.UpdatedAt = now

	if due, err := NextDue(m.Schedule, now); err == nil {
		m.NextDueAt = &due
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO monitors
		(id, token, name, schedule_kind, interval_sec, cron_expr, timezone, grace_sec, status,
		 z_score_threshold, median_multiplier, output_drop_fraction,
		 capture_output, capture_limit_kb, depends_on, next_due_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Token, strings.TrimSpace(m.Name),
		string(m.Schedule.Kind), m.Schedule.IntervalSec, m.Schedule.CronExpr, m.Schedule.Timezone, m.Schedule.GraceSec,
		string(m.Status),
		m.Thresholds.ZScore, m.Thresholds.MedianMultiplier, m.Thresholds.OutputDropFraction,
		boolToInt(m.CaptureOutput), m.CaptureLimitKB, m.DependsOn,
		timePtrString(m.NextDueAt),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return Monitor{}, ErrTokenInUse
		}
		return Monitor{}, fmt.Errorf("insert monitor: %w", err)
	}
	return m, nil
}

// Get retrieves a monitor by id.
func (s *Store) Get(ctx context.Context, id string) (Monitor, error) {
	row := s.db.QueryRowContext(ctx, selectMonitor+` WHERE id = ?`, id)
	m, err := scanMonitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Monitor{}, ErrNotFound
	}
	return m, err
}

// GetByToken resolves a ping token to its monitor.
func (s *Store) GetByToken(ctx context.Context, token string) (Monitor, error) {
	row := s.db.QueryRowContext(ctx, selectMonitor+` WHERE token = ?`, token)
	m, err := scanMonitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Monitor{}, ErrNotFound
	}
	return m, err
}

// List returns all monitors ordered by name.
func (s *Store) List(ctx context.Context) ([]Monitor, error) {
	rows, err := s.db.QueryContext(ctx, selectMonitor+` ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Monitor{}
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetStatus sets a monitor's status directly. Reserved for enable/disable;
// liveness statuses flow through CompletePing and RecordMissed.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSchedule replaces a monitor's schedule and recomputes next-due from
// its last run (or now when it has never run).
func (s *Store) UpdateSchedule(ctx context.Context, id string, sched Schedule) (Monitor, error) {
	if err := ValidateSchedule(sched); err != nil {
		return Monitor{}, err
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return Monitor{}, err
	}

	anchor := time.Now().UTC()
	if m.LastRunAt != nil {
		anchor = *m.LastRunAt
	}
	due, err := NextDue(sched, anchor)
	if err != nil {
		return Monitor{}, err
	}

	_, err = s.db.ExecContext(ctx, `UPDATE monitors SET
		schedule_kind = ?, interval_sec = ?, cron_expr = ?, timezone = ?, grace_sec = ?,
		next_due_at = ?, updated_at = ?
		WHERE id = ?`,
		string(sched.Kind), sched.IntervalSec, sched.CronExpr, sched.Timezone, sched.GraceSec,
		due.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return Monitor{}, fmt.Errorf("update schedule: %w", err)
	}
	return s.Get(ctx, id)
}

// StartRun records a STARTED run for a ping with state=start.
func (s *Store) StartRun(ctx context.Context, monitorID string, now time.Time) (Run, error) {
	run := Run{
		ID:        uuid.NewString(),
		MonitorID: monitorID,
		Outcome:   OutcomeStarted,
		StartedAt: now.UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, monitor_id, outcome, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.MonitorID, string(run.Outcome), run.StartedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Run{}, fmt.Errorf("insert started run: %w", err)
	}
	return run, nil
}

// CompletePing applies one terminal ping to a monitor inside a single
// transaction: it completes the open STARTED run (or creates a run row),
// folds a successful duration into the Welford accumulator, refreshes the
// median, and writes the new status and next-due timestamp. It returns the
// run row and the monitor state after the update.
func (s *Store) CompletePing(ctx context.Context, upd PingUpdate) (Run, Monitor, error) {
	if !upd.Outcome.Terminal() || upd.Outcome == OutcomeMissed {
		return Run{}, Monitor{}, fmt.Errorf("complete ping: outcome %q not allowed", upd.Outcome)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, Monitor{}, fmt.Errorf("begin ping tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := upd.Now.UTC()

	// Complete the most recent open STARTED row when one exists; only
	// then does a missing duration default to now - startedAt.
	var (
		openID        string
		openStartedAt string
	)
	err = tx.QueryRowContext(ctx, `SELECT id, started_at FROM runs
		WHERE monitor_id = ? AND outcome = ? AND finished_at IS NULL
		ORDER BY started_at DESC LIMIT 1`,
		upd.MonitorID, string(OutcomeStarted)).Scan(&openID, &openStartedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Run{}, Monitor{}, fmt.Errorf("find open run: %w", err)
	}

	run := Run{
		MonitorID:  upd.MonitorID,
		Outcome:    upd.Outcome,
		StartedAt:  now,
		FinishedAt: &now,
		DurationMs: upd.DurationMs,
		ExitCode:   upd.ExitCode,
		OutputKey:  upd.OutputKey,
		SizeBytes:  upd.SizeBytes,
	}

	if openID != "" {
		startedAt, _ := time.Parse(time.RFC3339Nano, openStartedAt)
		run.ID = openID
		run.StartedAt = startedAt.UTC()
		if run.DurationMs == nil {
			ms := now.Sub(run.StartedAt).Milliseconds()
			if ms >= 0 {
				run.DurationMs = &ms
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE runs SET
			outcome = ?, finished_at = ?, duration_ms = ?, exit_code = ?, output_key = ?, size_bytes = ?
			WHERE id = ? AND finished_at IS NULL`,
			string(run.Outcome), now.Format(time.RFC3339Nano),
			run.DurationMs, run.ExitCode, run.OutputKey, run.SizeBytes, openID)
		if err != nil {
			return Run{}, Monitor{}, fmt.Errorf("complete run: %w", err)
		}
	} else {
		run.ID = uuid.NewString()
		_, err = tx.ExecContext(ctx, `INSERT INTO runs
			(id, monitor_id, outcome, started_at, finished_at, duration_ms, exit_code, output_key, size_bytes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.MonitorID, string(run.Outcome),
			run.StartedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
			run.DurationMs, run.ExitCode, run.OutputKey, run.SizeBytes)
		if err != nil {
			return Run{}, Monitor{}, fmt.Errorf("insert run: %w", err)
		}
	}

	row := tx.QueryRowContext(ctx, selectMonitor+` WHERE id = ?`, upd.MonitorID)
	m, err := scanMonitor(row)
	if err != nil {
		return Run{}, Monitor{}, fmt.Errorf("reload monitor: %w", err)
	}

	// Successful durations feed the accumulator; FAIL and STARTED never do.
	if (upd.Outcome == OutcomeSuccess || upd.Outcome == OutcomeLate) && run.DurationMs != nil && *run.DurationMs > 0 {
		m.Stats.Observe(float64(*run.DurationMs))
		median, err := recentMedian(ctx, tx, upd.MonitorID)
		if err != nil {
			return Run{}, Monitor{}, err
		}
		m.Stats.Median = median
	}

	m.Status = upd.Status
	m.LastRunAt = &now
	m.NextDueAt = &upd.NextDueAt
	m.LastDurationMs = run.DurationMs
	m.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `UPDATE monitors SET
		status = ?, duration_count = ?, duration_mean = ?, duration_m2 = ?,
		duration_min = ?, duration_max = ?, duration_median = ?,
		last_run_at = ?, next_due_at = ?, last_duration_ms = ?, updated_at = ?
		WHERE id = ?`,
		string(m.Status), m.Stats.Count, m.Stats.Mean, m.Stats.M2,
		m.Stats.Min, m.Stats.Max, m.Stats.Median,
		now.Format(time.RFC3339Nano), upd.NextDueAt.UTC().Format(time.RFC3339Nano),
		run.DurationMs, now.Format(time.RFC3339Nano), upd.MonitorID)
	if err != nil {
		return Run{}, Monitor{}, fmt.Errorf("update monitor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Run{}, Monitor{}, fmt.Errorf("commit ping tx: %w", err)
	}
	return run, m, nil
}

// RecordMissed writes the synthetic MISSED run and flips the monitor to
// MISSED — but only when no run started at or after the expected instant,
// which makes concurrent sweeper passes idempotent.
func (s *Store) RecordMissed(ctx context.Context, monitorID string, expectedAt, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin missed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs
		WHERE monitor_id = ? AND started_at >= ? LIMIT 1`,
		monitorID, expectedAt.UTC().Format(time.RFC3339Nano)).Scan(&one)
	if err == nil {
		return false, nil // a ping arrived, nothing to record
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("check intervening run: %w", err)
	}

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM monitors WHERE id = ?`, monitorID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("load status: %w", err)
	}
	if Status(status) == StatusMissed {
		return false, nil // already marked by a concurrent pass
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO runs (id, monitor_id, outcome, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), monitorID, string(OutcomeMissed),
		expectedAt.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("insert missed run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE monitors SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusMissed), now.UTC().Format(time.RFC3339Nano), monitorID)
	if err != nil {
		return false, fmt.Errorf("mark missed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit missed tx: %w", err)
	}
	return true, nil
}

// EnteringLate returns OK monitors past their due time but still inside the
// grace window.
func (s *Store) EnteringLate(ctx context.Context, now time.Time) ([]Monitor, error) {
	rows, err := s.db.QueryContext(ctx, selectMonitor+`
		WHERE status = ? AND next_due_at IS NOT NULL`,
		string(StatusOK))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Monitor{}
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		if m.NextDueAt == nil {
			continue
		}
		if StatusAt(*m.NextDueAt, m.Schedule.GraceSec, now) == StatusLate {
			out = append(out, m)
		}
	}
	return out, rows.Err()
}

// MarkLate flips an OK monitor to LATE. The status guard keeps concurrent
// sweeper passes and racing pings from clobbering a fresher status.
func (s *Store) MarkLate(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusLate), now.UTC().Format(time.RFC3339Nano), id, string(StatusOK))
	if err != nil {
		return false, fmt.Errorf("mark late: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Overdue returns monitors whose next-due + grace has passed, excluding
// disabled monitors and ones already marked missed.
func (s *Store) Overdue(ctx context.Context, now time.Time) ([]Monitor, error) {
	rows, err := s.db.QueryContext(ctx, selectMonitor+`
		WHERE status NOT IN (?, ?)
		  AND next_due_at IS NOT NULL`,
		string(StatusDisabled), string(StatusMissed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Monitor{}
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		if m.NextDueAt != nil && now.After(MissedAt(*m.NextDueAt, m.Schedule.GraceSec)) {
			out = append(out, m)
		}
	}
	return out, rows.Err()
}

// ListRuns returns run history matching the query, newest first.
func (s *Store) ListRuns(ctx context.Context, q RunQuery) ([]Run, error) {
	query := `SELECT id, monitor_id, outcome, started_at, finished_at, duration_ms, exit_code, output_key, size_bytes
		FROM runs WHERE 1=1`
	var args []any

	if q.MonitorID != "" {
		query += " AND monitor_id = ?"
		args = append(args, q.MonitorID)
	}
	if q.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(q.Outcome))
	}
	if q.StartedAfter != nil {
		query += " AND started_at >= ?"
		args = append(args, q.StartedAfter.UTC().Format(time.RFC3339Nano))
	}
	if q.StartedBefore != nil {
		query += " AND started_at <= ?"
		args = append(args, q.StartedBefore.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY started_at DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OutcomeCounts tallies runs per outcome for a monitor inside [from, to].
func (s *Store) OutcomeCounts(ctx context.Context, monitorID string, from, to time.Time) (map[Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM runs
		WHERE monitor_id = ? AND started_at >= ? AND started_at <= ?
		GROUP BY outcome`,
		monitorID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Outcome]int{}
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[Outcome(outcome)] = n
	}
	return out, rows.Err()
}

// RecentOutputSizes returns the byte sizes of the most recent runs that
// captured output, newest first.
func (s *Store) RecentOutputSizes(ctx context.Context, monitorID string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 7
	}
	rows, err := s.db.QueryContext(ctx, `SELECT size_bytes FROM runs
		WHERE monitor_id = ? AND size_bytes IS NOT NULL AND size_bytes > 0
		ORDER BY started_at DESC LIMIT ?`, monitorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []int64{}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func recentMedian(ctx context.Context, tx *sql.Tx, monitorID string) (float64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT duration_ms FROM runs
		WHERE monitor_id = ? AND outcome IN (?, ?) AND duration_ms IS NOT NULL
		ORDER BY started_at DESC LIMIT ?`,
		monitorID, string(OutcomeSuccess), string(OutcomeLate), medianWindow)
	if err != nil {
		return 0, fmt.Errorf("load recent durations: %w", err)
	}
	defer rows.Close()

	var durations []float64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return 0, err
		}
		durations = append(durations, float64(ms))
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return stats.Median(durations), nil
}

// ── Scanning helpers ──────────────────────────────────────────

const selectMonitor = `SELECT id, token, name, schedule_kind, interval_sec, cron_expr, timezone, grace_sec, status,
	duration_count, duration_mean, duration_m2, duration_min, duration_max, duration_median,
	z_score_threshold, median_multiplier, output_drop_fraction,
	capture_output, capture_limit_kb, depends_on, last_run_at, next_due_at, last_duration_ms, created_at, updated_at
	FROM monitors`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitor(s rowScanner) (Monitor, error) {
	var (
		m          Monitor
		captureInt int
		lastRun    *string
		nextDue    *string
		createdAt  string
		updatedAt  string
	)
	err := s.Scan(
		&m.ID, &m.Token, &m.Name,
		(*string)(&m.Schedule.Kind), &m.Schedule.IntervalSec, &m.Schedule.CronExpr,
		&m.Schedule.Timezone, &m.Schedule.GraceSec,
		(*string)(&m.Status),
		&m.Stats.Count, &m.Stats.Mean, &m.Stats.M2, &m.Stats.Min, &m.Stats.Max, &m.Stats.Median,
		&m.Thresholds.ZScore, &m.Thresholds.MedianMultiplier, &m.Thresholds.OutputDropFraction,
		&captureInt, &m.CaptureLimitKB, &m.DependsOn,
		&lastRun, &nextDue, &m.LastDurationMs,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return Monitor{}, err
	}

	m.CaptureOutput = captureInt != 0
	m.LastRunAt = parseTimePtr(lastRun)
	m.NextDueAt = parseTimePtr(nextDue)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

func scanRun(s rowScanner) (Run, error) {
	var (
		r          Run
		startedAt  string
		finishedAt *string
	)
	err := s.Scan(
		&r.ID, &r.MonitorID, (*string)(&r.Outcome),
		&startedAt, &finishedAt, &r.DurationMs, &r.ExitCode, &r.OutputKey, &r.SizeBytes,
	)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = parseTimePtr(finishedAt)
	return r, nil
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t.UTC()
}

func parseTimePtr(v *string) *time.Time {
	if v == nil || *v == "" {
		return nil
	}
	t := parseTime(*v)
	return &t
}

func timePtrString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
