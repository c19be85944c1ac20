package incident

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/watchpost/internal/migration"
)

// Store persists incidents and their timelines in SQLite. The partial unique
// index on (monitor_id, kind) over non-resolved rows is what enforces
// deduplication even when a ping handler and the missed-check sweeper write
// concurrently.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) an incident store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	// Pragmas ride the DSN so every pooled connection gets them, and
	// _txlock=immediate keeps concurrent openers queuing on busy_timeout
	// instead of hitting SQLITE_BUSY mid-transaction.
	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open incident db: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS incidents (
		id              TEXT PRIMARY KEY,
		monitor_id      TEXT NOT NULL,
		kind            TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'OPEN',
		severity        TEXT NOT NULL DEFAULT 'critical',
		summary         TEXT NOT NULL,
		details         TEXT NOT NULL DEFAULT '',
		opened_at       TEXT NOT NULL,
		acknowledged_at TEXT,
		resolved_at     TEXT,
		snooze_until    TEXT,
		prior_status    TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create incidents table: %w", err)
	}

	// One live incident per (monitor, kind). Concurrent openers race on
	// this index; the loser retries as a merge.
	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_incidents_live
		ON incidents(monitor_id, kind) WHERE status != 'RESOLVED'`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create dedup index: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS incident_events (
		id          TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		timestamp   TEXT NOT NULL,
		type        TEXT NOT NULL,
		actor       TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create incident_events table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_incidents_monitor ON incidents(monitor_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_incidents_opened ON incidents(opened_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_incident ON incident_events(incident_id)`)

	if err := migration.EnsureVersion(db, 1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("incident schema version: %w", err)
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

// OpenResult reports the outcome of OpenOrMerge.
type OpenResult struct {
	Incident Incident
	// Created is true when a new incident row was opened, false when the
	// detection merged into an existing one.
	Created bool
	// Suppressed is true when the incident was inside an active snooze
	// window: the merge was recorded but no alert should fire.
	Suppressed bool
}

// OpenOrMerge records a fault detection. If a live incident already exists
// for (monitorID, kind), an event is appended and the incident refreshed;
// otherwise a new OPEN incident is created with an "opened" event.
func (s *Store) OpenOrMerge(ctx context.Context, monitorID string, kind Kind, severity Severity, summary, details string) (OpenResult, error) {
	// Two attempts cover the race where the live incident resolves
	// between a failed insert and the merge lookup.
	for attempt := 0; ; attempt++ {
		now := time.Now().UTC()

		// Try the insert first. The partial unique index turns a
		// concurrent duplicate into a constraint error, which
		// downgrades to a merge.
		inc := Incident{
			ID:        uuid.NewString(),
			MonitorID: monitorID,
			Kind:      kind,
			Status:    StatusOpen,
			Severity:  severity,
			Summary:   summary,
			Details:   details,
			OpenedAt:  now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err := s.db.ExecContext(ctx, `INSERT INTO incidents
			(id, monitor_id, kind, status, severity, summary, details, opened_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inc.ID, inc.MonitorID, string(inc.Kind), string(inc.Status), string(inc.Severity),
			inc.Summary, inc.Details,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err == nil {
			if _, err := s.appendEvent(ctx, s.db, inc.ID, EventOpened, SystemActor, summary, now); err != nil {
				return OpenResult{}, err
			}
			return OpenResult{Incident: inc, Created: true}, nil
		}
		if !strings.Contains(err.Error(), "UNIQUE") {
			return OpenResult{}, fmt.Errorf("insert incident: %w", err)
		}

		res, err := s.merge(ctx, monitorID, kind, summary, now)
		if errors.Is(err, ErrNotFound) && attempt == 0 {
			continue
		}
		return res, err
	}
}

func (s *Store) merge(ctx context.Context, monitorID string, kind Kind, summary string, now time.Time) (OpenResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OpenResult{}, fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectIncident+`
		WHERE monitor_id = ? AND kind = ? AND status != ? LIMIT 1`,
		monitorID, string(kind), string(StatusResolved))
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		// The live incident resolved between insert and merge; reopen.
		return OpenResult{}, ErrNotFound
	}
	if err != nil {
		return OpenResult{}, err
	}

	inc = s.expireSnoozeLocked(ctx, tx, inc, now)
	suppressed := inc.Snoozing(now)

	if _, err := s.appendEvent(ctx, tx, inc.ID, EventMerged, SystemActor, summary, now); err != nil {
		return OpenResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE incidents SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, now.Format(time.RFC3339Nano), inc.ID); err != nil {
		return OpenResult{}, fmt.Errorf("refresh incident: %w", err)
	}
	inc.Summary = summary
	inc.UpdatedAt = now

	if err := tx.Commit(); err != nil {
		return OpenResult{}, fmt.Errorf("commit merge tx: %w", err)
	}
	return OpenResult{Incident: inc, Suppressed: suppressed}, nil
}

// Acknowledge moves an OPEN incident to ACKED.
func (s *Store) Acknowledge(ctx context.Context, id, actor string) (Incident, error) {
	return s.transition(ctx, id, EventAcknowledged, actor, "", func(inc *Incident, now time.Time) {
		inc.Status = StatusAcked
		inc.AcknowledgedAt = &now
	})
}

// Snooze silences an OPEN or ACKED incident until the given instant.
func (s *Store) Snooze(ctx context.Context, id string, until time.Time, actor, reason string) (Incident, error) {
	if !until.After(time.Now().UTC()) {
		return Incident{}, fmt.Errorf("%w: snooze-until must be in the future", ErrInvalidTransition)
	}
	desc := reason
	if desc == "" {
		desc = "snoozed until " + until.UTC().Format(time.RFC3339)
	}
	u := until.UTC()
	return s.transition(ctx, id, EventSnoozed, actor, desc, func(inc *Incident, now time.Time) {
		inc.PriorStatus = inc.Status
		inc.Status = StatusSnoozed
		inc.SnoozeUntil = &u
	})
}

// Unsnooze ends a snooze window early, restoring the prior status.
func (s *Store) Unsnooze(ctx context.Context, id, actor string) (Incident, error) {
	return s.transition(ctx, id, EventUnsnoozed, actor, "", func(inc *Incident, now time.Time) {
		inc.Status = revertStatus(inc.PriorStatus)
		inc.PriorStatus = ""
		inc.SnoozeUntil = nil
	})
}

// Resolve moves any non-terminal incident to RESOLVED.
func (s *Store) Resolve(ctx context.Context, id, actor, summary string) (Incident, error) {
	return s.transition(ctx, id, EventResolved, actor, summary, func(inc *Incident, now time.Time) {
		inc.Status = StatusResolved
		inc.ResolvedAt = &now
		inc.SnoozeUntil = nil
		inc.PriorStatus = ""
	})
}

// AddNote appends a free-form note to a non-terminal incident's timeline.
func (s *Store) AddNote(ctx context.Context, id, actor, note string) (Incident, error) {
	return s.transition(ctx, id, EventNote, actor, note, func(*Incident, time.Time) {})
}

// transition loads the incident, lazily expires a lapsed snooze, validates
// the action, applies it, and persists incident plus event in one tx.
func (s *Store) transition(ctx context.Context, id string, ev EventType, actor, desc string, apply func(*Incident, time.Time)) (Incident, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Incident{}, fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	row := tx.QueryRowContext(ctx, selectIncident+` WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, ErrNotFound
	}
	if err != nil {
		return Incident{}, err
	}

	inc = s.expireSnoozeLocked(ctx, tx, inc, now)

	if err := checkTransition(inc.Status, ev); err != nil {
		return Incident{}, err
	}

	apply(&inc, now)
	inc.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `UPDATE incidents SET
		status = ?, severity = ?, summary = ?, acknowledged_at = ?, resolved_at = ?,
		snooze_until = ?, prior_status = ?, updated_at = ?
		WHERE id = ?`,
		string(inc.Status), string(inc.Severity), inc.Summary,
		timePtrString(inc.AcknowledgedAt), timePtrString(inc.ResolvedAt),
		timePtrString(inc.SnoozeUntil), string(inc.PriorStatus),
		now.Format(time.RFC3339Nano), inc.ID); err != nil {
		return Incident{}, fmt.Errorf("apply transition: %w", err)
	}

	if _, err := s.appendEvent(ctx, tx, inc.ID, ev, actor, desc, now); err != nil {
		return Incident{}, err
	}

	if err := tx.Commit(); err != nil {
		return Incident{}, fmt.Errorf("commit transition tx: %w", err)
	}
	return inc, nil
}

// ResolveOpenForMonitor auto-resolves every live incident of the given kinds
// for a monitor. Used when a healthy run clears prior fault incidents.
func (s *Store) ResolveOpenForMonitor(ctx context.Context, monitorID string, kinds []Kind, summary string) ([]Incident, error) {
	var resolved []Incident
	for _, kind := range kinds {
		row := s.db.QueryRowContext(ctx, selectIncident+`
			WHERE monitor_id = ? AND kind = ? AND status != ? LIMIT 1`,
			monitorID, string(kind), string(StatusResolved))
		inc, err := scanIncident(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return resolved, err
		}
		done, err := s.Resolve(ctx, inc.ID, SystemActor, summary)
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			continue // raced with another resolver
		}
		if err != nil {
			return resolved, err
		}
		resolved = append(resolved, done)
	}
	return resolved, nil
}

// OpenFaultSince returns the newest live fault incident for monitorID that
// opened at or after since. SNOOZED rows still count: a snooze mutes alerts,
// it does not clear the fault.
func (s *Store) OpenFaultSince(ctx context.Context, monitorID string, since time.Time) (Incident, bool, error) {
	row := s.db.QueryRowContext(ctx, selectIncident+`
		WHERE monitor_id = ? AND status != ? AND kind IN (?, ?, ?) AND opened_at >= ?
		ORDER BY opened_at DESC LIMIT 1`,
		monitorID, string(StatusResolved),
		string(KindFail), string(KindMissed), string(KindLate),
		since.UTC().Format(time.RFC3339Nano))
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, false, nil
	}
	if err != nil {
		return Incident{}, false, err
	}
	return inc, true, nil
}

// Get retrieves an incident by id, expiring a lapsed snooze on the way out.
func (s *Store) Get(ctx context.Context, id string) (Incident, error) {
	row := s.db.QueryRowContext(ctx, selectIncident+` WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, ErrNotFound
	}
	if err != nil {
		return Incident{}, err
	}
	return s.expireSnoozeLocked(ctx, s.db, inc, time.Now().UTC()), nil
}

// List returns incidents matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Incident, error) {
	query := selectIncident + ` WHERE 1=1`
	var args []any

	if f.MonitorID != "" {
		query += " AND monitor_id = ?"
		args = append(args, f.MonitorID)
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		query += " AND opened_at >= ?"
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		query += " AND opened_at <= ?"
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY opened_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	out := []Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s.expireSnoozeLocked(ctx, s.db, inc, now))
	}
	return out, rows.Err()
}

// Timeline returns all events for an incident, oldest first.
func (s *Store) Timeline(ctx context.Context, incidentID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, incident_id, timestamp, type, actor, description
		FROM incident_events WHERE incident_id = ?
		ORDER BY timestamp ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var (
			e  Event
			ts string
		)
		if err := rows.Scan(&e.ID, &e.IncidentID, &ts, (*string)(&e.Type), &e.Actor, &e.Description); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordAlert appends an alert_sent or alert_failed event. Best-effort from
// the notifier's goroutine; failures only surface in logs.
func (s *Store) RecordAlert(ctx context.Context, incidentID string, delivered bool, detail string) error {
	ev := EventAlertSent
	if !delivered {
		ev = EventAlertFailed
	}
	_, err := s.appendEvent(ctx, s.db, incidentID, ev, SystemActor, detail, time.Now().UTC())
	return err
}

// OpenedBetween returns incident opening timestamps in [from, to] for a
// monitor, oldest first. The health scorer uses this for MTBF.
func (s *Store) OpenedBetween(ctx context.Context, monitorID string, from, to time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT opened_at FROM incidents
		WHERE monitor_id = ? AND opened_at >= ? AND opened_at <= ?
		ORDER BY opened_at ASC`,
		monitorID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []time.Time{}
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, parseTime(ts))
	}
	return out, rows.Err()
}

// ResolvedDurations returns open-to-resolve durations for incidents resolved
// in [from, to] for a monitor. The health scorer uses this for MTTR.
func (s *Store) ResolvedDurations(ctx context.Context, monitorID string, from, to time.Time) ([]time.Duration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT opened_at, resolved_at FROM incidents
		WHERE monitor_id = ? AND resolved_at IS NOT NULL AND resolved_at >= ? AND resolved_at <= ?`,
		monitorID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []time.Duration{}
	for rows.Next() {
		var opened, resolvedAt string
		if err := rows.Scan(&opened, &resolvedAt); err != nil {
			return nil, err
		}
		d := parseTime(resolvedAt).Sub(parseTime(opened))
		if d >= 0 {
			out = append(out, d)
		}
	}
	return out, rows.Err()
}

// execer covers *sql.DB and *sql.Tx for event appends.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) appendEvent(ctx context.Context, db execer, incidentID string, ev EventType, actor, desc string, now time.Time) (Event, error) {
	e := Event{
		ID:          uuid.NewString(),
		IncidentID:  incidentID,
		Timestamp:   now,
		Type:        ev,
		Actor:       actor,
		Description: desc,
	}
	_, err := db.ExecContext(ctx, `INSERT INTO incident_events
		(id, incident_id, timestamp, type, actor, description)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.IncidentID, e.Timestamp.Format(time.RFC3339Nano), string(e.Type), e.Actor, e.Description)
	if err != nil {
		return Event{}, fmt.Errorf("insert incident event: %w", err)
	}
	return e, nil
}

// expireSnoozeLocked reverts a lapsed snooze to the prior status. Safe to
// call with either the bare handle or an open transaction.
func (s *Store) expireSnoozeLocked(ctx context.Context, db execer, inc Incident, now time.Time) Incident {
	if inc.Status != StatusSnoozed || inc.SnoozeUntil == nil || now.Before(*inc.SnoozeUntil) {
		return inc
	}

	restored := revertStatus(inc.PriorStatus)
	_, err := db.ExecContext(ctx, `UPDATE incidents SET
		status = ?, snooze_until = NULL, prior_status = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(restored), now.Format(time.RFC3339Nano), inc.ID, string(StatusSnoozed))
	if err != nil {
		return inc
	}
	_, _ = s.appendEvent(ctx, db, inc.ID, EventUnsnoozed, SystemActor, "snooze window elapsed", now)

	inc.Status = restored
	inc.SnoozeUntil = nil
	inc.PriorStatus = ""
	inc.UpdatedAt = now
	return inc
}

func revertStatus(prior Status) Status {
	if prior == StatusAcked {
		return StatusAcked
	}
	return StatusOpen
}

// ── Scanning helpers ──────────────────────────────────────────

const selectIncident = `SELECT id, monitor_id, kind, status, severity, summary, details,
	opened_at, acknowledged_at, resolved_at, snooze_until, prior_status, created_at, updated_at
	FROM incidents`

type incidentScanner interface {
	Scan(dest ...any) error
}

func scanIncident(s incidentScanner) (Incident, error) {
	var (
		inc         Incident
		openedAt    string
		ackedAt     *string
		resolvedAt  *string
		snoozeUntil *string
		createdAt   string
		updatedAt   string
	)
	err := s.Scan(
		&inc.ID, &inc.MonitorID, (*string)(&inc.Kind), (*string)(&inc.Status), (*string)(&inc.Severity),
		&inc.Summary, &inc.Details,
		&openedAt, &ackedAt, &resolvedAt, &snoozeUntil, (*string)(&inc.PriorStatus),
		&createdAt, &updatedAt,
	)
	if err != nil {
		return Incident{}, err
	}

	inc.OpenedAt = parseTime(openedAt)
	inc.AcknowledgedAt = parseTimePtr(ackedAt)
	inc.ResolvedAt = parseTimePtr(resolvedAt)
	inc.SnoozeUntil = parseTimePtr(snoozeUntil)
	inc.CreatedAt = parseTime(createdAt)
	inc.UpdatedAt = parseTime(updatedAt)
	return inc, nil
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
