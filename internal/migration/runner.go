package migration

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Migration describes a single schema change.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a human-readable summary.
	Description string
	// Up applies the migration inside tx.
	Up func(tx *sql.Tx) error
	// Down reverts the migration inside tx. Optional; rollbacks past a
	// migration without one fail.
	Down func(tx *sql.Tx) error
}

// Runner applies ordered migrations to a store database. Each step runs in
// one transaction together with its schema version update, so a crash
// mid-migration leaves the database at a consistent recorded version.
type Runner struct {
	store      string
	migrations []Migration
	logger     *zap.Logger
}

// NewRunner creates a Runner for the named store. Migrations are sorted by
// version ascending. logger may be nil.
func NewRunner(store string, migrations []Migration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	return &Runner{store: store, migrations: sorted, logger: logger.Named("migration")}
}

// Migrate applies every pending migration.
func (r *Runner) Migrate(db *sql.DB) error {
	return r.MigrateTo(db, r.latest())
}

// MigrateTo applies pending migrations up to and including targetVersion.
func (r *Runner) MigrateTo(db *sql.DB, targetVersion int) error {
	if err := ensureTable(db); err != nil {
		return err
	}
	current, err := CurrentVersion(db)
	if err != nil {
		return fmt.Errorf("%s: read schema version: %w", r.store, err)
	}

	for _, m := range r.migrations {
		if m.Version <= current || m.Version > targetVersion {
			continue
		}
		if err := r.step(db, m, m.Up, m.Version); err != nil {
			return fmt.Errorf("%s: apply v%d (%s): %w", r.store, m.Version, m.Description, err)
		}
		r.logger.Info("applied migration",
			zap.String("store", r.store),
			zap.Int("version", m.Version),
			zap.String("description", m.Description))
	}
	return nil
}

// Rollback reverts migrations in reverse order until the schema reaches
// targetVersion.
func (r *Runner) Rollback(db *sql.DB, targetVersion int) error {
	current, err := CurrentVersion(db)
	if err != nil {
		return fmt.Errorf("%s: read schema version: %w", r.store, err)
	}

	for i := len(r.migrations) - 1; i >= 0; i-- {
		m := r.migrations[i]
		if m.Version <= targetVersion || m.Version > current {
			continue
		}
		if m.Down == nil {
			return fmt.Errorf("%s: v%d (%s) has no down migration", r.store, m.Version, m.Description)
		}
		if err := r.step(db, m, m.Down, r.versionBelow(m.Version, targetVersion)); err != nil {
			return fmt.Errorf("%s: roll back v%d (%s): %w", r.store, m.Version, m.Description, err)
		}
		r.logger.Info("rolled back migration",
			zap.String("store", r.store),
			zap.Int("version", m.Version))
	}
	return nil
}

// step runs fn and the version stamp in a single transaction.
func (r *Runner) step(db *sql.DB, m Migration, fn func(*sql.Tx) error, resultVersion int) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(
		`INSERT INTO schema_version (id, version, applied_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version, applied_at = excluded.applied_at`,
		resultVersion, now,
	); err != nil {
		return fmt.Errorf("stamp version %d: %w", resultVersion, err)
	}

	return tx.Commit()
}

// latest returns the highest known migration version, 0 when none exist.
func (r *Runner) latest() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

// versionBelow returns the version the schema lands on after rolling back
// from, bounded below by floor.
func (r *Runner) versionBelow(from, floor int) int {
	prev := floor
	for _, m := range r.migrations {
		if m.Version < from && m.Version > prev {
			prev = m.Version
		}
	}
	return prev
}
