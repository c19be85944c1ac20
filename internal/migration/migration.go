// Package migration tracks SQLite schema versions for watchpost stores,
// runs ordered migrations with one transaction per step, and provides
// pre-open snapshots with integrity verification.
package migration

import (
	"database/sql"
	"fmt"
	"time"
)

// Each store database carries a single-row schema_version table.
const versionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    INTEGER NOT NULL,
	applied_at TEXT NOT NULL
)`

func ensureTable(db *sql.DB) error {
	if _, err := db.Exec(versionTable); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	return nil
}

// CurrentVersion returns the schema version recorded in db, or 0 when the
// version table does not exist yet or holds no row.
func CurrentVersion(db *sql.DB) (int, error) {
	var tables int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`,
	).Scan(&tables); err != nil {
		return 0, fmt.Errorf("inspect schema_version table: %w", err)
	}
	if tables == 0 {
		return 0, nil
	}

	var version int
	err := db.QueryRow(`SELECT version FROM schema_version WHERE id = 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// SetVersion records version in db, overwriting any previous value.
func SetVersion(db *sql.DB, version int) error {
	if err := ensureTable(db); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.Exec(
		`INSERT INTO schema_version (id, version, applied_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version, applied_at = excluded.applied_at`,
		version, now,
	)
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// NeedsMigration reports whether the recorded version is below targetVersion.
func NeedsMigration(db *sql.DB, targetVersion int) (bool, error) {
	current, err := CurrentVersion(db)
	if err != nil {
		return false, err
	}
	return current < targetVersion, nil
}

// EnsureVersion stamps a fresh database with initialVersion. Databases that
// already carry a version are left untouched, so store constructors can call
// this on every startup.
func EnsureVersion(db *sql.DB, initialVersion int) error {
	if err := ensureTable(db); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.Exec(
		`INSERT OR IGNORE INTO schema_version (id, version, applied_at) VALUES (1, ?, ?)`,
		initialVersion, now,
	)
	if err != nil {
		return fmt.Errorf("stamp initial schema version: %w", err)
	}
	return nil
}

// CheckVersion returns an error when the database schema is newer than the
// version this binary understands. Running an old binary against a newer
// schema risks silent data corruption.
func CheckVersion(db *sql.DB, binaryVersion int) error {
	current, err := CurrentVersion(db)
	if err != nil {
		return err
	}
	if current > binaryVersion {
		return fmt.Errorf("database schema version %d is newer than binary version %d: upgrade the binary", current, binaryVersion)
	}
	return nil
}
