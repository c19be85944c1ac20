package migration_test

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus-qen/watchpost/internal/migration"
	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// openTempFileDB creates a real SQLite file in t.TempDir() for tests that need
// a file path (backup tests).
func openTempFileDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "monitors.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite file: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _init (x INTEGER)`); err != nil {
		t.Fatalf("init table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestCurrentVersionFreshDB(t *testing.T) {
	db := openTempDB(t)
	v, err := migration.CurrentVersion(db)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != 0 {
		t.Errorf("want 0, got %d", v)
	}
}

func TestSetAndCurrentVersion(t *testing.T) {
	db := openTempDB(t)

	if err := migration.SetVersion(db, 3); err != nil {
		t.Fatalf("SetVersion(3): %v", err)
	}
	v, err := migration.CurrentVersion(db)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != 3 {
		t.Errorf("want 3, got %d", v)
	}

	if err := migration.SetVersion(db, 7); err != nil {
		t.Fatalf("SetVersion(7): %v", err)
	}
	v, _ = migration.CurrentVersion(db)
	if v != 7 {
		t.Errorf("want 7 after update, got %d", v)
	}
}

func TestNeedsMigration(t *testing.T) {
	db := openTempDB(t)
	_ = migration.SetVersion(db, 2)

	needs, err := migration.NeedsMigration(db, 5)
	if err != nil {
		t.Fatalf("NeedsMigration: %v", err)
	}
	if !needs {
		t.Error("expected needs=true when current(2) < target(5)")
	}

	needs, err = migration.NeedsMigration(db, 2)
	if err != nil {
		t.Fatalf("NeedsMigration: %v", err)
	}
	if needs {
		t.Error("expected needs=false when current==target")
	}
}

func TestEnsureVersionSetOnFreshDB(t *testing.T) {
	db := openTempDB(t)
	if err := migration.EnsureVersion(db, 1); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}
	v, _ := migration.CurrentVersion(db)
	if v != 1 {
		t.Errorf("want 1, got %d", v)
	}
}

func TestEnsureVersionIdempotent(t *testing.T) {
	db := openTempDB(t)
	if err := migration.EnsureVersion(db, 1); err != nil {
		t.Fatalf("first EnsureVersion: %v", err)
	}
	if err := migration.EnsureVersion(db, 1); err != nil {
		t.Fatalf("second EnsureVersion: %v", err)
	}
	v, _ := migration.CurrentVersion(db)
	if v != 1 {
		t.Errorf("want 1 after double call, got %d", v)
	}
}

func TestEnsureVersionDoesNotOverwrite(t *testing.T) {
	db := openTempDB(t)
	if err := migration.SetVersion(db, 5); err != nil {
		t.Fatalf("SetVersion(5): %v", err)
	}
	if err := migration.EnsureVersion(db, 1); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}
	v, _ := migration.CurrentVersion(db)
	if v != 5 {
		t.Errorf("want 5 (unchanged), got %d", v)
	}
}

func testMigrations() []migration.Migration {
	return []migration.Migration{
		{
			Version:     1,
			Description: "create maintenance_windows",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE maintenance_windows (id INTEGER PRIMARY KEY, monitor_id TEXT)`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS maintenance_windows`)
				return err
			},
		},
		{
			Version:     2,
			Description: "add ends_at to maintenance_windows",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`ALTER TABLE maintenance_windows ADD COLUMN ends_at TEXT`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`ALTER TABLE maintenance_windows DROP COLUMN ends_at`)
				return err
			},
		},
		{
			Version:     3,
			Description: "create tags",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE tags (monitor_id TEXT, tag TEXT)`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS tags`)
				return err
			},
		},
	}
}

func tableExists(db *sql.DB, name string) bool {
	var n string
	err := db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name,
	).Scan(&n)
	return err == nil
}

func TestRunnerMigrateForward(t *testing.T) {
	db := openTempDB(t)
	r := migration.NewRunner("monitors", testMigrations(), nil)

	if err := r.Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	v, _ := migration.CurrentVersion(db)
	if v != 3 {
		t.Errorf("want schema v3, got %d", v)
	}
	if !tableExists(db, "maintenance_windows") {
		t.Error("maintenance_windows should exist")
	}
	if !tableExists(db, "tags") {
		t.Error("tags should exist")
	}
}

func TestRunnerMigrateTo(t *testing.T) {
	db := openTempDB(t)
	r := migration.NewRunner("monitors", testMigrations(), nil)

	if err := r.MigrateTo(db, 2); err != nil {
		t.Fatalf("MigrateTo(2): %v", err)
	}

	v, _ := migration.CurrentVersion(db)
	if v != 2 {
		t.Errorf("want schema v2, got %d", v)
	}
	if tableExists(db, "tags") {
		t.Error("tags should NOT exist at v2")
	}
}

func TestRunnerRollback(t *testing.T) {
	db := openTempDB(t)
	r := migration.NewRunner("monitors", testMigrations(), nil)

	if err := r.Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := r.Rollback(db, 2); err != nil {
		t.Fatalf("Rollback(2): %v", err)
	}

	v, _ := migration.CurrentVersion(db)
	if v != 2 {
		t.Errorf("want schema v2 after rollback, got %d", v)
	}
	if tableExists(db, "tags") {
		t.Error("tags should be gone after rollback")
	}
	if !tableExists(db, "maintenance_windows") {
		t.Error("maintenance_windows should still exist")
	}
}

func TestRunnerIdempotentMigrate(t *testing.T) {
	db := openTempDB(t)
	r := migration.NewRunner("monitors", testMigrations(), nil)

	if err := r.Migrate(db); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	if err := r.Migrate(db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	v, _ := migration.CurrentVersion(db)
	if v != 3 {
		t.Errorf("want v3 still, got %d", v)
	}
}

func TestRunnerTransactionRollbackOnError(t *testing.T) {
	db := openTempDB(t)

	migrations := []migration.Migration{
		{
			Version:     1,
			Description: "create table ok",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE good_table (id INTEGER PRIMARY KEY)`)
				return err
			},
		},
		{
			Version:     2,
			Description: "migration that fails midway",
			Up: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`CREATE TABLE partial_table (id INTEGER PRIMARY KEY)`); err != nil {
					return err
				}
				_, err := tx.Exec(`THIS IS NOT VALID SQL`)
				return err
			},
		},
	}

	r := migration.NewRunner("monitors", migrations, nil)
	err := r.Migrate(db)
	if err == nil {
		t.Fatal("expected error from failing migration, got nil")
	}

	// Version must still be 1 and the partial table must not exist.
	v, _ := migration.CurrentVersion(db)
	if v != 1 {
		t.Errorf("want version 1 (last successful), got %d", v)
	}
	if tableExists(db, "partial_table") {
		t.Error("partial_table should not exist after rollback")
	}
}

func TestBackupDatabase(t *testing.T) {
	_, dbPath := openTempFileDB(t)

	backupPath, err := migration.BackupDatabase(dbPath)
	if err != nil {
		t.Fatalf("BackupDatabase: %v", err)
	}
	t.Cleanup(func() { os.Remove(backupPath) })

	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		t.Error("backup file does not exist")
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("original file should still exist")
	}
}

func TestCleanOldBackups(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "monitors.db")

	f, err := os.Create(dbPath)
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	f.Close()

	oldBackup := dbPath + ".bak.2020-01-01T00-00-00Z"
	recentBackup := dbPath + ".bak." + time.Now().UTC().Format("2006-01-02T15-04-05Z")
	for _, p := range []string{oldBackup, recentBackup} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write backup: %v", err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldBackup, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := migration.CleanOldBackups(dbPath, 24*time.Hour); err != nil {
		t.Fatalf("CleanOldBackups: %v", err)
	}

	if _, err := os.Stat(oldBackup); !os.IsNotExist(err) {
		t.Error("old backup should have been removed")
	}
	if _, err := os.Stat(recentBackup); os.IsNotExist(err) {
		t.Error("recent backup should still exist")
	}
}

func TestCheckVersionRejectsDowngrade(t *testing.T) {
	db := openTempDB(t)
	_ = migration.SetVersion(db, 5)

	if err := migration.CheckVersion(db, 5); err != nil {
		t.Errorf("CheckVersion equal versions: unexpected error: %v", err)
	}
	err := migration.CheckVersion(db, 3)
	if err == nil {
		t.Fatal("expected error when schema(5) > binary(3), got nil")
	}
	if !strings.Contains(err.Error(), "newer than binary version 3") {
		t.Errorf("unexpected error message: %v", err)
	}
}
