package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// backupTimeFormat is filesystem-safe (no colons).
const backupTimeFormat = "20060102T150405Z"

// BackupDatabase snapshots the SQLite file at dbPath into the same directory
// as {base}.bak.{timestamp}, then verifies the snapshot with
// PRAGMA integrity_check. A snapshot that fails the check is removed.
// Returns the snapshot path.
func BackupDatabase(dbPath string) (string, error) {
	stamp := time.Now().UTC().Format(backupTimeFormat)
	backupPath := filepath.Join(filepath.Dir(dbPath), filepath.Base(dbPath)+".bak."+stamp)

	if err := copyFile(dbPath, backupPath); err != nil {
		return "", fmt.Errorf("snapshot %s: %w", dbPath, err)
	}

	if err := checkIntegrity(backupPath); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("snapshot %s failed integrity check: %w", backupPath, err)
	}

	return backupPath, nil
}

// CleanOldBackups removes snapshots of dbPath older than maxAge, matching
// {dbPath}.bak.* by modification time.
func CleanOldBackups(dbPath string, maxAge time.Duration) error {
	matches, err := filepath.Glob(dbPath + ".bak.*")
	if err != nil {
		return fmt.Errorf("list snapshots of %s: %w", dbPath, err)
	}

	cutoff := time.Now().Add(-maxAge)
	var errs []error
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			errs = append(errs, fmt.Errorf("stat %s: %w", match, err))
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(match); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", match, err))
		}
	}
	return errors.Join(errs...)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func checkIntegrity(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	var result string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check returned %q", result)
	}
	return nil
}
