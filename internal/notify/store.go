package notify

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchpost/internal/migration"
	"github.com/marcus-qen/watchpost/internal/secrets"
)

// Store provides persistent webhook registration backed by SQLite, wrapping
// an in-memory Notifier for dispatch. Signing secrets are encrypted at rest
// when a cipher is supplied.
type Store struct {
	db       *sql.DB
	cipher   *secrets.Box
	notifier *Notifier
}

// NewStore opens (or creates) a SQLite-backed webhook store and loads all
// registrations into the notifier. cipher may be nil; secrets are then
// stored in the clear.
func NewStore(dbPath string, recorder AlertRecorder, cipher *secrets.Box, logger *zap.Logger) (*Store, error) {
	// DSN pragmas reach every pooled connection, not just the first one.
	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open webhook db: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS webhooks (
		id      TEXT PRIMARY KEY,
		url     TEXT NOT NULL,
		events  TEXT NOT NULL DEFAULT '[]',
		secret  TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := migration.EnsureVersion(db, 1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("webhook schema version: %w", err)
	}

	s := &Store{db: db, cipher: cipher, notifier: NewNotifier(recorder, logger)}

	if err := s.loadAll(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Notifier returns the underlying notifier for dispatch and handlers.
func (s *Store) Notifier() *Notifier {
	return s.notifier
}

// Register adds a webhook and persists it.
func (s *Store) Register(cfg WebhookConfig) WebhookConfig {
	cfg.ID = s.notifier.Register(cfg)
	_ = s.persist(cfg)
	return cfg
}

// Remove deletes a webhook and removes it from disk.
func (s *Store) Remove(id string) {
	s.notifier.Remove(id)
	_, _ = s.db.Exec(`DELETE FROM webhooks WHERE id = ?`, id)
}

// List returns all webhooks.
func (s *Store) List() []WebhookConfig {
	return s.notifier.List()
}

// Close shuts down the store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.notifier.Close()
	return s.db.Close()
}

func (s *Store) persist(cfg WebhookConfig) error {
	eventsJSON, _ := json.Marshal(cfg.Events)
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}

	if s.cipher != nil && cfg.Secret != "" {
		sealed, err := s.cipher.Encrypt(cfg.Secret)
		if err != nil {
			return fmt.Errorf("encrypt webhook secret: %w", err)
		}
		cfg.Secret = sealed
	}

	_, err := s.db.Exec(`INSERT INTO webhooks (id, url, events, secret, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			events = excluded.events,
			secret = excluded.secret,
			enabled = excluded.enabled`,
		cfg.ID, cfg.URL, string(eventsJSON), cfg.Secret, enabled)
	return err
}

func (s *Store) loadAll() error {
	rows, err := s.db.Query(`SELECT id, url, events, secret, enabled FROM webhooks`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, url, eventsJSON, secret string
			enabled                     int
		)
		if err := rows.Scan(&id, &url, &eventsJSON, &secret, &enabled); err != nil {
			continue
		}

		var events []string
		_ = json.Unmarshal([]byte(eventsJSON), &events)

		if s.cipher != nil && secret != "" {
			plain, err := s.cipher.Decrypt(secret)
			if err != nil {
				continue // sealed with a different key, unusable
			}
			secret = plain
		}

		s.notifier.Register(WebhookConfig{
			ID:      id,
			URL:     url,
			Events:  events,
			Secret:  secret,
			Enabled: enabled == 1,
		})
	}

	return rows.Err()
}
