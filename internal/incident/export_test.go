package incident

import "time"

// SetSnoozeUntil rewrites an incident's snooze deadline directly, letting
// tests exercise expiry without waiting out a real window.
func (s *Store) SetSnoozeUntil(id string, until time.Time) error {
	_, err := s.db.Exec(`UPDATE incidents SET snooze_until = ? WHERE id = ?`,
		until.UTC().Format(time.RFC3339Nano), id)
	return err
}
