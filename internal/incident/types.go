// Package incident owns the incident lifecycle: opening with deduplication,
// acknowledgement, snoozing, and resolution, with an append-only event
// timeline per incident.
package incident

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no incident matches the given id.
	ErrNotFound = errors.New("incident not found")
	// ErrInvalidTransition is returned when a lifecycle action is not
	// legal from the incident's current status. The incident is left
	// unchanged; the caller sees the error, never a coerced transition.
	ErrInvalidTransition = errors.New("invalid incident transition")
)

// Kind classifies the fault an incident tracks.
type Kind string

const (
	KindMissed  Kind = "MISSED"
	KindLate    Kind = "LATE"
	KindFail    Kind = "FAIL"
	KindAnomaly Kind = "ANOMALY"
)

// FaultKinds are the kinds a healthy run auto-resolves. ANOMALY incidents
// describe degraded-but-working behavior and stay open for a human.
var FaultKinds = []Kind{KindFail, KindMissed, KindLate}

// Status tracks the lifecycle state. SNOOZED is a side-state entered from
// OPEN or ACKED; ending the snooze restores the prior status.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusAcked    Status = "ACKED"
	StatusSnoozed  Status = "SNOOZED"
	StatusResolved Status = "RESOLVED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusResolved
}

// EventType classifies timeline entries.
type EventType string

const (
	EventOpened       EventType = "opened"
	EventMerged       EventType = "merged"
	EventAcknowledged EventType = "acknowledged"
	EventSnoozed      EventType = "snoozed"
	EventUnsnoozed    EventType = "unsnoozed"
	EventResolved     EventType = "resolved"
	EventNote         EventType = "note"
	EventAlertSent    EventType = "alert_sent"
	EventAlertFailed  EventType = "alert_failed"
)

// SystemActor marks transitions driven by the service itself (auto-resolve,
// snooze expiry) rather than an operator.
const SystemActor = "system"

// Severity mirrors the anomaly detector's ranking; fault incidents default
// to critical.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Incident represents one detected reliability event. At most one
// non-resolved incident exists per (monitor, kind) pair; repeated detections
// merge into it.
type Incident struct {
	ID             string     `json:"id"`
	MonitorID      string     `json:"monitor_id"`
	Kind           Kind       `json:"kind"`
	Status         Status     `json:"status"`
	Severity       Severity   `json:"severity"`
	Summary        string     `json:"summary"`
	Details        string     `json:"details,omitempty"`
	OpenedAt       time.Time  `json:"opened_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	SnoozeUntil    *time.Time `json:"snooze_until,omitempty"`
	// priorStatus remembers what SNOOZED reverts to.
	PriorStatus Status    `json:"prior_status,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snoozing reports whether the incident is inside an active snooze window:
// re-detections must not re-alert while it holds.
func (i Incident) Snoozing(now time.Time) bool {
	return i.Status == StatusSnoozed && i.SnoozeUntil != nil && now.Before(*i.SnoozeUntil)
}

// Event records a discrete entry in the incident timeline. Write-once.
type Event struct {
	ID          string    `json:"id"`
	IncidentID  string    `json:"incident_id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EventType `json:"type"`
	Actor       string    `json:"actor,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Filter defines query filters for listing incidents.
type Filter struct {
	MonitorID string
	Kind      Kind
	Status    Status
	From      time.Time
	To        time.Time
	Limit     int
}

// checkTransition validates one lifecycle action against the current status.
// Snooze expiry is the caller's concern: a lapsed SNOOZED incident is treated
// as its prior status before this is consulted.
func checkTransition(from Status, ev EventType) error {
	switch ev {
	case EventAcknowledged:
		if from != StatusOpen {
			return fmt.Errorf("%w: acknowledge from %s", ErrInvalidTransition, from)
		}
	case EventSnoozed:
		if from != StatusOpen && from != StatusAcked {
			return fmt.Errorf("%w: snooze from %s", ErrInvalidTransition, from)
		}
	case EventUnsnoozed:
		if from != StatusSnoozed {
			return fmt.Errorf("%w: unsnooze from %s", ErrInvalidTransition, from)
		}
	case EventResolved:
		if from.Terminal() {
			return fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, from)
		}
	case EventMerged, EventNote:
		if from.Terminal() {
			return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
		}
	}
	return nil
}
