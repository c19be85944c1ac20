// Package monitor defines the watched-job model: monitors, their schedules,
// run history, and the SQLite store that owns both.
package monitor

import (
	"errors"
	"time"

	"github.com/marcus-qen/watchpost/internal/stats"
)

var (
	ErrNotFound          = errors.New("monitor: not found")
	ErrDisabled          = errors.New("monitor: disabled")
	ErrInvalidSchedule   = errors.New("monitor: invalid schedule")
	ErrTokenInUse        = errors.New("monitor: token already in use")
	ErrUnknownDependency = errors.New("monitor: unknown dependency")
)

// ScheduleKind selects how next-due times are computed.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "INTERVAL"
	ScheduleCron     ScheduleKind = "CRON"
)

// Status is the liveness state of a monitor, derived from the most recent
// run outcome and the current time versus next-due + grace.
type Status string

const (
	StatusOK       Status = "OK"
	StatusLate     Status = "LATE"
	StatusMissed   Status = "MISSED"
	StatusFailing  Status = "FAILING"
	StatusDisabled Status = "DISABLED"
)

// Outcome classifies one observed run.
type Outcome string

const (
	OutcomeStarted Outcome = "STARTED"
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFail    Outcome = "FAIL"
	// OutcomeLate records a success that arrived after next-due + grace.
	OutcomeLate Outcome = "LATE"
	// OutcomeMissed is a synthetic row the sweeper records when no ping
	// arrived for an expected run.
	OutcomeMissed Outcome = "MISSED"
)

// Thresholds are the per-monitor anomaly detection knobs.
type Thresholds struct {
	// ZScore is the standard-deviation distance beyond which a duration
	// is anomalous.
	ZScore float64 `json:"z_score"`
	// MedianMultiplier flags durations above median*multiplier; it guards
	// skewed distributions where stddev underestimates spread.
	MedianMultiplier float64 `json:"median_multiplier"`
	// OutputDropFraction flags captured-output sizes that fall below
	// (1-fraction) of the trailing average.
	OutputDropFraction float64 `json:"output_drop_fraction"`
}

// DefaultThresholds returns the stock anomaly thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ZScore:             3.0,
		MedianMultiplier:   1.5,
		OutputDropFraction: 0.7,
	}
}

// Schedule is a monitor's expected-run configuration.
type Schedule struct {
	Kind        ScheduleKind `json:"kind"`
	IntervalSec int          `json:"interval_sec,omitempty"`
	CronExpr    string       `json:"cron_expr,omitempty"`
	Timezone    string       `json:"timezone,omitempty"`
	GraceSec    int          `json:"grace_sec"`
}

// Monitor is one watched job.
type Monitor struct {
	ID       string        `json:"id"`
	Token    string        `json:"token"`
	Name     string        `json:"name"`
	Schedule Schedule      `json:"schedule"`
	Status   Status        `json:"status"`
	Stats    stats.Welford `json:"duration_stats"`

	Thresholds Thresholds `json:"thresholds"`

	CaptureOutput  bool `json:"capture_output"`
	CaptureLimitKB int  `json:"capture_limit_kb"`

	// DependsOn names an upstream monitor. While the upstream has a live
	// fault incident, this monitor's own fault incidents open suppressed
	// so one root cause does not fan out into an alert storm.
	DependsOn string `json:"depends_on,omitempty"`

	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextDueAt      *time.Time `json:"next_due_at,omitempty"`
	LastDurationMs *int64     `json:"last_duration_ms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is one observed execution attempt. Terminal runs are immutable; a
// STARTED run is completed in place by the next terminal ping.
type Run struct {
	ID         string     `json:"id"`
	MonitorID  string     `json:"monitor_id"`
	Outcome    Outcome    `json:"outcome"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs *int64     `json:"duration_ms,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	OutputKey  string     `json:"output_key,omitempty"`
	SizeBytes  *int64     `json:"size_bytes,omitempty"`
}

// Terminal reports whether the outcome ends a run.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSuccess, OutcomeFail, OutcomeLate, OutcomeMissed:
		return true
	default:
		return false
	}
}
