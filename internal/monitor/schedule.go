package monitor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard five-field syntax plus descriptors
// ("@hourly", "@every 5m").
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule rejects malformed schedules. It runs at monitor
// creation/update time so NextDue can assume well-formed input.
func ValidateSchedule(s Schedule) error {
	if s.GraceSec < 0 {
		return fmt.Errorf("%w: grace must be >= 0", ErrInvalidSchedule)
	}
	switch s.Kind {
	case ScheduleInterval:
		if s.IntervalSec <= 0 {
			return fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
		}
		return nil
	case ScheduleCron:
		if s.CronExpr == "" {
			return fmt.Errorf("%w: cron expression required", ErrInvalidSchedule)
		}
		if _, err := cronParser.Parse(s.CronExpr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, s.Timezone)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
}

// NextDue computes the next expected ping time after lastRun. Schedules are
// validated upstream; a malformed stored expression is an error here, never
// a silent default.
func NextDue(s Schedule, lastRun time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleInterval:
		if s.IntervalSec <= 0 {
			return time.Time{}, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
		}
		return lastRun.Add(time.Duration(s.IntervalSec) * time.Second), nil
	case ScheduleCron:
		spec, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		loc := time.UTC
		if s.Timezone != "" {
			loc, err = time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, s.Timezone)
			}
		}
		return spec.Next(lastRun.In(loc)), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
}

// MissedAt returns the instant after which an expected run counts as missed.
func MissedAt(nextDue time.Time, graceSec int) time.Time {
	return nextDue.Add(time.Duration(graceSec) * time.Second)
}

// StatusAt derives the liveness status for a monitor that last succeeded:
// OK until nextDue, LATE until nextDue+grace, MISSED afterwards.
func StatusAt(nextDue time.Time, graceSec int, now time.Time) Status {
	if !now.After(nextDue) {
		return StatusOK
	}
	if !now.After(MissedAt(nextDue, graceSec)) {
		return StatusLate
	}
	return StatusMissed
}
