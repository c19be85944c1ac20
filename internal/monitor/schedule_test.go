package monitor_test

import (
	"errors"
	"testing"
	"time"

	"github.com/marcus-qen/watchpost/internal/monitor"
)

func TestValidateScheduleInterval(t *testing.T) {
	err := monitor.ValidateSchedule(monitor.Schedule{
		Kind:        monitor.ScheduleInterval,
		IntervalSec: 300,
		GraceSec:    60,
	})
	if err != nil {
		t.Fatalf("valid interval schedule rejected: %v", err)
	}

	err = monitor.ValidateSchedule(monitor.Schedule{
		Kind:        monitor.ScheduleInterval,
		IntervalSec: 0,
	})
	if !errors.Is(err, monitor.ErrInvalidSchedule) {
		t.Fatalf("zero interval: got %v, want ErrInvalidSchedule", err)
	}

	err = monitor.ValidateSchedule(monitor.Schedule{
		Kind:        monitor.ScheduleInterval,
		IntervalSec: -10,
	})
	if !errors.Is(err, monitor.ErrInvalidSchedule) {
		t.Fatalf("negative interval: got %v, want ErrInvalidSchedule", err)
	}
}

func TestValidateScheduleCron(t *testing.T) {
	err := monitor.ValidateSchedule(monitor.Schedule{
		Kind:     monitor.ScheduleCron,
		CronExpr: "*/5 * * * *",
	})
	if err != nil {
		t.Fatalf("valid cron schedule rejected: %v", err)
	}

	err = monitor.ValidateSchedule(monitor.Schedule{
		Kind:     monitor.ScheduleCron,
		CronExpr: "not a cron line",
	})
	if !errors.Is(err, monitor.ErrInvalidSchedule) {
		t.Fatalf("malformed cron: got %v, want ErrInvalidSchedule", err)
	}

	err = monitor.ValidateSchedule(monitor.Schedule{
		Kind:     monitor.ScheduleCron,
		CronExpr: "0 9 * * *",
		Timezone: "Not/AZone",
	})
	if !errors.Is(err, monitor.ErrInvalidSchedule) {
		t.Fatalf("bad timezone: got %v, want ErrInvalidSchedule", err)
	}
}

func TestNextDueInterval(t *testing.T) {
	lastRun := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sched := monitor.Schedule{Kind: monitor.ScheduleInterval, IntervalSec: 300}

	due, err := monitor.NextDue(sched, lastRun)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	want := lastRun.Add(5 * time.Minute)
	if !due.Equal(want) {
		t.Fatalf("next due = %v, want %v", due, want)
	}
}

func TestNextDueCron(t *testing.T) {
	// 09:00 daily in New York; a run at 13:30 UTC (09:30 local during
	// DST) must land on the next day's 09:00 local.
	lastRun := time.Date(2026, 6, 15, 13, 30, 0, 0, time.UTC)
	sched := monitor.Schedule{
		Kind:     monitor.ScheduleCron,
		CronExpr: "0 9 * * *",
		Timezone: "America/New_York",
	}

	due, err := monitor.NextDue(sched, lastRun)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}

	loc, _ := time.LoadLocation("America/New_York")
	want := time.Date(2026, 6, 16, 9, 0, 0, 0, loc)
	if !due.Equal(want) {
		t.Fatalf("next due = %v, want %v", due.In(loc), want)
	}
}

func TestStatusAtWindows(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sched := monitor.Schedule{Kind: monitor.ScheduleInterval, IntervalSec: 300, GraceSec: 60}

	due, err := monitor.NextDue(sched, start)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}

	cases := []struct {
		offset time.Duration
		want   monitor.Status
	}{
		{0, monitor.StatusOK},
		{299 * time.Second, monitor.StatusOK},
		{300 * time.Second, monitor.StatusOK},
		{301 * time.Second, monitor.StatusLate},
		{360 * time.Second, monitor.StatusLate},
		{361 * time.Second, monitor.StatusMissed},
		{2 * time.Hour, monitor.StatusMissed},
	}
	for _, tc := range cases {
		got := monitor.StatusAt(due, sched.GraceSec, start.Add(tc.offset))
		if got != tc.want {
			t.Errorf("at +%v: status = %s, want %s", tc.offset, got, tc.want)
		}
	}
}

func TestMissedAt(t *testing.T) {
	due := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)
	got := monitor.MissedAt(due, 60)
	want := due.Add(time.Minute)
	if !got.Equal(want) {
		t.Fatalf("missed at = %v, want %v", got, want)
	}
}
