package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchpost/internal/incident"
	"github.com/marcus-qen/watchpost/internal/metrics"
	"github.com/marcus-qen/watchpost/internal/monitor"
	"github.com/marcus-qen/watchpost/internal/notify"
	"github.com/marcus-qen/watchpost/internal/telemetry"
)

// DefaultSweepInterval is how often the sweeper scans for overdue monitors.
const DefaultSweepInterval = 30 * time.Second

// Sweeper is the missed-check evaluator: a periodic scan that flips quiet
// monitors to LATE or MISSED and opens the matching incidents. It runs
// outside the ping path and is idempotent; the run-table guard and the
// incident dedup index make concurrent passes safe.
type Sweeper struct {
	monitors  *monitor.Store
	incidents *incident.Store
	notifier  Notifier
	interval  time.Duration
	logger    *zap.Logger
}

// NewSweeper builds a sweeper. A non-positive interval falls back to the
// default.
func NewSweeper(monitors *monitor.Store, incidents *incident.Store, notifier Notifier, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		monitors:  monitors,
		incidents: incidents,
		notifier:  notifier,
		interval:  interval,
		logger:    logger.Named("sweeper"),
	}
}

// Start runs the periodic sweep loop until ctx is cancelled.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.logger.Info("sweeper starting", zap.Duration("interval", sw.interval))

	if err := sw.SweepOnce(ctx); err != nil {
		sw.logger.Error("initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			if err := sw.SweepOnce(ctx); err != nil {
				sw.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce performs one scan: grace-window monitors go LATE, expired ones
// go MISSED with a synthetic run.
func (sw *Sweeper) SweepOnce(ctx context.Context) error {
	started := time.Now()
	ctx, span := telemetry.StartSweepSpan(ctx)
	lateCount, missedCount := 0, 0
	defer func() {
		telemetry.EndSweepSpan(span, lateCount, missedCount)
		metrics.SweepSeconds.Observe(time.Since(started).Seconds())
	}()

	now := time.Now().UTC()

	late, err := sw.monitors.EnteringLate(ctx, now)
	if err != nil {
		return fmt.Errorf("scan late monitors: %w", err)
	}
	lateCount = len(late)
	for _, m := range late {
		if err := sw.markLate(ctx, m, now); err != nil {
			sw.logger.Error("mark late failed", zap.String("monitor_id", m.ID), zap.Error(err))
		}
	}

	overdue, err := sw.monitors.Overdue(ctx, now)
	if err != nil {
		return fmt.Errorf("scan overdue monitors: %w", err)
	}
	missedCount = len(overdue)
	for _, m := range overdue {
		if err := sw.markMissed(ctx, m, now); err != nil {
			sw.logger.Error("mark missed failed", zap.String("monitor_id", m.ID), zap.Error(err))
		}
	}

	if len(late) > 0 || len(overdue) > 0 {
		sw.logger.Info("sweep completed",
			zap.Int("late", len(late)),
			zap.Int("missed", len(overdue)),
			zap.Duration("took", time.Since(started)))
	}
	return nil
}

func (sw *Sweeper) markLate(ctx context.Context, m monitor.Monitor, now time.Time) error {
	flipped, err := sw.monitors.MarkLate(ctx, m.ID, now)
	if err != nil {
		return err
	}
	if !flipped {
		return nil // a ping or another pass got there first
	}

	summary := fmt.Sprintf("monitor %q is late: due %s, grace %ds",
		m.Name, m.NextDueAt.Format(time.RFC3339), m.Schedule.GraceSec)
	res, err := sw.incidents.OpenOrMerge(ctx, m.ID, incident.KindLate, incident.SeverityWarning, summary, "")
	if err != nil {
		return fmt.Errorf("open LATE incident: %w", err)
	}
	sw.announce(incident.KindLate, res, false)
	return nil
}

func (sw *Sweeper) markMissed(ctx context.Context, m monitor.Monitor, now time.Time) error {
	expectedAt := *m.NextDueAt
	marked, err := sw.monitors.RecordMissed(ctx, m.ID, expectedAt, now)
	if err != nil {
		return err
	}
	if !marked {
		return nil
	}
	metrics.MonitorsMissedTotal.Inc()

	summary := fmt.Sprintf("monitor %q missed its check-in: expected by %s (+%ds grace)",
		m.Name, expectedAt.Format(time.RFC3339), m.Schedule.GraceSec)
	severity := incident.SeverityCritical

	reason, cascaded, err := checkCascade(ctx, sw.monitors, sw.incidents, m, now)
	if err != nil {
		sw.logger.Warn("cascade lookup failed", zap.String("monitor_id", m.ID), zap.Error(err))
	}
	if cascaded {
		severity = incident.SeverityWarning
		summary = "[SUPPRESSED] " + reason + ": " + summary
	}

	res, err := sw.incidents.OpenOrMerge(ctx, m.ID, incident.KindMissed, severity, summary, "")
	if err != nil {
		return fmt.Errorf("open MISSED incident: %w", err)
	}
	sw.announce(incident.KindMissed, res, cascaded)
	return nil
}

func (sw *Sweeper) announce(kind incident.Kind, res incident.OpenResult, suppressed bool) {
	if res.Created {
		metrics.IncidentsOpenedTotal.WithLabelValues(string(kind)).Inc()
		if !suppressed && sw.notifier != nil {
			sw.notifier.Notify(notify.EventIncidentOpened, res.Incident)
		}
	}
}
