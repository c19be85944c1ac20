// Package ingest orchestrates the ping pipeline: token resolution, rate
// limiting, run recording, statistics, anomaly detection, incident
// transitions, and schedule recomputation.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchpost/internal/anomaly"
	"github.com/marcus-qen/watchpost/internal/incident"
	"github.com/marcus-qen/watchpost/internal/metrics"
	"github.com/marcus-qen/watchpost/internal/monitor"
	"github.com/marcus-qen/watchpost/internal/notify"
	"github.com/marcus-qen/watchpost/internal/output"
	"github.com/marcus-qen/watchpost/internal/ratelimit"
	"github.com/marcus-qen/watchpost/internal/telemetry"
)

// State is the client-reported ping state.
type State string

const (
	StateStart   State = "start"
	StateSuccess State = "success"
	StateFail    State = "fail"
)

// ErrInvalidState is returned for an unrecognized state parameter.
var ErrInvalidState = errors.New("ping state must be start, success, or fail")

// RateLimitError carries the limiter decision so the HTTP layer can set the
// X-RateLimit headers.
type RateLimitError struct {
	Result ratelimit.Result
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %d per window, resets %s", e.Result.Limit, e.Result.ResetAt.Format(time.RFC3339))
}

// outputUploadTimeout bounds the best-effort capture write so a slow blob
// store cannot stall the ping response.
const outputUploadTimeout = 500 * time.Millisecond

// PingRequest is one inbound heartbeat.
type PingRequest struct {
	Token      string
	State      State
	DurationMs *int64
	ExitCode   *int
	Output     []byte
}

// PingResult is the synchronous response to an accepted ping.
type PingResult struct {
	MonitorID  string           `json:"monitor_id"`
	RunID      string           `json:"run_id,omitempty"`
	Outcome    monitor.Outcome  `json:"outcome"`
	Status     monitor.Status   `json:"status"`
	Anomaly    *anomaly.Verdict `json:"anomaly,omitempty"`
	IncidentID string           `json:"incident_id,omitempty"`
	Suppressed bool             `json:"suppressed,omitempty"`
	Resolved   []string         `json:"resolved_incidents,omitempty"`
	RateLimit  ratelimit.Result `json:"-"`
}

// Notifier is the alert fan-out the service fires after incident changes.
type Notifier interface {
	Notify(event string, inc incident.Incident)
}

// Service wires the ping pipeline together.
type Service struct {
	monitors  *monitor.Store
	incidents *incident.Store
	limiter   *ratelimit.Limiter
	outputs   output.Store
	processor *output.Processor
	notifier  Notifier
	logger    *zap.Logger
}

// NewService assembles the pipeline. outputs, processor, and notifier may be
// nil; the corresponding steps are skipped.
func NewService(
	monitors *monitor.Store,
	incidents *incident.Store,
	limiter *ratelimit.Limiter,
	outputs output.Store,
	processor *output.Processor,
	notifier Notifier,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		monitors:  monitors,
		incidents: incidents,
		limiter:   limiter,
		outputs:   outputs,
		processor: processor,
		notifier:  notifier,
		logger:    logger.Named("ingest"),
	}
}

// Ping processes one heartbeat. Lookup and validation failures return
// sentinel errors; statistics and anomaly failures degrade rather than
// rejecting the run.
func (s *Service) Ping(ctx context.Context, req PingRequest) (PingResult, error) {
	started := time.Now()
	ctx, span := telemetry.StartPingSpan(ctx, string(req.State))

	result, err := s.ping(ctx, req)

	telemetry.EndPingSpan(span, result.MonitorID, string(result.Outcome), result.IncidentID != "")
	metrics.PingHandleSeconds.Observe(time.Since(started).Seconds())
	return result, err
}

func (s *Service) ping(ctx context.Context, req PingRequest) (PingResult, error) {
	switch req.State {
	case StateStart, StateSuccess, StateFail:
	default:
		return PingResult{}, ErrInvalidState
	}

	m, err := s.monitors.GetByToken(ctx, req.Token)
	if err != nil {
		return PingResult{}, err
	}
	if m.Status == monitor.StatusDisabled {
		return PingResult{}, monitor.ErrDisabled
	}

	// The limiter runs before any state is written: a rejected ping
	// leaves no partial Run behind.
	limit, err := s.limiter.Allow(ctx, req.Token)
	if err != nil {
		return PingResult{}, fmt.Errorf("rate limiter: %w", err)
	}
	if !limit.Allowed {
		metrics.RateLimitedTotal.Inc()
		return PingResult{RateLimit: limit}, &RateLimitError{Result: limit}
	}

	now := time.Now().UTC()

	if req.State == StateStart {
		run, err := s.monitors.StartRun(ctx, m.ID, now)
		if err != nil {
			return PingResult{}, err
		}
		metrics.PingsTotal.WithLabelValues(string(monitor.OutcomeStarted)).Inc()
		return PingResult{
			MonitorID: m.ID,
			RunID:     run.ID,
			Outcome:   monitor.OutcomeStarted,
			Status:    m.Status,
			RateLimit: limit,
		}, nil
	}

	switch req.State {
	case StateSuccess:
		return s.handleSuccess(ctx, m, req, limit, now)
	default:
		return s.handleFail(ctx, m, req, limit, now)
	}
}

func (s *Service) handleSuccess(ctx context.Context, m monitor.Monitor, req PingRequest, limit ratelimit.Result, now time.Time) (PingResult, error) {
	// LATE means the run arrived after the grace window closed. Behind
	// schedule but still inside grace counts as a clean success.
	late := m.NextDueAt != nil && now.After(monitor.MissedAt(*m.NextDueAt, m.Schedule.GraceSec))

	outcome := monitor.OutcomeSuccess
	status := monitor.StatusOK
	if late {
		outcome = monitor.OutcomeLate
		status = monitor.StatusLate
	}

	nextDue, err := monitor.NextDue(m.Schedule, now)
	if err != nil {
		return PingResult{}, fmt.Errorf("recompute next due: %w", err)
	}

	outputKey, sizeBytes := s.captureOutput(ctx, m, req.Output, now)

	run, updated, err := s.monitors.CompletePing(ctx, monitor.PingUpdate{
		MonitorID:  m.ID,
		Outcome:    outcome,
		Now:        now,
		DurationMs: req.DurationMs,
		ExitCode:   defaultExitCode(req.ExitCode, 0),
		OutputKey:  outputKey,
		SizeBytes:  sizeBytes,
		NextDueAt:  nextDue,
		Status:     status,
	})
	if err != nil {
		return PingResult{}, err
	}
	metrics.PingsTotal.WithLabelValues(string(outcome)).Inc()

	result := PingResult{
		MonitorID: m.ID,
		RunID:     run.ID,
		Outcome:   outcome,
		Status:    updated.Status,
		RateLimit: limit,
	}

	if late {
		// The schedule slipped: keep prior fault incidents open and
		// record the slip as its own incident instead.
		behind := now.Sub(monitor.MissedAt(*m.NextDueAt, m.Schedule.GraceSec)).Truncate(time.Second)
		summary := fmt.Sprintf("monitor %q completed %s past its grace window", m.Name, behind)
		s.openFaultIncident(ctx, m, incident.KindLate, incident.SeverityWarning, summary, now, &result)
	} else {
		// An on-time healthy run clears prior fault incidents.
		resolved, err := s.incidents.ResolveOpenForMonitor(ctx, m.ID, incident.FaultKinds, "healthy run received")
		if err != nil {
			s.logger.Warn("auto-resolve failed", zap.String("monitor_id", m.ID), zap.Error(err))
		}
		for _, inc := range resolved {
			result.Resolved = append(result.Resolved, inc.ID)
			metrics.IncidentsResolvedTotal.WithLabelValues(string(inc.Kind)).Inc()
			if s.notifier != nil {
				s.notifier.Notify(notify.EventIncidentResolved, inc)
			}
		}
	}

	// Anomaly checks degrade, never abort: the run above is already
	// recorded whatever happens here.
	if run.DurationMs != nil {
		verdict := anomaly.EvaluateDuration(updated.Stats, updated.Thresholds, float64(*run.DurationMs))
		result.Anomaly = &verdict
		s.reportAnomaly(ctx, m, verdict, &result)
	}
	if sizeBytes != nil {
		s.checkOutputDrop(ctx, m, *sizeBytes, &result)
	}

	return result, nil
}

func (s *Service) handleFail(ctx context.Context, m monitor.Monitor, req PingRequest, limit ratelimit.Result, now time.Time) (PingResult, error) {
	nextDue, err := monitor.NextDue(m.Schedule, now)
	if err != nil {
		return PingResult{}, fmt.Errorf("recompute next due: %w", err)
	}

	outputKey, sizeBytes := s.captureOutput(ctx, m, req.Output, now)

	exitCode := defaultExitCode(req.ExitCode, 1)
	run, _, err := s.monitors.CompletePing(ctx, monitor.PingUpdate{
		MonitorID: m.ID,
		Outcome:   monitor.OutcomeFail,
		Now:       now,
		ExitCode:  exitCode,
		OutputKey: outputKey,
		SizeBytes: sizeBytes,
		NextDueAt: nextDue,
		Status:    monitor.StatusFailing,
	})
	if err != nil {
		return PingResult{}, err
	}
	metrics.PingsTotal.WithLabelValues(string(monitor.OutcomeFail)).Inc()

	result := PingResult{
		MonitorID: m.ID,
		RunID:     run.ID,
		Outcome:   monitor.OutcomeFail,
		Status:    monitor.StatusFailing,
		RateLimit: limit,
	}

	summary := fmt.Sprintf("monitor %q reported failure (exit code %d)", m.Name, *exitCode)
	s.openFaultIncident(ctx, m, incident.KindFail, incident.SeverityCritical, summary, now, &result)

	return result, nil
}

// defaultExitCode fills in the conventional code when the client omitted the
// parameter: 0 for success pings, 1 for fail pings.
func defaultExitCode(reported *int, fallback int) *int {
	if reported != nil {
		return reported
	}
	return &fallback
}

// cascadeLookback bounds how old an upstream fault can be and still suppress
// downstream alerts.
const cascadeLookback = time.Hour

// checkCascade looks for a live fault on m's upstream dependency. When one
// exists it returns the human-readable reason and true: the caller should
// open its incident at warning severity with a tagged summary and skip the
// alert, so one root cause does not fan out into a storm.
func checkCascade(ctx context.Context, monitors *monitor.Store, incidents *incident.Store, m monitor.Monitor, now time.Time) (string, bool, error) {
	if m.DependsOn == "" {
		return "", false, nil
	}
	upstream, live, err := incidents.OpenFaultSince(ctx, m.DependsOn, now.Add(-cascadeLookback))
	if err != nil || !live {
		return "", false, err
	}
	reason := fmt.Sprintf("upstream dependency failing (%s)", upstream.Kind)
	if up, err := monitors.Get(ctx, m.DependsOn); err == nil {
		reason = fmt.Sprintf("upstream dependency %q failing (%s)", up.Name, upstream.Kind)
	}
	return reason, true, nil
}

// openFaultIncident opens or merges a fault incident and fires the alert,
// unless the incident cascades from an upstream failure. Best-effort:
// incident-store errors log and the ping still succeeds.
func (s *Service) openFaultIncident(ctx context.Context, m monitor.Monitor, kind incident.Kind, severity incident.Severity, summary string, now time.Time, result *PingResult) {
	reason, cascaded, err := checkCascade(ctx, s.monitors, s.incidents, m, now)
	if err != nil {
		s.logger.Warn("cascade lookup failed", zap.String("monitor_id", m.ID), zap.Error(err))
	}
	if cascaded {
		severity = incident.SeverityWarning
		summary = "[SUPPRESSED] " + reason + ": " + summary
	}

	res, err := s.incidents.OpenOrMerge(ctx, m.ID, kind, severity, summary, "")
	if err != nil {
		s.logger.Error("open incident failed",
			zap.String("monitor_id", m.ID), zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	result.IncidentID = res.Incident.ID
	result.Suppressed = cascaded || res.Suppressed
	if res.Created {
		metrics.IncidentsOpenedTotal.WithLabelValues(string(kind)).Inc()
		if !result.Suppressed && s.notifier != nil {
			s.notifier.Notify(notify.EventIncidentOpened, res.Incident)
		}
	}
}

// captureOutput processes and stores the raw body when capture is enabled
// for the monitor. Best-effort with a bounded timeout: failures log and
// degrade, they never fail the ping.
func (s *Service) captureOutput(ctx context.Context, m monitor.Monitor, raw []byte, now time.Time) (string, *int64) {
	if !m.CaptureOutput || len(raw) == 0 || s.outputs == nil || s.processor == nil {
		return "", nil
	}

	processed, truncated := s.processor.Process(raw)
	if truncated {
		s.logger.Debug("capture truncated",
			zap.String("monitor_id", m.ID),
			zap.Int("raw_bytes", len(raw)),
			zap.Int("kept_bytes", len(processed)))
	}

	key := fmt.Sprintf("%s/%d", m.ID, now.UnixNano())

	uploadCtx, cancel := context.WithTimeout(ctx, outputUploadTimeout)
	defer cancel()
	if err := s.outputs.Upload(uploadCtx, key, processed); err != nil {
		s.logger.Warn("output upload failed, ping accepted anyway",
			zap.String("monitor_id", m.ID), zap.Error(err))
		return "", nil
	}

	size := int64(len(processed))
	return key, &size
}

func (s *Service) reportAnomaly(ctx context.Context, m monitor.Monitor, verdict anomaly.Verdict, result *PingResult) {
	if !verdict.Anomalous() {
		return
	}
	metrics.AnomaliesTotal.WithLabelValues(string(verdict.Severity)).Inc()

	res, err := s.incidents.OpenOrMerge(ctx, m.ID, incident.KindAnomaly, incidentSeverity(verdict.Severity), verdict.Reason, "")
	if err != nil {
		s.logger.Warn("open ANOMALY incident failed", zap.String("monitor_id", m.ID), zap.Error(err))
		return
	}
	if result.IncidentID == "" {
		result.IncidentID = res.Incident.ID
	}
	if res.Created {
		metrics.IncidentsOpenedTotal.WithLabelValues(string(incident.KindAnomaly)).Inc()
		if s.notifier != nil {
			s.notifier.Notify(notify.EventIncidentOpened, res.Incident)
		}
	}
}

// checkOutputDrop compares the new capture size against the trailing window.
func (s *Service) checkOutputDrop(ctx context.Context, m monitor.Monitor, current int64, result *PingResult) {
	history, err := s.monitors.RecentOutputSizes(ctx, m.ID, 8)
	if err != nil {
		s.logger.Warn("load output history failed", zap.String("monitor_id", m.ID), zap.Error(err))
		return
	}
	// The freshly written capture is at the head of the history.
	if len(history) > 0 && history[0] == current {
		history = history[1:]
	}

	verdict, evaluated := anomaly.EvaluateOutputSize(history, current, m.Thresholds.OutputDropFraction)
	if !evaluated || !verdict.Anomalous() {
		return
	}
	s.reportAnomaly(ctx, m, verdict, result)
}

func incidentSeverity(s anomaly.Severity) incident.Severity {
	if s == anomaly.SeverityCritical {
		return incident.SeverityCritical
	}
	return incident.SeverityWarning
}
