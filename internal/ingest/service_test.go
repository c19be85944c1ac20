package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/watchpost/internal/anomaly"
	"github.com/marcus-qen/watchpost/internal/incident"
	"github.com/marcus-qen/watchpost/internal/monitor"
	"github.com/marcus-qen/watchpost/internal/output"
	"github.com/marcus-qen/watchpost/internal/ratelimit"
)

type capturedNotification struct {
	event    string
	incident incident.Incident
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []capturedNotification
}

func (f *fakeNotifier) Notify(event string, inc incident.Incident) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, capturedNotification{event: event, incident: inc})
}

func (f *fakeNotifier) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.event
	}
	return out
}

type testEnv struct {
	monitors  *monitor.Store
	incidents *incident.Store
	notifier  *fakeNotifier
	service   *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	monitors, err := monitor.NewStore(filepath.Join(dir, "monitors.db"))
	if err != nil {
		t.Fatalf("monitor store: %v", err)
	}
	t.Cleanup(func() { _ = monitors.Close() })

	incidents, err := incident.NewStore(filepath.Join(dir, "incidents.db"))
	if err != nil {
		t.Fatalf("incident store: %v", err)
	}
	t.Cleanup(func() { _ = incidents.Close() })

	limiter, err := ratelimit.New(monitors.DB(), 60, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}

	outputs, err := output.NewFileStore(filepath.Join(dir, "captures"))
	if err != nil {
		t.Fatalf("output store: %v", err)
	}
	processor, err := output.NewProcessor(64, nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	notifier := &fakeNotifier{}
	return &testEnv{
		monitors:  monitors,
		incidents: incidents,
		notifier:  notifier,
		service:   NewService(monitors, incidents, limiter, outputs, processor, notifier, nil),
	}
}

func (e *testEnv) createMonitor(t *testing.T, mutate func(*monitor.Monitor)) monitor.Monitor {
	t.Helper()
	m := monitor.Monitor{
		Name: "nightly-backup",
		Schedule: monitor.Schedule{
			Kind:        monitor.ScheduleInterval,
			IntervalSec: 300,
			GraceSec:    60,
		},
	}
	if mutate != nil {
		mutate(&m)
	}
	created, err := e.monitors.Create(context.Background(), m)
	if err != nil {
		t.Fatalf("create monitor: %v", err)
	}
	return created
}

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }

func TestPingUnknownToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Ping(context.Background(), PingRequest{Token: "bogus", State: StateSuccess})
	if !errors.Is(err, monitor.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPingDisabledMonitor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)

	if err := env.monitors.SetStatus(ctx, m.ID, monitor.StatusDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}

	_, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess})
	if !errors.Is(err, monitor.ErrDisabled) {
		t.Fatalf("got %v, want ErrDisabled", err)
	}
}

func TestPingInvalidState(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMonitor(t, nil)

	_, err := env.service.Ping(context.Background(), PingRequest{Token: m.Token, State: "finished"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestPingSuccessRecordsRunAndSchedule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)

	res, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(1200)})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.Outcome != monitor.OutcomeSuccess || res.Status != monitor.StatusOK {
		t.Fatalf("outcome=%s status=%s, want SUCCESS/OK", res.Outcome, res.Status)
	}

	got, err := env.monitors.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stats.Count != 1 {
		t.Fatalf("stats count = %d, want 1", got.Stats.Count)
	}
	if got.NextDueAt == nil || got.LastRunAt == nil {
		t.Fatal("schedule fields not updated")
	}
	wantDue := got.LastRunAt.Add(5 * time.Minute)
	if !got.NextDueAt.Equal(wantDue) {
		t.Fatalf("next due = %v, want %v", got.NextDueAt, wantDue)
	}
}

func TestPingStartThenSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)

	startRes, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateStart})
	if err != nil {
		t.Fatalf("start ping: %v", err)
	}
	if startRes.Outcome != monitor.OutcomeStarted {
		t.Fatalf("outcome = %s, want STARTED", startRes.Outcome)
	}

	doneRes, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess})
	if err != nil {
		t.Fatalf("success ping: %v", err)
	}
	if doneRes.RunID != startRes.RunID {
		t.Fatalf("success created run %s instead of completing %s", doneRes.RunID, startRes.RunID)
	}

	runs, err := env.monitors.ListRuns(ctx, monitor.RunQuery{MonitorID: m.ID})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].DurationMs == nil {
		t.Fatal("duration not derived from start/success pair")
	}
}

func TestPingFailOpensIncident(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)

	res, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateFail, ExitCode: intPtr(2)})
	if err != nil {
		t.Fatalf("fail ping: %v", err)
	}
	if res.Status != monitor.StatusFailing {
		t.Fatalf("status = %s, want FAILING", res.Status)
	}
	if res.IncidentID == "" {
		t.Fatal("no incident opened")
	}

	inc, err := env.incidents.Get(ctx, res.IncidentID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if inc.Kind != incident.KindFail || inc.Status != incident.StatusOpen {
		t.Fatalf("incident = %s/%s, want FAIL/OPEN", inc.Kind, inc.Status)
	}

	events := env.notifier.events()
	if len(events) != 1 || events[0] != "incident.opened" {
		t.Fatalf("notifications = %v, want [incident.opened]", events)
	}
}

func TestPingFailTwiceMergesIncident(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)

	first, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateFail})
	if err != nil {
		t.Fatalf("first fail: %v", err)
	}
	second, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateFail})
	if err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if second.IncidentID != first.IncidentID {
		t.Fatalf("second failure opened new incident %s, want merge into %s", second.IncidentID, first.IncidentID)
	}

	// Only the first detection alerts.
	if events := env.notifier.events(); len(events) != 1 {
		t.Fatalf("notifications = %v, want exactly one", events)
	}
}

func TestFailThenSuccessAutoResolves(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)

	failRes, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateFail})
	if err != nil {
		t.Fatalf("fail ping: %v", err)
	}

	okRes, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(900)})
	if err != nil {
		t.Fatalf("success ping: %v", err)
	}
	if len(okRes.Resolved) != 1 || okRes.Resolved[0] != failRes.IncidentID {
		t.Fatalf("resolved = %v, want [%s]", okRes.Resolved, failRes.IncidentID)
	}
	if okRes.Status != monitor.StatusOK {
		t.Fatalf("status = %s, want OK", okRes.Status)
	}

	inc, err := env.incidents.Get(ctx, failRes.IncidentID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if inc.Status != incident.StatusResolved {
		t.Fatalf("incident status = %s, want RESOLVED", inc.Status)
	}

	events := env.notifier.events()
	if len(events) != 2 || events[1] != "incident.resolved" {
		t.Fatalf("notifications = %v, want opened then resolved", events)
	}
}

func TestPingRateLimited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)
	other := env.createMonitor(t, func(c *monitor.Monitor) { c.Name = "other-job" })

	for i := 0; i < 60; i++ {
		if _, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(100)}); err != nil {
			t.Fatalf("ping %d: %v", i, err)
		}
	}

	_, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess})
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("61st ping: got %v, want RateLimitError", err)
	}
	if rle.Result.Remaining != 0 || rle.Result.Limit != 60 {
		t.Fatalf("limit result = %+v", rle.Result)
	}

	// The rejected ping left no Run behind.
	runs, err := env.monitors.ListRuns(ctx, monitor.RunQuery{MonitorID: m.ID, Limit: 100})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 60 {
		t.Fatalf("got %d runs, want 60", len(runs))
	}

	// A different token in the same window is unaffected.
	if _, err := env.service.Ping(ctx, PingRequest{Token: other.Token, State: StateSuccess}); err != nil {
		t.Fatalf("other token: %v", err)
	}
}

func TestAnomalousDurationOpensIncident(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)

	// Build a baseline: ten runs alternating 900/1100ms, mean 1000 with
	// stddev 100 and median 1000.
	for i := 0; i < 10; i++ {
		d := int64(900)
		if i%2 == 1 {
			d = 1100
		}
		if _, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(d)}); err != nil {
			t.Fatalf("baseline ping %d: %v", i, err)
		}
	}

	// 1200ms: z=2.0 against the stored baseline, normal.
	res, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(1200)})
	if err != nil {
		t.Fatalf("normal ping: %v", err)
	}
	if res.Anomaly == nil || res.Anomaly.Anomalous() {
		t.Fatalf("1200ms flagged anomalous: %+v", res.Anomaly)
	}

	// 2000ms: far beyond both rules.
	res, err = env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(2000)})
	if err != nil {
		t.Fatalf("anomalous ping: %v", err)
	}
	if res.Anomaly == nil || !res.Anomaly.Anomalous() {
		t.Fatalf("2000ms not flagged: %+v", res.Anomaly)
	}
	if res.IncidentID == "" {
		t.Fatal("no ANOMALY incident opened")
	}

	inc, err := env.incidents.Get(ctx, res.IncidentID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if inc.Kind != incident.KindAnomaly {
		t.Fatalf("incident kind = %s, want ANOMALY", inc.Kind)
	}

	// The anomalous run itself is still recorded as a success.
	runs, err := env.monitors.ListRuns(ctx, monitor.RunQuery{MonitorID: m.ID, Limit: 1})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if runs[0].Outcome != monitor.OutcomeSuccess {
		t.Fatalf("anomalous run outcome = %s, want SUCCESS", runs[0].Outcome)
	}
}

func TestInsufficientBaselineSkipsAnomalyWork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)

	// Fewer than ten observations: even a wild duration is not anomalous.
	for _, d := range []int64{1000, 1000, 1000} {
		if _, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(d)}); err != nil {
			t.Fatalf("ping: %v", err)
		}
	}
	res, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(1_000_000)})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.Anomaly == nil || res.Anomaly.Classification != anomaly.InsufficientBaseline {
		t.Fatalf("anomaly = %+v, want insufficient baseline", res.Anomaly)
	}
	if res.IncidentID != "" {
		t.Fatal("incident opened without a baseline")
	}
}

// backdateNextDue rewrites a monitor's next-due time so the following ping
// is observed at a chosen offset into (or past) the grace window.
func (e *testEnv) backdateNextDue(t *testing.T, monitorID string, by time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-by).Format(time.RFC3339Nano)
	if _, err := e.monitors.DB().Exec(`UPDATE monitors SET next_due_at = ? WHERE id = ?`, past, monitorID); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestSuccessPastGraceRecordedAsLate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil) // grace 60s

	if _, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(500)}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	// Five minutes past due is well beyond the 60s grace window.
	env.backdateNextDue(t, m.ID, 5*time.Minute)

	res, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(500)})
	if err != nil {
		t.Fatalf("late ping: %v", err)
	}
	if res.Outcome != monitor.OutcomeLate {
		t.Fatalf("outcome = %s, want LATE", res.Outcome)
	}
	if res.Status != monitor.StatusLate {
		t.Fatalf("status = %s, want LATE", res.Status)
	}
	if res.IncidentID == "" {
		t.Fatal("no LATE incident opened")
	}

	inc, err := env.incidents.Get(ctx, res.IncidentID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if inc.Kind != incident.KindLate || inc.Severity != incident.SeverityWarning {
		t.Fatalf("incident = %s/%s, want LATE/warning", inc.Kind, inc.Severity)
	}
}

func TestSuccessWithinGraceIsOnTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, func(m *monitor.Monitor) {
		m.Schedule.GraceSec = 3600
	})

	if _, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(500)}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	// Past due but still inside the hour of grace.
	env.backdateNextDue(t, m.ID, time.Minute)

	res, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(500)})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.Outcome != monitor.OutcomeSuccess {
		t.Fatalf("outcome = %s, want SUCCESS", res.Outcome)
	}
	if res.Status != monitor.StatusOK {
		t.Fatalf("status = %s, want OK", res.Status)
	}
	if res.IncidentID != "" {
		t.Fatalf("unexpected incident %s for an in-grace success", res.IncidentID)
	}
}

func TestLateSuccessKeepsFaultIncidentsOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)

	failRes, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateFail})
	if err != nil {
		t.Fatalf("fail ping: %v", err)
	}
	env.backdateNextDue(t, m.ID, 5*time.Minute)

	lateRes, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(500)})
	if err != nil {
		t.Fatalf("late ping: %v", err)
	}
	if len(lateRes.Resolved) != 0 {
		t.Fatalf("late success resolved %v, want nothing", lateRes.Resolved)
	}

	inc, err := env.incidents.Get(ctx, failRes.IncidentID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if inc.Status != incident.StatusOpen {
		t.Fatalf("FAIL incident status = %s, want OPEN after a late success", inc.Status)
	}
}

func TestOutputCaptureStoredAndRedacted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, func(c *monitor.Monitor) {
		c.CaptureOutput = true
		c.CaptureLimitKB = 4
	})

	_, err := env.service.Ping(ctx, PingRequest{
		Token:      m.Token,
		State:      StateSuccess,
		DurationMs: int64Ptr(800),
		Output:     []byte("uploaded 42 files\npassword=hunter2\n"),
	})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}

	runs, err := env.monitors.ListRuns(ctx, monitor.RunQuery{MonitorID: m.ID})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	run := runs[0]
	if run.OutputKey == "" || run.SizeBytes == nil {
		t.Fatalf("capture not recorded on run: %+v", run)
	}
}

func TestOutputCaptureDisabledByDefault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)

	_, err := env.service.Ping(ctx, PingRequest{
		Token:  m.Token,
		State:  StateSuccess,
		Output: []byte("should be dropped"),
	})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}

	runs, err := env.monitors.ListRuns(ctx, monitor.RunQuery{MonitorID: m.ID})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if runs[0].OutputKey != "" {
		t.Fatal("output captured despite the toggle being off")
	}
}

func TestExitCodeDefaultsWhenOmitted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)

	if _, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateSuccess, DurationMs: int64Ptr(200)}); err != nil {
		t.Fatalf("success ping: %v", err)
	}
	if _, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateFail}); err != nil {
		t.Fatalf("fail ping: %v", err)
	}
	if _, err := env.service.Ping(ctx, PingRequest{Token: m.Token, State: StateFail, ExitCode: intPtr(7)}); err != nil {
		t.Fatalf("fail ping with code: %v", err)
	}

	runs, err := env.monitors.ListRuns(ctx, monitor.RunQuery{MonitorID: m.ID})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	// Newest first: explicit 7, then the defaulted fail (1) and success (0).
	for i, want := range []int{7, 1, 0} {
		if runs[i].ExitCode == nil || *runs[i].ExitCode != want {
			t.Fatalf("run %d exit code = %v, want %d", i, runs[i].ExitCode, want)
		}
	}
}

func TestConcurrentPingsSameToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMonitor(t, nil)

	const workers = 4
	const pingsPerWorker = 10

	errCh := make(chan error, workers*pingsPerWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < pingsPerWorker; i++ {
				_, err := env.service.Ping(ctx, PingRequest{
					Token:      m.Token,
					State:      StateSuccess,
					DurationMs: int64Ptr(150),
				})
				if err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent ping: %v", err)
	}

	got, err := env.monitors.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("reload monitor: %v", err)
	}
	if got.Stats.Count != workers*pingsPerWorker {
		t.Fatalf("duration count = %d, want %d", got.Stats.Count, workers*pingsPerWorker)
	}
}

func TestCascadeSuppressesDownstreamAlert(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	up := env.createMonitor(t, func(m *monitor.Monitor) { m.Name = "etl-extract" })
	down := env.createMonitor(t, func(m *monitor.Monitor) {
		m.Name = "etl-load"
		m.DependsOn = up.ID
	})

	if _, err := env.service.Ping(ctx, PingRequest{Token: up.Token, State: StateFail}); err != nil {
		t.Fatalf("upstream fail: %v", err)
	}
	res, err := env.service.Ping(ctx, PingRequest{Token: down.Token, State: StateFail})
	if err != nil {
		t.Fatalf("downstream fail: %v", err)
	}

	if !res.Suppressed {
		t.Fatal("downstream incident not suppressed while upstream is failing")
	}
	inc, err := env.incidents.Get(ctx, res.IncidentID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if inc.Severity != incident.SeverityWarning {
		t.Fatalf("severity = %s, want warning for a cascaded incident", inc.Severity)
	}
	if !strings.HasPrefix(inc.Summary, "[SUPPRESSED]") {
		t.Fatalf("summary = %q, want the suppression tag", inc.Summary)
	}

	// Only the upstream failure alerts.
	events := env.notifier.events()
	if len(events) != 1 || events[0] != "incident.opened" {
		t.Fatalf("notifications = %v, want only the upstream alert", events)
	}
}

func TestDownstreamAlertsWhenUpstreamHealthy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	up := env.createMonitor(t, nil)
	down := env.createMonitor(t, func(m *monitor.Monitor) {
		m.Name = "downstream-report"
		m.DependsOn = up.ID
	})

	res, err := env.service.Ping(ctx, PingRequest{Token: down.Token, State: StateFail})
	if err != nil {
		t.Fatalf("downstream fail: %v", err)
	}
	if res.Suppressed {
		t.Fatal("incident suppressed with no upstream fault")
	}
	inc, err := env.incidents.Get(ctx, res.IncidentID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if inc.Severity != incident.SeverityCritical {
		t.Fatalf("severity = %s, want critical", inc.Severity)
	}
	if events := env.notifier.events(); len(events) != 1 {
		t.Fatalf("notifications = %v, want the downstream alert", events)
	}
}

func TestCreateMonitorRejectsUnknownDependency(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.monitors.Create(context.Background(), monitor.Monitor{
		Name: "orphan",
		Schedule: monitor.Schedule{
			Kind:        monitor.ScheduleInterval,
			IntervalSec: 300,
			GraceSec:    60,
		},
		DependsOn: "no-such-monitor",
	})
	if !errors.Is(err, monitor.ErrUnknownDependency) {
		t.Fatalf("err = %v, want ErrUnknownDependency", err)
	}
}
