package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/marcus-qen/watchpost/internal/monitor"
)

// handleCreateMonitor registers a new monitor and returns it with its
// generated ping token.
func (s *Server) handleCreateMonitor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string              `json:"name"`
		Schedule       monitor.Schedule    `json:"schedule"`
		Thresholds     *monitor.Thresholds `json:"thresholds,omitempty"`
		CaptureOutput  bool                `json:"capture_output"`
		CaptureLimitKB int                 `json:"capture_limit_kb"`
		DependsOn      string              `json:"depends_on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	m := monitor.Monitor{
		Name:           req.Name,
		Schedule:       req.Schedule,
		CaptureOutput:  req.CaptureOutput,
		CaptureLimitKB: req.CaptureLimitKB,
		DependsOn:      req.DependsOn,
	}
	if req.Thresholds != nil {
		m.Thresholds = *req.Thresholds
	}

	created, err := s.monitors.Create(r.Context(), m)
	if err != nil {
		if errors.Is(err, monitor.ErrInvalidSchedule) {
			writeJSONError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
			return
		}
		if errors.Is(err, monitor.ErrUnknownDependency) {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "depends_on does not match an existing monitor")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	resp := struct {
		monitor.Monitor
		PingURL string `json:"ping_url,omitempty"`
	}{Monitor: created}
	if s.cfg.ExternalURL != "" {
		resp.PingURL = fmt.Sprintf("%s/ping/%s", s.cfg.ExternalURL, created.Token)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleListMonitors lists all monitors.
func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	monitors, err := s.monitors.List(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"monitors": monitors,
		"count":    len(monitors),
	})
}

func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadMonitor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleUpdateSchedule replaces a monitor's schedule and recomputes its
// next-due time.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var sched monitor.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	updated, err := s.monitors.UpdateSchedule(r.Context(), id, sched)
	if err != nil {
		switch {
		case errors.Is(err, monitor.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "not_found", "monitor not found")
		case errors.Is(err, monitor.ErrInvalidSchedule):
			writeJSONError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handlePauseMonitor disables a monitor; pings are rejected and the sweeper
// skips it until resumed.
func (s *Server) handlePauseMonitor(w http.ResponseWriter, r *http.Request) {
	s.setMonitorStatus(w, r, monitor.StatusDisabled)
}

// handleResumeMonitor re-enables a paused monitor.
func (s *Server) handleResumeMonitor(w http.ResponseWriter, r *http.Request) {
	s.setMonitorStatus(w, r, monitor.StatusOK)
}

func (s *Server) setMonitorStatus(w http.ResponseWriter, r *http.Request, status monitor.Status) {
	id := r.PathValue("id")
	if err := s.monitors.SetStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "monitor not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	m, err := s.monitors.Get(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleListRuns returns a monitor's run history, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadMonitor(w, r)
	if !ok {
		return
	}

	q := monitor.RunQuery{MonitorID: m.ID}
	params := r.URL.Query()
	if v := params.Get("outcome"); v != "" {
		q.Outcome = monitor.Outcome(v)
	}
	if v := params.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.StartedAfter = &t
		}
	}
	if v := params.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.StartedBefore = &t
		}
	}
	if v := params.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			q.Limit = n
		}
	}

	runs, err := s.monitors.ListRuns(r.Context(), q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleRunOutput streams the captured output of one run.
func (s *Server) handleRunOutput(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadMonitor(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("runId")

	runs, err := s.monitors.ListRuns(r.Context(), monitor.RunQuery{MonitorID: m.ID})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	var key string
	for _, run := range runs {
		if run.ID == runID {
			key = run.OutputKey
			break
		}
	}
	if key == "" {
		writeJSONError(w, http.StatusNotFound, "not_found", "no captured output for this run")
		return
	}

	data, err := s.outputs.Get(r.Context(), key)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "captured output is no longer available")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

// handleMonitorHealth computes the health score report for a monitor.
func (s *Server) handleMonitorHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	windowDays := 0
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "window must be a positive number of days")
			return
		}
		windowDays = n
	}

	report, err := s.scorer.Score(r.Context(), id, windowDays)
	if err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "monitor not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) loadMonitor(w http.ResponseWriter, r *http.Request) (monitor.Monitor, bool) {
	id := r.PathValue("id")
	m, err := s.monitors.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "monitor not found")
			return monitor.Monitor{}, false
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return monitor.Monitor{}, false
	}
	return m, true
}
