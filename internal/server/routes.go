package server

import (
	"net/http"

	"github.com/marcus-qen/watchpost/internal/metrics"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)

	// Ping ingestion. GET is supported so a bare curl in a crontab works.
	mux.HandleFunc("GET /ping/{token}", s.handlePing)
	mux.HandleFunc("POST /ping/{token}", s.handlePing)
	mux.HandleFunc("GET /ping/{token}/{state}", s.handlePing)
	mux.HandleFunc("POST /ping/{token}/{state}", s.handlePing)

	// Monitors
	mux.HandleFunc("GET /api/v1/monitors", s.handleListMonitors)
	mux.HandleFunc("POST /api/v1/monitors", s.handleCreateMonitor)
	mux.HandleFunc("GET /api/v1/monitors/{id}", s.handleGetMonitor)
	mux.HandleFunc("PUT /api/v1/monitors/{id}/schedule", s.handleUpdateSchedule)
	mux.HandleFunc("POST /api/v1/monitors/{id}/pause", s.handlePauseMonitor)
	mux.HandleFunc("POST /api/v1/monitors/{id}/resume", s.handleResumeMonitor)
	mux.HandleFunc("GET /api/v1/monitors/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/monitors/{id}/runs/{runId}/output", s.handleRunOutput)
	mux.HandleFunc("GET /api/v1/monitors/{id}/health", s.handleMonitorHealth)

	// Incidents
	mux.HandleFunc("GET /api/v1/incidents", s.handleListIncidents)
	mux.HandleFunc("GET /api/v1/incidents/{id}", s.handleGetIncident)
	mux.HandleFunc("POST /api/v1/incidents/{id}/ack", s.handleAckIncident)
	mux.HandleFunc("POST /api/v1/incidents/{id}/snooze", s.handleSnoozeIncident)
	mux.HandleFunc("POST /api/v1/incidents/{id}/unsnooze", s.handleUnsnoozeIncident)
	mux.HandleFunc("POST /api/v1/incidents/{id}/resolve", s.handleResolveIncident)
	mux.HandleFunc("POST /api/v1/incidents/{id}/notes", s.handleAddNote)

	// Webhooks
	mux.HandleFunc("GET /api/v1/webhooks", s.handleListWebhooks)
	mux.HandleFunc("POST /api/v1/webhooks", s.handleRegisterWebhook)
	mux.HandleFunc("DELETE /api/v1/webhooks/{id}", s.handleRemoveWebhook)

	// Prometheus metrics
	mux.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	})
}
