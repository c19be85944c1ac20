package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/marcus-qen/watchpost/internal/incident"
	"github.com/marcus-qen/watchpost/internal/notify"
)

// handleListIncidents lists incidents with optional filters.
func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	f := incident.Filter{}
	q := r.URL.Query()

	if v := q.Get("monitor"); v != "" {
		f.MonitorID = v
	}
	if v := q.Get("kind"); v != "" {
		f.Kind = incident.Kind(v)
	}
	if v := q.Get("status"); v != "" {
		f.Status = incident.Status(v)
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}

	incidents, err := s.incidents.List(r.Context(), f)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// handleGetIncident returns a single incident with its timeline.
func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	inc, err := s.incidents.Get(r.Context(), id)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	timeline, err := s.incidents.Timeline(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incident": inc,
		"timeline": timeline,
	})
}

// handleAckIncident acknowledges an open incident.
func (s *Server) handleAckIncident(w http.ResponseWriter, r *http.Request) {
	actor := s.requireActor(w, r)
	if actor == "" {
		return
	}

	inc, err := s.incidents.Acknowledge(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	s.webhooks.Notifier().Notify(notify.EventIncidentAcknowledged, inc)
	writeJSON(w, http.StatusOK, inc)
}

// handleSnoozeIncident suppresses alerts for an incident until a deadline.
func (s *Server) handleSnoozeIncident(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string    `json:"actor"`
		Until  time.Time `json:"until"`
		Reason string    `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Actor == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "actor is required")
		return
	}
	if req.Until.IsZero() {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "until is required")
		return
	}

	inc, err := s.incidents.Snooze(r.Context(), r.PathValue("id"), req.Until, req.Actor, req.Reason)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	s.webhooks.Notifier().Notify(notify.EventIncidentSnoozed, inc)
	writeJSON(w, http.StatusOK, inc)
}

// handleUnsnoozeIncident lifts a snooze before its deadline.
func (s *Server) handleUnsnoozeIncident(w http.ResponseWriter, r *http.Request) {
	actor := s.requireActor(w, r)
	if actor == "" {
		return
	}

	inc, err := s.incidents.Unsnooze(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// handleResolveIncident closes an incident manually.
func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor   string `json:"actor"`
		Summary string `json:"summary,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Actor == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "actor is required")
		return
	}

	inc, err := s.incidents.Resolve(r.Context(), r.PathValue("id"), req.Actor, req.Summary)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	s.webhooks.Notifier().Notify(notify.EventIncidentResolved, inc)
	writeJSON(w, http.StatusOK, inc)
}

// handleAddNote appends a note to an incident's timeline.
func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
		Note  string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Actor == "" || req.Note == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "actor and note are required")
		return
	}

	inc, err := s.incidents.AddNote(r.Context(), r.PathValue("id"), req.Actor, req.Note)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// requireActor decodes the {"actor": ...} body shared by ack and unsnooze.
func (s *Server) requireActor(w http.ResponseWriter, r *http.Request) string {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return ""
	}
	if req.Actor == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "actor is required")
		return ""
	}
	return req.Actor
}

func (s *Server) writeIncidentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "incident not found")
	case errors.Is(err, incident.ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
