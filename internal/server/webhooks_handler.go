package server

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/marcus-qen/watchpost/internal/notify"
)

// handleRegisterWebhook registers an alert webhook.
func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events,omitempty"`
		Secret string   `json:"secret,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "url must be a valid http(s) URL")
		return
	}
	events := req.Events
	if len(events) == 0 {
		events = []string{"*"}
	}

	cfg := s.webhooks.Register(notify.WebhookConfig{
		URL:     req.URL,
		Events:  events,
		Secret:  req.Secret,
		Enabled: true,
	})
	cfg.Secret = "" // never echo the signing secret
	writeJSON(w, http.StatusCreated, cfg)
}

// handleListWebhooks lists registered webhooks with secrets elided.
func (s *Server) handleListWebhooks(w http.ResponseWriter, _ *http.Request) {
	hooks := s.webhooks.List()
	for i := range hooks {
		if hooks[i].Secret != "" {
			hooks[i].Secret = "********"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"webhooks": hooks,
		"count":    len(hooks),
	})
}

// handleRemoveWebhook deletes a webhook registration.
func (s *Server) handleRemoveWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, cfg := range s.webhooks.List() {
		if cfg.ID == id {
			s.webhooks.Remove(id)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, "not_found", "webhook not found")
}
