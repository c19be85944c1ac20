// Package notify dispatches incident alerts to registered webhook endpoints.
// Dispatch is fire-and-forget: the ping path never blocks on, or fails
// because of, alert delivery.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/watchpost/internal/incident"
	"github.com/marcus-qen/watchpost/internal/metrics"
)

// Event names a lifecycle moment that webhooks can subscribe to.
const (
	EventIncidentOpened       = "incident.opened"
	EventIncidentAcknowledged = "incident.acknowledged"
	EventIncidentSnoozed      = "incident.snoozed"
	EventIncidentResolved     = "incident.resolved"
)

// WebhookConfig holds a registered webhook endpoint.
type WebhookConfig struct {
	ID      string   `json:"id"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Secret  string   `json:"secret,omitempty"`
	Enabled bool     `json:"enabled"`
}

// Payload is the JSON body sent to webhook endpoints.
type Payload struct {
	ID        string            `json:"id"`
	Event     string            `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	MonitorID string            `json:"monitor_id"`
	Incident  incident.Incident `json:"incident"`
	Summary   string            `json:"summary"`
}

// AlertRecorder receives delivery outcomes for the incident timeline.
type AlertRecorder interface {
	RecordAlert(ctx context.Context, incidentID string, delivered bool, detail string) error
}

// Delivery queue sizing. Ingestion never blocks on delivery; when the queue
// is full the delivery is dropped and counted.
const (
	queueDepth      = 256
	deliveryWorkers = 4
)

type delivery struct {
	cfg     WebhookConfig
	payload Payload
}

// Notifier manages webhook registrations and dispatch.
type Notifier struct {
	mu         sync.RWMutex
	items      map[string]WebhookConfig
	httpClient *http.Client
	recorder   AlertRecorder
	router     *Router
	queue      chan delivery
	closeOnce  sync.Once
	logger     *zap.Logger
}

// NewNotifier creates a notifier and starts its delivery workers. recorder
// may be nil; delivery outcomes are then only logged.
func NewNotifier(recorder AlertRecorder, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		items:      make(map[string]WebhookConfig),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		recorder:   recorder,
		queue:      make(chan delivery, queueDepth),
		logger:     logger.Named("notify"),
	}
	for i := 0; i < deliveryWorkers; i++ {
		go n.worker()
	}
	return n
}

// Close stops the delivery workers. Pending queued deliveries are still sent.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() { close(n.queue) })
}

func (n *Notifier) worker() {
	for d := range n.queue {
		n.deliver(d.cfg, d.payload)
	}
}

// SetRouter attaches a channel router; every incident event is then also
// dispatched to the operator's direct channels.
func (n *Notifier) SetRouter(router *Router) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.router = router
}

// Register adds or updates a webhook configuration and returns its id.
func (n *Notifier) Register(cfg WebhookConfig) string {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.items == nil {
		n.items = make(map[string]WebhookConfig)
	}
	n.items[cfg.ID] = cfg
	return cfg.ID
}

// Remove deletes a webhook configuration.
func (n *Notifier) Remove(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.items, id)
}

// List returns all registered webhook configurations.
func (n *Notifier) List() []WebhookConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]WebhookConfig, 0, len(n.items))
	for _, cfg := range n.items {
		out = append(out, cfg)
	}
	return out
}

// Notify fans an incident event out to all enabled webhooks subscribed to
// it. Each delivery runs on its own goroutine.
func (n *Notifier) Notify(event string, inc incident.Incident) {
	n.mu.RLock()
	router := n.router
	webhooks := make([]WebhookConfig, 0, len(n.items))
	for _, cfg := range n.items {
		if !cfg.Enabled {
			continue
		}
		if !containsEvent(cfg.Events, event) {
			continue
		}
		webhooks = append(webhooks, cfg)
	}
	n.mu.RUnlock()

	if router != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			router.Notify(ctx, MessageFor(event, inc))
		}()
	}

	if len(webhooks) == 0 {
		return
	}

	timestamp := time.Now().UTC()
	for _, cfg := range webhooks {
		payload := Payload{
			ID:        uuid.NewString(),
			Event:     event,
			Timestamp: timestamp,
			MonitorID: inc.MonitorID,
			Incident:  inc,
			Summary:   inc.Summary,
		}
		select {
		case n.queue <- delivery{cfg: cfg, payload: payload}:
		default:
			metrics.AlertsDroppedTotal.Inc()
			n.logger.Warn("alert queue full, dropping delivery",
				zap.String("webhook_id", cfg.ID),
				zap.String("event", event),
				zap.String("incident_id", inc.ID))
		}
	}
}

// deliver posts a payload to one endpoint, retrying once, and records the
// outcome on the incident timeline.
func (n *Notifier) deliver(cfg WebhookConfig, payload Payload) {
	err := n.sendWithRetry(cfg, payload)

	detail := fmt.Sprintf("%s via %s", payload.Event, cfg.URL)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			zap.String("webhook_id", cfg.ID),
			zap.String("event", payload.Event),
			zap.String("incident_id", payload.Incident.ID),
			zap.Error(err))
		detail = fmt.Sprintf("%s: %v", detail, err)
	}

	if n.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if recErr := n.recorder.RecordAlert(ctx, payload.Incident.ID, err == nil, detail); recErr != nil {
			n.logger.Warn("failed to record alert event",
				zap.String("incident_id", payload.Incident.ID),
				zap.Error(recErr))
		}
	}
}

func (n *Notifier) sendWithRetry(cfg WebhookConfig, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	client := n.client()

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		req, err := http.NewRequest(http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if cfg.Secret != "" {
			req.Header.Set("X-Watchpost-Signature", signature(cfg.Secret, body))
		}

		resp, err := client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
	}

	return lastErr
}

func (n *Notifier) client() *http.Client {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.httpClient != nil {
		return n.httpClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func containsEvent(events []string, target string) bool {
	for _, e := range events {
		if e == target || e == "*" {
			return true
		}
	}
	return false
}

func signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
