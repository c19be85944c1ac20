package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchpost/internal/incident"
)

// Channel is a direct notification backend. Unlike registered webhooks,
// channels are configured by the operator and receive every incident event
// matching their severity route.
type Channel interface {
	// Send delivers a notification. Returns an error if delivery fails.
	Send(ctx context.Context, msg Message) error

	// Type returns the channel type name.
	Type() string
}

// Message is a rendered incident notification.
type Message struct {
	MonitorID string
	Event     string
	Kind      incident.Kind
	Severity  incident.Severity
	Title     string
	Body      string
	Timestamp time.Time
}

// MessageFor renders an incident event into a channel message.
func MessageFor(event string, inc incident.Incident) Message {
	return Message{
		MonitorID: inc.MonitorID,
		Event:     event,
		Kind:      inc.Kind,
		Severity:  inc.Severity,
		Title:     fmt.Sprintf("%s %s", inc.Kind, event),
		Body:      inc.Summary,
		Timestamp: time.Now().UTC(),
	}
}

// --- Slack ---

// SlackChannel sends notifications to Slack via incoming webhook.
type SlackChannel struct {
	WebhookURL string
	Channel    string // optional override
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL, channel string) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		Channel:    channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("*[%s] %s %s* %s\n%s",
		strings.ToUpper(string(msg.Severity)), msg.Kind, msg.Event, msg.Title, msg.Body)

	payload := map[string]any{
		"text": text,
	}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	return postJSON(ctx, s.client, "slack", s.WebhookURL, payload)
}

// --- Telegram ---

// TelegramChannel sends notifications via the Telegram Bot API.
type TelegramChannel struct {
	BotToken string
	ChatID   string
	// BaseURL overrides the Telegram API host, for tests.
	BaseURL string
	client  *http.Client
}

// NewTelegramChannel creates a Telegram notification channel.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		BotToken: botToken,
		ChatID:   chatID,
		BaseURL:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramChannel) Type() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("*\\[%s\\] %s %s*\n%s\n\n%s",
		strings.ToUpper(escapeMarkdown(string(msg.Severity))),
		escapeMarkdown(string(msg.Kind)),
		escapeMarkdown(msg.Event),
		escapeMarkdown(msg.Title),
		escapeMarkdown(msg.Body),
	)

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.BotToken)
	payload := map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	}
	return postJSON(ctx, t.client, "telegram", url, payload)
}

// postJSON posts payload to url and treats any non-200 response as an error.
func postJSON(ctx context.Context, client *http.Client, label, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s payload: %w", label, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", label, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s send: %w", label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned %d: %s", label, resp.StatusCode, string(respBody))
	}
	return nil
}

// --- Email ---

// EmailChannel sends notifications via SMTP.
type EmailChannel struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string
}

// NewEmailChannel creates an email notification channel.
func NewEmailChannel(host string, port int, from string, to []string, username, password string) *EmailChannel {
	return &EmailChannel{
		Host:     host,
		Port:     port,
		From:     from,
		To:       to,
		Username: username,
		Password: password,
	}
}

func (e *EmailChannel) Type() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, msg Message) error {
	subject := fmt.Sprintf("[watchpost %s] %s %s", strings.ToUpper(string(msg.Severity)), msg.Kind, msg.Event)
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\n\nMonitor: %s\nTime: %s",
		e.From,
		strings.Join(e.To, ","),
		subject,
		msg.Body,
		msg.MonitorID,
		msg.Timestamp.Format(time.RFC3339),
	)

	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}

	return smtp.SendMail(addr, auth, e.From, e.To, []byte(body))
}

// --- Router ---

// SeverityRoute maps incident severities to channels.
type SeverityRoute struct {
	Warning  []Channel
	Critical []Channel
}

// Router dispatches incident notifications to channels based on severity.
// A per-monitor rate limit keeps a flapping monitor from flooding the
// operator's channels.
type Router struct {
	routes  SeverityRoute
	limiter *ChannelRateLimiter
	logger  *zap.Logger
}

// NewRouter creates a notification router. limiter may be nil to disable
// rate limiting.
func NewRouter(routes SeverityRoute, limiter *ChannelRateLimiter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{routes: routes, limiter: limiter, logger: logger.Named("channels")}
}

// Notify sends a message to all channels matching its severity.
func (r *Router) Notify(ctx context.Context, msg Message) []error {
	channels := r.channelsForSeverity(msg.Severity)
	if len(channels) == 0 {
		return nil
	}

	if r.limiter != nil && !r.limiter.Allow(msg.MonitorID) {
		r.logger.Info("notification rate-limited", zap.String("monitor_id", msg.MonitorID))
		return nil
	}

	var errs []error
	for _, ch := range channels {
		if err := ch.Send(ctx, msg); err != nil {
			r.logger.Warn("channel delivery failed",
				zap.String("type", ch.Type()),
				zap.String("monitor_id", msg.MonitorID),
				zap.Error(err))
			errs = append(errs, err)
		} else {
			r.logger.Info("channel delivered",
				zap.String("type", ch.Type()),
				zap.String("monitor_id", msg.MonitorID),
				zap.String("severity", string(msg.Severity)))
		}
	}
	return errs
}

func (r *Router) channelsForSeverity(severity incident.Severity) []Channel {
	switch severity {
	case incident.SeverityCritical:
		// Critical goes to every route.
		var all []Channel
		all = append(all, r.routes.Critical...)
		all = append(all, r.routes.Warning...)
		return all
	default:
		return r.routes.Warning
	}
}

// --- Rate Limiter ---

// ChannelRateLimiter limits notifications per monitor per hour.
type ChannelRateLimiter struct {
	maxPerHour int
	mu         sync.Mutex
	counts     map[string][]time.Time
}

// NewChannelRateLimiter creates a limiter with the given per-monitor hourly cap.
func NewChannelRateLimiter(maxPerHour int) *ChannelRateLimiter {
	return &ChannelRateLimiter{
		maxPerHour: maxPerHour,
		counts:     make(map[string][]time.Time),
	}
}

// Allow reports whether the monitor is within its hourly budget and, if so,
// consumes one slot.
func (rl *ChannelRateLimiter) Allow(monitorID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-1 * time.Hour)

	recent := make([]time.Time, 0, len(rl.counts[monitorID]))
	for _, t := range rl.counts[monitorID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxPerHour {
		rl.counts[monitorID] = recent
		return false
	}

	rl.counts[monitorID] = append(recent, now)
	return true
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"(", "\\(",
		")", "\\)",
		"~", "\\~",
		"`", "\\`",
		">", "\\>",
		"#", "\\#",
		"+", "\\+",
		"-", "\\-",
		"=", "\\=",
		"|", "\\|",
		"{", "\\{",
		"}", "\\}",
		".", "\\.",
		"!", "\\!",
	)
	return replacer.Replace(s)
}
