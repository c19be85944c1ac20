// Package config provides configuration loading for the watchpost server.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all server configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases and output captures (default "/var/lib/watchpost")
	DataDir string `json:"data_dir"`

	// TLS settings
	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`

	// Rate limiting for ping ingestion
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	// Output capture
	Capture CaptureConfig `json:"capture,omitempty"`

	// Direct notification channels (Slack, Telegram, email)
	Channels ChannelsConfig `json:"channels,omitempty"`

	// Sweep interval for the missed-check evaluator, in seconds (default 30)
	SweepIntervalSec int `json:"sweep_interval_sec"`

	// Back up store databases on startup, pruning backups older than 7 days
	BackupOnStart bool `json:"backup_on_start,omitempty"`

	// Secrets key for encrypting webhook secrets at rest (base64, 32 bytes)
	SecretsKey string `json:"secrets_key,omitempty"`

	// OTLP gRPC endpoint for traces (empty disables tracing)
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// External URL reported in ping instructions (e.g. https://watchpost.example.com)
	ExternalURL string `json:"external_url,omitempty"`
}

// RateLimitConfig configures per-token ping rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
}

// CaptureConfig configures output capture processing.
type CaptureConfig struct {
	// Default size cap in KB applied when a monitor has no explicit limit
	MaxKB int `json:"max_kb"`
	// Additional redaction regexes applied on top of the built-ins
	ExtraRedactPatterns []string `json:"extra_redact_patterns,omitempty"`
}

// ChannelsConfig configures direct notification channels. A channel is
// enabled when its required fields are set. Severity controls routing:
// "warning" channels see everything, "critical" channels only critical
// incidents.
type ChannelsConfig struct {
	// Per-monitor notification cap per hour across all channels (default 20)
	MaxPerHour int `json:"max_per_hour"`

	Slack    SlackConfig    `json:"slack,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Email    EmailConfig    `json:"email,omitempty"`
}

// SlackConfig configures Slack incoming-webhook delivery.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Severity   string `json:"severity,omitempty"`
}

// TelegramConfig configures Telegram Bot API delivery.
type TelegramConfig struct {
	BotToken string `json:"bot_token,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Host     string   `json:"host,omitempty"`
	Port     int      `json:"port,omitempty"`
	From     string   `json:"from,omitempty"`
	To       []string `json:"to,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Severity string   `json:"severity,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		DataDir:          "/var/lib/watchpost",
		LogLevel:         "info",
		SweepIntervalSec: 30,
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
		},
		Capture: CaptureConfig{
			MaxKB: 64,
		},
		Channels: ChannelsConfig{
			MaxPerHour: 20,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("WATCHPOST_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("WATCHPOST_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WATCHPOST_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("WATCHPOST_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("WATCHPOST_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("WATCHPOST_CAPTURE_MAX_KB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Capture.MaxKB = n
		}
	}
	if v := os.Getenv("WATCHPOST_SWEEP_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepIntervalSec = n
		}
	}
	if v := os.Getenv("WATCHPOST_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Channels.Slack.WebhookURL = v
	}
	if v := os.Getenv("WATCHPOST_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.BotToken = v
	}
	if v := os.Getenv("WATCHPOST_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Channels.Telegram.ChatID = v
	}
	if v := os.Getenv("WATCHPOST_BACKUP_ON_START"); v != "" {
		cfg.BackupOnStart = v == "true" || v == "1"
	}
	if v := os.Getenv("WATCHPOST_SECRETS_KEY"); v != "" {
		cfg.SecretsKey = v
	}
	if v := os.Getenv("WATCHPOST_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("WATCHPOST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WATCHPOST_EXTERNAL_URL"); v != "" {
		cfg.ExternalURL = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
