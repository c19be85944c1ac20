// Package server wires together all watchpost subsystems and exposes the
// HTTP server. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchpost/internal/config"
	"github.com/marcus-qen/watchpost/internal/health"
	"github.com/marcus-qen/watchpost/internal/incident"
	"github.com/marcus-qen/watchpost/internal/ingest"
	"github.com/marcus-qen/watchpost/internal/migration"
	"github.com/marcus-qen/watchpost/internal/monitor"
	"github.com/marcus-qen/watchpost/internal/notify"
	"github.com/marcus-qen/watchpost/internal/output"
	"github.com/marcus-qen/watchpost/internal/ratelimit"
	"github.com/marcus-qen/watchpost/internal/secrets"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the assembled watchpost service.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	monitors  *monitor.Store
	incidents *incident.Store
	limiter   *ratelimit.Limiter
	outputs   *output.FileStore
	processor *output.Processor
	webhooks  *notify.Store

	ingest  *ingest.Service
	sweeper *ingest.Sweeper
	scorer  *health.Scorer

	httpServer *http.Server
}

// New assembles the service from configuration.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if cfg.BackupOnStart {
		s.backupStores()
	}

	var err error
	s.monitors, err = monitor.NewStore(filepath.Join(cfg.DataDir, "monitors.db"))
	if err != nil {
		return nil, fmt.Errorf("open monitor store: %w", err)
	}
	s.incidents, err = incident.NewStore(filepath.Join(cfg.DataDir, "incidents.db"))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open incident store: %w", err)
	}

	s.limiter, err = ratelimit.New(s.monitors.DB(), cfg.RateLimit.RequestsPerMinute, time.Minute)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}

	s.outputs, err = output.NewFileStore(filepath.Join(cfg.DataDir, "captures"))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init output store: %w", err)
	}
	s.processor, err = output.NewProcessor(cfg.Capture.MaxKB, cfg.Capture.ExtraRedactPatterns)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init output processor: %w", err)
	}

	var box *secrets.Box
	if cfg.SecretsKey != "" {
		box, err = secrets.NewBoxFromBase64(cfg.SecretsKey)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("secrets key: %w", err)
		}
	}
	s.webhooks, err = notify.NewStore(filepath.Join(cfg.DataDir, "webhooks.db"), s.incidents, box, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open webhook store: %w", err)
	}

	if router := buildChannelRouter(cfg.Channels, logger); router != nil {
		s.webhooks.Notifier().SetRouter(router)
	}

	s.ingest = ingest.NewService(
		s.monitors,
		s.incidents,
		s.limiter,
		s.outputs,
		s.processor,
		s.webhooks.Notifier(),
		logger,
	)
	s.sweeper = ingest.NewSweeper(
		s.monitors,
		s.incidents,
		s.webhooks.Notifier(),
		time.Duration(cfg.SweepIntervalSec)*time.Second,
		logger,
	)
	s.scorer = health.NewScorer(s.monitors, s.incidents, health.Weights{})

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      maxBodySizeMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.sweeper.Start(ctx)

	s.logger.Info("starting watchpost",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Int("rate_limit_per_min", s.cfg.RateLimit.RequestsPerMinute),
		zap.Int("sweep_interval_sec", s.cfg.SweepIntervalSec),
		zap.Bool("tls", s.cfg.HasTLS()),
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// buildChannelRouter assembles direct notification channels from config.
// Returns nil when no channel is configured.
func buildChannelRouter(cfg config.ChannelsConfig, logger *zap.Logger) *notify.Router {
	var routes notify.SeverityRoute
	add := func(ch notify.Channel, severity string) {
		if severity == "critical" {
			routes.Critical = append(routes.Critical, ch)
			return
		}
		routes.Warning = append(routes.Warning, ch)
	}

	if cfg.Slack.WebhookURL != "" {
		add(notify.NewSlackChannel(cfg.Slack.WebhookURL, cfg.Slack.Channel), cfg.Slack.Severity)
	}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		add(notify.NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.ChatID), cfg.Telegram.Severity)
	}
	if cfg.Email.Host != "" && cfg.Email.From != "" && len(cfg.Email.To) > 0 {
		add(notify.NewEmailChannel(cfg.Email.Host, cfg.Email.Port, cfg.Email.From, cfg.Email.To, cfg.Email.Username, cfg.Email.Password), cfg.Email.Severity)
	}
	if len(routes.Warning) == 0 && len(routes.Critical) == 0 {
		return nil
	}

	var limiter *notify.ChannelRateLimiter
	if cfg.MaxPerHour > 0 {
		limiter = notify.NewChannelRateLimiter(cfg.MaxPerHour)
	}
	return notify.NewRouter(routes, limiter, logger)
}

// backupStores snapshots each store database before it is opened and prunes
// snapshots older than a week. Failures are logged, not fatal; a missing
// database on first start is normal.
func (s *Server) backupStores() {
	for _, name := range []string{"monitors.db", "incidents.db", "webhooks.db"} {
		dbPath := filepath.Join(s.cfg.DataDir, name)
		if _, err := os.Stat(dbPath); err != nil {
			continue
		}
		backupPath, err := migration.BackupDatabase(dbPath)
		if err != nil {
			s.logger.Warn("startup backup failed", zap.String("db", name), zap.Error(err))
			continue
		}
		s.logger.Info("backed up store", zap.String("db", name), zap.String("backup", backupPath))
		if err := migration.CleanOldBackups(dbPath, 7*24*time.Hour); err != nil {
			s.logger.Warn("backup cleanup failed", zap.String("db", name), zap.Error(err))
		}
	}
}

// Close releases all resources.
func (s *Server) Close() {
	if s.webhooks != nil {
		_ = s.webhooks.Close()
	}
	if s.incidents != nil {
		_ = s.incidents.Close()
	}
	if s.monitors != nil {
		_ = s.monitors.Close()
	}
}
