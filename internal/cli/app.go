package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"inbox-watcher/internal/config"
	"inbox-watcher/internal/handlers"
	"inbox-watcher/internal/metrics"
	"inbox-watcher/internal/models"
	"inbox-watcher/internal/services/email"
	"inbox-watcher/internal/services/notify"
	"inbox-watcher/internal/services/poller"
	"inbox-watcher/internal/services/processor"
	"inbox-watcher/internal/services/status"
	"inbox-watcher/internal/services/telegram"
)

// app holds the long-lived services shared by the commands.
type app struct {
	cfg        config.Config
	logger     *zap.Logger
	supervisor *poller.Supervisor
	feed       *notify.Feed
	registry   *prometheus.Registry
	metrics    *metrics.Reporter
	recorder   *status.Recorder
	notifier   processor.Notifier
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		feed:   notify.NewFeed(cfg.Feed.Size),
	}

	var reporters metrics.MultiReporter
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.NewReporter(a.registry)
		reporters = append(reporters, a.metrics)
	}

	if cfg.Redis.Address != "" {
		recorder, err := status.NewRecorder(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		a.recorder = recorder
		reporters = append(reporters, recorder)
		logger.Info("Recording poll status in Redis", zap.String("address", cfg.Redis.Address))
	}

	if cfg.Telegram.BotToken != "" {
		client, err := telegram.NewClient(cfg.Telegram.BotToken, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.notifier = client
	}

	a.supervisor = poller.NewSupervisor(email.DefaultFactory(logger, cfg.Defaults.DialTimeout), logger, poller.WithReporter(reporters))
	return a, nil
}

// sinkFor assembles the delivery pipeline of one account: the feed always,
// processors when services are configured and a webhook when a URL is set.
func (a *app) sinkFor(account config.AccountConfig) models.Sink {
	sinks := notify.Fanout{a.feed}
	if len(account.Services) > 0 && a.notifier != nil {
		sinks = append(sinks, processor.NewProcessorManager(account.Services, a.notifier, a.logger))
	}
	if account.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(account.WebhookURL, a.logger))
	}
	return sinks
}

// forgetters returns the optional stores holding per-account state besides
// the feed.
func (a *app) forgetters() []handlers.AccountForgetter {
	var out []handlers.AccountForgetter
	if a.metrics != nil {
		out = append(out, a.metrics)
	}
	if a.recorder != nil {
		out = append(out, a.recorder)
	}
	return out
}

func (a *app) close() {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.logger.Warn("Failed to close Redis connection", zap.Error(err))
		}
	}
}
