package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"inbox-watcher/internal/config"
	"inbox-watcher/internal/handlers"
	"inbox-watcher/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll every enabled account and serve the HTTP API",
	Long: `Start a polling schedule for every enabled account and serve the HTTP API
used to check accounts on demand, start and stop schedules and read recent
notifications. Stops gracefully on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	store, err := config.NewStore(configPath)
	if err != nil {
		return err
	}
	cfg := store.Config()

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync() // Ignore sync errors for stdout/stderr
	}(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize services", zap.Error(err))
		return err
	}
	defer a.close()

	for _, accountCfg := range store.Accounts() {
		if !accountCfg.IsEnabled() {
			logger.Info("Skipping disabled account", zap.String("account", accountCfg.ID))
			continue
		}
		account := accountCfg.Account(cfg.Defaults)
		if _, err := a.supervisor.Start(account, a.sinkFor(accountCfg), account.PollInterval); err != nil {
			logger.Error("Failed to start email monitoring", zap.String("account", account.ID), zap.Error(err))
			return fmt.Errorf("start account %s: %w", account.ID, err)
		}
	}

	router := mux.NewRouter()
	handlers.NewAccountHandler(store, a.supervisor, a.feed, a.sinkFor, logger, a.forgetters()...).Register(router)
	if a.registry != nil {
		router.Handle(cfg.Metrics.Path, metrics.Handler(a.registry)).Methods(http.MethodGet)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("Failed to start server", zap.Error(err))
			shutdownSupervisor(a, logger)
			return err
		}
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := a.supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Error("Polling did not stop in time", zap.Error(err))
	}

	logger.Info("Server exited")
	return nil
}

func shutdownSupervisor(a *app, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.supervisor.Shutdown(ctx); err != nil {
		logger.Error("Polling did not stop in time", zap.Error(err))
	}
}
