package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"inbox-watcher/internal/config"
	"inbox-watcher/internal/models"
)

// Manager routes every new message of an account to the first matching
// processor. It implements models.Sink.
type Manager struct {
	processors []*GenericEmailProcessor
	logger     *zap.Logger
}

func NewProcessorManager(services []config.ServiceConfig, notifier Notifier, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &Manager{logger: logger}

	for _, serviceConfig := range services {
		processor := NewGenericEmailProcessor(
			serviceConfig.Name,
			serviceConfig.Config,
			notifier,
			logger,
		)
		manager.processors = append(manager.processors, processor)
		logger.Info("Loaded email processor",
			zap.String("service", serviceConfig.Name),
			zap.String("email_from", serviceConfig.Config.EmailFrom),
			zap.Strings("email_subjects", serviceConfig.Config.EmailSubject))
	}

	return manager
}

// Deliver processes the new messages of result concurrently and joins the
// errors of failed notifications.
func (pm *Manager) Deliver(ctx context.Context, accountID string, result *models.PollResult) error {
	if result.Empty() || len(pm.processors) == 0 {
		return nil
	}

	pm.logger.Info("Processing emails concurrently",
		zap.String("account", accountID),
		zap.Int("email_count", len(result.Messages)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, msg := range result.Messages {
		wg.Add(1)
		go func(msg models.MessageCandidate) {
			defer wg.Done()
			if err := pm.process(ctx, accountID, msg); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(msg)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (pm *Manager) process(ctx context.Context, accountID string, msg models.MessageCandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, processor := range pm.processors {
		if !processor.ShouldProcess(msg) {
			continue
		}
		pm.logger.Info("Processing email",
			zap.String("service", processor.Name()),
			zap.String("subject", msg.Subject),
			zap.String("from", msg.From))

		if err := processor.Process(ctx, accountID, msg); err != nil {
			pm.logger.Error("Failed to process email",
				zap.String("service", processor.Name()),
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return fmt.Errorf("%s: message %s: %w", processor.Name(), msg.ID, err)
		}
		pm.logger.Info("Email processed successfully", zap.String("subject", msg.Subject))
		// only the first matching processor handles a message
		return nil
	}

	pm.logger.Debug("Email ignored (no matching processor)",
		zap.String("subject", msg.Subject),
		zap.String("from", msg.From))
	return nil
}
