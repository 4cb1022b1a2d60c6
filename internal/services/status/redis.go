// Package status persists a lightweight per-account poll status to Redis so
// other processes can surface poll health.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"inbox-watcher/internal/config"
	"inbox-watcher/internal/models"
)

const writeTimeout = 2 * time.Second

type statusStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// PollStatus is the document stored under the account's status key.
type PollStatus struct {
	AccountID   string    `json:"account_id"`
	LastPollAt  time.Time `json:"last_poll_at"`
	LastStatus  string    `json:"last_status"`
	LastError   string    `json:"last_error"`
	NewMessages int       `json:"new_messages"`
	SeenCount   int       `json:"seen_count"`
	NextPollETA time.Time `json:"next_poll_eta,omitempty"`
}

// Recorder implements models.Reporter on top of Redis.
type Recorder struct {
	client    statusStore
	closer    func() error
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRecorder connects to Redis and checks the connection.
func NewRecorder(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Recorder, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  writeTimeout,
		WriteTimeout: writeTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Address, err)
	}

	r := newRecorder(client, cfg.KeyPrefix, cfg.TTL, logger)
	r.closer = client.Close
	return r, nil
}

func newRecorder(client statusStore, keyPrefix string, ttl time.Duration, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "mail_poll_status:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Recorder{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
	}
}

// Report stores the outcome of a completed cycle. Skipped ticks leave the
// stored status untouched. Write failures are logged and otherwise ignored.
func (r *Recorder) Report(report models.CycleReport) {
	if report.Outcome == models.OutcomeSkipped {
		return
	}

	st := PollStatus{
		AccountID:   report.AccountID,
		LastPollAt:  report.StartedAt.UTC(),
		LastStatus:  statusOf(report.Outcome),
		NewMessages: report.NewMessages,
		SeenCount:   report.SeenCount,
	}
	if !report.NextPollAt.IsZero() {
		st.NextPollETA = report.NextPollAt.UTC()
	}
	if report.Err != nil {
		st.LastError = report.Err.Error()
	}

	payload, err := json.Marshal(st)
	if err != nil {
		r.logger.Warn("Failed to encode poll status", zap.String("account", report.AccountID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.Key(report.AccountID), payload, r.ttl).Err(); err != nil {
		r.logger.Warn("Failed to store poll status", zap.String("account", report.AccountID), zap.Error(err))
	}
}

// Forget deletes the stored status of a removed account.
func (r *Recorder) Forget(accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.client.Del(ctx, r.Key(accountID)).Err(); err != nil {
		r.logger.Warn("Failed to delete poll status", zap.String("account", accountID), zap.Error(err))
	}
}

// Key returns the Redis key holding the status of accountID.
func (r *Recorder) Key(accountID string) string {
	return r.keyPrefix + accountID
}

func (r *Recorder) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

func statusOf(outcome models.Outcome) string {
	switch outcome {
	case models.OutcomeDelivered:
		return "ok"
	case models.OutcomeDeliveryFailed:
		return "delivery_error"
	default:
		return "error"
	}
}
