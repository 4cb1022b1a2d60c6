package models

import (
	"context"
	"time"
)

// Account is one configured mailbox being monitored
type Account struct {
	ID              string
	Protocol        string // imap, imaps, pop3, pop3s
	Host            string
	Port            int
	Username        string
	Password        string
	Mailbox         string
	Enabled         bool
	PollInterval    time.Duration
	SeenSetCapacity int
	FetchTimeout    time.Duration
	MaxFetch        int
}

// DefaultSeenSetCapacity bounds the dedup memory of an account when none is configured.
const DefaultSeenSetCapacity = 1000

// Validate checks that the account carries enough connection parameters to be polled.
func (a Account) Validate() error {
	switch {
	case a.ID == "":
		return &ConfigurationError{Field: "id", Reason: "is required"}
	case a.Protocol == "":
		return &ConfigurationError{Account: a.ID, Field: "protocol", Reason: "is required"}
	case a.Host == "":
		return &ConfigurationError{Account: a.ID, Field: "host", Reason: "is required"}
	case a.Port <= 0:
		return &ConfigurationError{Account: a.ID, Field: "port", Reason: "must be positive"}
	case a.Username == "":
		return &ConfigurationError{Account: a.ID, Field: "username", Reason: "is required"}
	case a.SeenSetCapacity < 0:
		return &ConfigurationError{Account: a.ID, Field: "seen_set_capacity", Reason: "must be positive"}
	case a.FetchTimeout < 0:
		return &ConfigurationError{Account: a.ID, Field: "fetch_timeout", Reason: "must be positive"}
	}
	return nil
}

// Capacity returns the configured SeenSet capacity or the default.
func (a Account) Capacity() int {
	if a.SeenSetCapacity <= 0 {
		return DefaultSeenSetCapacity
	}
	return a.SeenSetCapacity
}

// MessageCandidate is a message returned by a MailSource before dedup filtering
type MessageCandidate struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"timestamp"`
	Preview string    `json:"preview"`
}

// PollResult holds the candidates of one cycle that were not seen before, in source order
type PollResult struct {
	AccountID string             `json:"account_id"`
	Messages  []MessageCandidate `json:"newEmails"`
	Checked   int                `json:"checked"`
	SeenCount int                `json:"totalChecked"`
	PolledAt  time.Time          `json:"polled_at"`
}

// Empty reports whether the cycle produced no new messages.
func (r *PollResult) Empty() bool {
	return r == nil || len(r.Messages) == 0
}

// Outcome classifies how a poll cycle ended
type Outcome string

const (
	OutcomeDelivered      Outcome = "delivered"
	OutcomeFailed         Outcome = "failed"
	OutcomeDeliveryFailed Outcome = "delivery_failed"
	OutcomeSkipped        Outcome = "skipped"
)

// CycleReport is the observability record of a single poll cycle
type CycleReport struct {
	AccountID   string
	Outcome     Outcome
	NewMessages int
	SeenCount   int
	Evicted     int
	StartedAt   time.Time
	Duration    time.Duration
	NextPollAt  time.Time
	Err         error
}

// MailSource fetches candidate messages for an account. Implementations must not
// rely on state from previous calls.
type MailSource interface {
	Fetch(ctx context.Context, account Account) ([]MessageCandidate, error)
}

// Sink receives the result of each successful poll cycle
type Sink interface {
	Deliver(ctx context.Context, accountID string, result *PollResult) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, accountID string, result *PollResult) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, accountID string, result *PollResult) error {
	return f(ctx, accountID, result)
}

// Reporter is the side channel for per-cycle outcomes
type Reporter interface {
	Report(report CycleReport)
}
