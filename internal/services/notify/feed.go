package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"inbox-watcher/internal/models"
)

// DefaultFeedSize is the number of notifications kept per account.
const DefaultFeedSize = 100

// Notification is one delivered message as shown in the recent list.
type Notification struct {
	ID         string                  `json:"id"`
	AccountID  string                  `json:"account_id"`
	Message    models.MessageCandidate `json:"message"`
	ReceivedAt time.Time               `json:"received_at"`
}

// Feed keeps the most recent notifications of each account in memory.
type Feed struct {
	mu    sync.RWMutex
	size  int
	items map[string][]Notification
	now   func() time.Time
}

func NewFeed(size int) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Feed{
		size:  size,
		items: make(map[string][]Notification),
		now:   time.Now,
	}
}

// Deliver appends the new messages of result, dropping the oldest entries
// beyond the feed size.
func (f *Feed) Deliver(_ context.Context, accountID string, result *models.PollResult) error {
	if result.Empty() {
		return nil
	}

	received := result.PolledAt
	if received.IsZero() {
		received = f.now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	items := f.items[accountID]
	for _, msg := range result.Messages {
		items = append(items, Notification{
			ID:         uuid.NewString(),
			AccountID:  accountID,
			Message:    msg,
			ReceivedAt: received,
		})
	}
	if over := len(items) - f.size; over > 0 {
		items = append([]Notification(nil), items[over:]...)
	}
	f.items[accountID] = items
	return nil
}

// Recent returns up to limit notifications of accountID, newest first. A
// non-positive limit returns all of them.
func (f *Feed) Recent(accountID string, limit int) []Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()

	items := f.items[accountID]
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	out := make([]Notification, 0, limit)
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	return out
}

// Forget drops the notifications of a removed account.
func (f *Feed) Forget(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, accountID)
}
