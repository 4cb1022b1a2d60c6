// Package notify holds the sinks that are not chat processors: fan-out to
// several sinks, the in-memory feed read by the HTTP API, and outgoing
// webhooks.
package notify

import (
	"context"
	"errors"

	"inbox-watcher/internal/models"
)

// Fanout delivers every result to each of its sinks in order. A failing
// sink does not prevent the others from receiving the result.
type Fanout []models.Sink

func (f Fanout) Deliver(ctx context.Context, accountID string, result *models.PollResult) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Deliver(ctx, accountID, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
