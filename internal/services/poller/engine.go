package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"inbox-watcher/internal/models"
)

// Status is a point-in-time view of one account's engine.
type Status struct {
	AccountID   string         `json:"account_id"`
	Running     bool           `json:"running"`
	Interval    string         `json:"interval,omitempty"`
	SeenCount   int            `json:"seen_count"`
	Capacity    int            `json:"seen_set_capacity"`
	Delivered   int            `json:"delivered_total"`
	LastPollAt  *time.Time     `json:"last_poll_at,omitempty"`
	LastOutcome models.Outcome `json:"last_outcome,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// Engine runs poll cycles for a single account and owns its SeenSet.
// At most one cycle executes at a time; the slot channel enforces it.
type Engine struct {
	slot     chan struct{}
	logger   *zap.Logger
	reporter models.Reporter
	now      func() time.Time

	// written while holding both slot and mu; cycles read them under slot alone
	account models.Account
	source  models.MailSource
	seen    *SeenSet

	mu        sync.RWMutex
	sink      models.Sink
	interval  time.Duration
	seenCount int
	delivered int
	last      *models.CycleReport
}

// NewEngine creates an engine for account fetching from source.
func NewEngine(account models.Account, source models.MailSource, logger *zap.Logger, reporter models.Reporter) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		slot:     make(chan struct{}, 1),
		logger:   logger.With(zap.String("account", account.ID)),
		reporter: reporter,
		now:      time.Now,
		account:  account,
		source:   source,
		seen:     NewSeenSet(account.Capacity()),
	}
}

// PollOnce runs exactly one poll cycle, waiting for any in-flight cycle of
// the same account to finish first.
func (e *Engine) PollOnce(ctx context.Context) (*models.PollResult, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()
	return e.cycle(ctx)
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) tryAcquire() bool {
	select {
	case e.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *Engine) release() {
	<-e.slot
}

// cycle performs fetch, dedup, trim and delivery. Callers must hold the slot.
func (e *Engine) cycle(ctx context.Context) (*models.PollResult, error) {
	started := e.now()
	sink := e.currentSink()
	e.logger.Debug("Polling mailbox")

	candidates, err := e.fetch(ctx)
	if err != nil {
		e.logger.Warn("Failed to fetch messages", zap.Error(err))
		e.finish(models.CycleReport{
			Outcome:   models.OutcomeFailed,
			SeenCount: e.seen.Len(),
			StartedAt: started,
			Err:       err,
		})
		return nil, err
	}

	result := &models.PollResult{
		AccountID: e.account.ID,
		Messages:  make([]models.MessageCandidate, 0),
		Checked:   len(candidates),
		PolledAt:  started,
	}
	for _, candidate := range candidates {
		if candidate.ID == "" {
			e.logger.Warn("Skipping message without identifier",
				zap.String("subject", candidate.Subject),
				zap.String("from", candidate.From))
			continue
		}
		if e.seen.Add(candidate.ID) {
			result.Messages = append(result.Messages, candidate)
		}
	}
	evicted := e.seen.Trim()
	result.SeenCount = e.seen.Len()

	if len(evicted) > 0 {
		e.logger.Debug("Evicted oldest seen messages", zap.Int("evicted", len(evicted)))
	}
	if !result.Empty() {
		e.logger.Info("Found new messages",
			zap.Int("new", len(result.Messages)),
			zap.Int("checked", result.Checked))
	}

	report := models.CycleReport{
		Outcome:     models.OutcomeDelivered,
		NewMessages: len(result.Messages),
		SeenCount:   result.SeenCount,
		Evicted:     len(evicted),
		StartedAt:   started,
	}

	var deliveryErr error
	if sink != nil {
		// the IDs are already marked seen, so the caller cannot cancel delivery
		if err := sink.Deliver(context.WithoutCancel(ctx), e.account.ID, result); err != nil {
			deliveryErr = &models.DeliveryError{AccountID: e.account.ID, Err: err}
			e.logger.Error("Failed to deliver new messages",
				zap.Int("new", len(result.Messages)),
				zap.Error(err))
			report.Outcome = models.OutcomeDeliveryFailed
			report.Err = deliveryErr
		}
	}

	e.finish(report)
	return result, deliveryErr
}

// fetch bounds the source call by the account's fetch timeout, even when
// the source itself ignores ctx.
func (e *Engine) fetch(ctx context.Context) ([]models.MessageCandidate, error) {
	fetchCtx := ctx
	if e.account.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.account.FetchTimeout)
		defer cancel()
	}

	type fetched struct {
		candidates []models.MessageCandidate
		err        error
	}
	done := make(chan fetched, 1)
	account := e.account
	source := e.source
	go func() {
		candidates, err := source.Fetch(fetchCtx, account)
		done <- fetched{candidates: candidates, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			timedOut := errors.Is(res.err, context.DeadlineExceeded) ||
				errors.Is(fetchCtx.Err(), context.DeadlineExceeded)
			return nil, &models.FetchError{AccountID: account.ID, Timeout: timedOut, Err: res.err}
		}
		return res.candidates, nil
	case <-fetchCtx.Done():
		err := fetchCtx.Err()
		return nil, &models.FetchError{
			AccountID: account.ID,
			Timeout:   errors.Is(err, context.DeadlineExceeded),
			Err:       err,
		}
	}
}

func (e *Engine) finish(report models.CycleReport) {
	report.AccountID = e.account.ID
	report.Duration = e.now().Sub(report.StartedAt)

	e.mu.Lock()
	if e.interval > 0 {
		report.NextPollAt = report.StartedAt.Add(e.interval)
	}
	e.seenCount = report.SeenCount
	e.delivered += report.NewMessages
	e.last = &report
	e.mu.Unlock()

	if e.reporter != nil {
		e.reporter.Report(report)
	}
}

func (e *Engine) reportSkipped() {
	now := e.now()
	e.logger.Debug("Skipping tick, previous poll still in flight")
	if e.reporter == nil {
		return
	}
	e.mu.RLock()
	seen := e.seenCount
	id := e.account.ID
	e.mu.RUnlock()
	e.reporter.Report(models.CycleReport{
		AccountID: id,
		Outcome:   models.OutcomeSkipped,
		SeenCount: seen,
		StartedAt: now,
	})
}

func (e *Engine) currentSink() models.Sink {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sink
}

func (e *Engine) setSchedule(sink models.Sink, interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sink != nil {
		e.sink = sink
	}
	e.interval = interval
}

// reconfigure swaps account parameters and source, keeping already seen IDs
// (oldest first) within the new capacity.
func (e *Engine) reconfigure(account models.Account, source models.MailSource) {
	e.slot <- struct{}{}
	defer e.release()

	seen := e.seen
	if account.Capacity() != seen.Cap() {
		seen = NewSeenSet(account.Capacity())
		for _, id := range e.seen.IDs() {
			seen.Add(id)
		}
		seen.Trim()
	}

	e.mu.Lock()
	e.account = account
	e.source = source
	e.seen = seen
	e.seenCount = seen.Len()
	e.mu.Unlock()
}

// Account returns the parameters the engine currently polls with.
func (e *Engine) Account() models.Account {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.account
}

func (e *Engine) status(running bool) Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{
		AccountID: e.account.ID,
		Running:   running,
		SeenCount: e.seenCount,
		Capacity:  e.account.Capacity(),
		Delivered: e.delivered,
	}
	if running && e.interval > 0 {
		st.Interval = e.interval.String()
	}
	if e.last != nil {
		at := e.last.StartedAt
		st.LastPollAt = &at
		st.LastOutcome = e.last.Outcome
		if e.last.Err != nil {
			st.LastError = e.last.Err.Error()
		}
	}
	return st
}
