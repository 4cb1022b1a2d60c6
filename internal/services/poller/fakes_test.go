package poller

import (
	"context"
	"sync"

	"inbox-watcher/internal/models"
)

type sourceFunc func(ctx context.Context, account models.Account) ([]models.MessageCandidate, error)

func (f sourceFunc) Fetch(ctx context.Context, account models.Account) ([]models.MessageCandidate, error) {
	return f(ctx, account)
}

// scriptedSource returns one scripted step per call and repeats the last one.
type scriptedSource struct {
	mu    sync.Mutex
	steps []step
	calls int
}

type step struct {
	ids []string
	err error
}

func (s *scriptedSource) Fetch(_ context.Context, _ models.Account) ([]models.MessageCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if len(s.steps) == 0 {
		return nil, nil
	}
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	st := s.steps[idx]
	if st.err != nil {
		return nil, st.err
	}
	return candidates(st.ids...), nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// blockingSource signals every call on started and waits for release.
type blockingSource struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
	ids     []string
}

func newBlockingSource(ids ...string) *blockingSource {
	return &blockingSource{
		started: make(chan struct{}, 64),
		release: make(chan struct{}),
		ids:     ids,
	}
}

func (s *blockingSource) Fetch(_ context.Context, _ models.Account) ([]models.MessageCandidate, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-s.release
	return candidates(s.ids...), nil
}

func (s *blockingSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type staticFactory struct {
	source models.MailSource
	err    error
}

func (f staticFactory) SourceFor(models.Account) (models.MailSource, error) {
	return f.source, f.err
}

type recordingSink struct {
	mu      sync.Mutex
	results []*models.PollResult
	err     error
}

func (s *recordingSink) Deliver(_ context.Context, _ string, result *models.PollResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return s.err
}

func (s *recordingSink) Results() []*models.PollResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.PollResult(nil), s.results...)
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []models.CycleReport
}

func (r *recordingReporter) Report(report models.CycleReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *recordingReporter) Count(outcome models.Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rep := range r.reports {
		if rep.Outcome == outcome {
			n++
		}
	}
	return n
}

func candidates(ids ...string) []models.MessageCandidate {
	out := make([]models.MessageCandidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.MessageCandidate{ID: id, From: "colleague@example.com", Subject: "Message " + id})
	}
	return out
}

func ids(result *models.PollResult) []string {
	if result == nil {
		return nil
	}
	out := make([]string, 0, len(result.Messages))
	for _, m := range result.Messages {
		out = append(out, m.ID)
	}
	return out
}

func testAccount(capacity int) models.Account {
	return models.Account{
		ID:              "me@example.com",
		Protocol:        "imaps",
		Host:            "imap.example.com",
		Port:            993,
		Username:        "me@example.com",
		Password:        "secret",
		Enabled:         true,
		SeenSetCapacity: capacity,
	}
}
