package poller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inbox-watcher/internal/models"
)

func TestEngineCapacityScenario(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{ids: []string{"A", "B", "C"}},
		{ids: []string{"D"}},
		{ids: []string{"A", "B"}},
	}}
	e := NewEngine(testAccount(3), src, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	res, err := e.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C"}, ids(res))
	require.Equal(t, []string{"A", "B", "C"}, e.seen.IDs())

	res, err = e.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"D"}, ids(res))
	require.Equal(t, []string{"B", "C", "D"}, e.seen.IDs())

	res, err = e.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, ids(res), "A was evicted so it is new again, B is a duplicate")
	require.Equal(t, 3, res.SeenCount)
	require.Equal(t, 2, res.Checked)
}

func TestEngineFailedCycleLeavesSeenSetUntouched(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{ids: []string{"A", "B"}},
		{err: errors.New("connection reset")},
		{ids: []string{"A", "C"}},
	}}
	sink := &recordingSink{}
	reporter := &recordingReporter{}
	e := NewEngine(testAccount(10), src, zaptest.NewLogger(t), reporter)
	e.setSchedule(sink, 0)
	ctx := context.Background()

	_, err := e.PollOnce(ctx)
	require.NoError(t, err)

	res, err := e.PollOnce(ctx)
	require.Nil(t, res)
	var fetchErr *models.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.False(t, fetchErr.Timeout)
	require.Equal(t, []string{"A", "B"}, e.seen.IDs())
	require.Len(t, sink.Results(), 1, "failed cycles are not delivered")

	res, err = e.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"C"}, ids(res))
	require.Equal(t, 1, reporter.Count(models.OutcomeFailed))
	require.Equal(t, 2, reporter.Count(models.OutcomeDelivered))
}

func TestEngineDeduplicatesWithinBatch(t *testing.T) {
	src := &scriptedSource{steps: []step{{ids: []string{"A", "B", "A", "C", "B"}}}}
	e := NewEngine(testAccount(10), src, zaptest.NewLogger(t), nil)

	res, err := e.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C"}, ids(res))
	require.Equal(t, 5, res.Checked)
}

func TestEngineEmptyFetch(t *testing.T) {
	src := &scriptedSource{steps: []step{{ids: []string{"A"}}, {ids: nil}}}
	sink := &recordingSink{}
	e := NewEngine(testAccount(10), src, zaptest.NewLogger(t), nil)
	e.setSchedule(sink, 0)

	_, err := e.PollOnce(context.Background())
	require.NoError(t, err)
	before := e.seen.IDs()

	res, err := e.PollOnce(context.Background())
	require.NoError(t, err)
	require.True(t, res.Empty())
	require.NotNil(t, res.Messages)
	require.Equal(t, before, e.seen.IDs())
	require.Len(t, sink.Results(), 2, "empty results are still delivered")
}

func TestEngineAllSeenYieldsEmptyResult(t *testing.T) {
	src := &scriptedSource{steps: []step{{ids: []string{"A", "B"}}}}
	e := NewEngine(testAccount(10), src, zaptest.NewLogger(t), nil)

	_, err := e.PollOnce(context.Background())
	require.NoError(t, err)
	res, err := e.PollOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Messages)
}

func TestEngineDeliveryErrorKeepsMessagesSeen(t *testing.T) {
	src := &scriptedSource{steps: []step{{ids: []string{"A"}}}}
	sink := &recordingSink{err: errors.New("sink unavailable")}
	reporter := &recordingReporter{}
	e := NewEngine(testAccount(10), src, zaptest.NewLogger(t), reporter)
	e.setSchedule(sink, 0)

	res, err := e.PollOnce(context.Background())
	require.True(t, models.IsDeliveryError(err))
	require.Equal(t, []string{"A"}, ids(res))

	sink.err = nil
	res, err = e.PollOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Messages, "at-most-once: a failed delivery is not retried")
	require.Equal(t, 1, reporter.Count(models.OutcomeDeliveryFailed))
}

func TestEngineFetchTimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	src := sourceFunc(func(context.Context, models.Account) ([]models.MessageCandidate, error) {
		<-release
		return candidates("A"), nil
	})
	account := testAccount(10)
	account.FetchTimeout = 20 * time.Millisecond
	e := NewEngine(account, src, zaptest.NewLogger(t), nil)

	res, err := e.PollOnce(context.Background())
	require.Nil(t, res)
	var fetchErr *models.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.True(t, fetchErr.Timeout)
	require.Zero(t, e.seen.Len())
}

func TestEngineSourceDeadlineIsTimeout(t *testing.T) {
	src := sourceFunc(func(ctx context.Context, _ models.Account) ([]models.MessageCandidate, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("imap fetch: %w", ctx.Err())
	})
	account := testAccount(10)
	account.FetchTimeout = 10 * time.Millisecond
	e := NewEngine(account, src, zaptest.NewLogger(t), nil)

	_, err := e.PollOnce(context.Background())
	var fetchErr *models.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.True(t, fetchErr.Timeout)
}

func TestEngineSkipsCandidatesWithoutID(t *testing.T) {
	src := sourceFunc(func(context.Context, models.Account) ([]models.MessageCandidate, error) {
		return []models.MessageCandidate{{Subject: "no id"}, {ID: "A"}}, nil
	})
	e := NewEngine(testAccount(10), src, zaptest.NewLogger(t), nil)

	res, err := e.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, ids(res))
	require.Equal(t, 1, e.seen.Len())
}

func TestEngineLargeBatchRespectsCapacity(t *testing.T) {
	src := &scriptedSource{steps: []step{{ids: []string{"A", "B", "C", "D", "E"}}}}
	e := NewEngine(testAccount(3), src, zaptest.NewLogger(t), nil)

	res, err := e.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C", "D", "E"}, ids(res))
	require.Equal(t, []string{"C", "D", "E"}, e.seen.IDs())
}

func TestEngineNeverDeliversTwiceBelowCapacity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var steps []step
	for i := 0; i < 50; i++ {
		n := rng.Intn(8)
		batch := make([]string, 0, n)
		for j := 0; j < n; j++ {
			batch = append(batch, fmt.Sprintf("msg-%d", rng.Intn(60)))
		}
		steps = append(steps, step{ids: batch})
	}
	src := &scriptedSource{steps: steps}
	e := NewEngine(testAccount(1000), src, zaptest.NewLogger(t), nil)

	delivered := make(map[string]int)
	for range steps {
		res, err := e.PollOnce(context.Background())
		require.NoError(t, err)
		require.LessOrEqual(t, res.SeenCount, 1000)
		for _, id := range ids(res) {
			delivered[id]++
		}
	}
	for id, n := range delivered {
		require.Equal(t, 1, n, "message %s delivered %d times", id, n)
	}
}

func TestEnginePollOnceRespectsContextWhileBusy(t *testing.T) {
	e := NewEngine(testAccount(10), &scriptedSource{}, zaptest.NewLogger(t), nil)
	require.True(t, e.tryAcquire())
	defer e.release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.PollOnce(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngineReconfigureShrinksSeenSet(t *testing.T) {
	src := &scriptedSource{steps: []step{{ids: []string{"A", "B", "C", "D"}}}}
	e := NewEngine(testAccount(10), src, zaptest.NewLogger(t), nil)
	_, err := e.PollOnce(context.Background())
	require.NoError(t, err)

	e.reconfigure(testAccount(2), src)
	require.Equal(t, []string{"C", "D"}, e.seen.IDs())
	require.Equal(t, 2, e.status(false).SeenCount)
	require.Equal(t, 2, e.status(false).Capacity)
}

func TestEngineDeliveryOutlivesCallerCancellation(t *testing.T) {
	src := &scriptedSource{steps: []step{{ids: []string{"A"}}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := NewEngine(testAccount(10), src, zaptest.NewLogger(t), nil)
	e.setSchedule(models.SinkFunc(func(ctx context.Context, _ string, _ *models.PollResult) error {
		// the caller goes away while notifications are being sent
		cancel()
		return ctx.Err()
	}), 0)

	res, err := e.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, ids(res))
}
