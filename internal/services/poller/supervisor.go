package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inbox-watcher/internal/models"
)

var (
	ErrAlreadyRunning  = errors.New("account is already being polled")
	ErrAccountRunning  = errors.New("account must be stopped before it can be changed")
	ErrUnknownAccount  = errors.New("unknown account")
	ErrSupervisorClose = errors.New("supervisor is shut down")
)

// SourceFactory resolves the MailSource able to poll an account.
type SourceFactory interface {
	SourceFor(account models.Account) (models.MailSource, error)
}

// Handle identifies one running polling schedule returned by Start.
type Handle struct {
	ID        string
	AccountID string

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Done is closed once the schedule has exited and its in-flight cycle, if
// any, has been delivered.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) stop() {
	h.stopOnce.Do(h.cancel)
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithReporter registers the side channel receiving every cycle outcome.
func WithReporter(r models.Reporter) Option {
	return func(s *Supervisor) {
		s.reporter = r
	}
}

// WithClock overrides the wall clock used for cycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// Supervisor owns the account to engine mapping. Engines are created on
// Start or PollOnce and destroyed on Remove.
type Supervisor struct {
	factory  SourceFactory
	logger   *zap.Logger
	reporter models.Reporter
	now      func() time.Time

	mu      sync.Mutex
	engines map[string]*Engine
	running map[string]*Handle
	closed  bool
}

// NewSupervisor creates a supervisor resolving sources through factory.
func NewSupervisor(factory SourceFactory, logger *zap.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		factory: factory,
		logger:  logger,
		now:     time.Now,
		engines: make(map[string]*Engine),
		running: make(map[string]*Handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start begins polling account every interval, delivering each result to
// sink. The first cycle runs immediately; later ticks are measured from the
// start of each cycle and are skipped while a cycle is still in flight.
func (s *Supervisor) Start(account models.Account, sink models.Sink, interval time.Duration) (*Handle, error) {
	if err := account.Validate(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, &models.ConfigurationError{Account: account.ID, Field: "polling_interval", Reason: "must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSupervisorClose
	}
	if _, ok := s.running[account.ID]; ok {
		return nil, ErrAlreadyRunning
	}

	engine, err := s.engineLocked(account)
	if err != nil {
		return nil, err
	}
	engine.setSchedule(sink, interval)

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.running[account.ID] = h

	s.logger.Info("Starting email monitoring",
		zap.String("account", account.ID),
		zap.String("handle", h.ID),
		zap.Duration("polling_interval", interval))

	go s.loop(ctx, h, engine, interval)
	return h, nil
}

// Stop cancels future cycles of the schedule behind h. An in-flight cycle
// still completes and delivers. Stopping twice is a no-op.
func (s *Supervisor) Stop(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	if current, ok := s.running[h.AccountID]; ok && current == h {
		delete(s.running, h.AccountID)
		s.logger.Info("Stopping email monitoring",
			zap.String("account", h.AccountID),
			zap.String("handle", h.ID))
	}
	s.mu.Unlock()
	h.stop()
}

// StopAccount stops the running schedule of accountID, if any, and returns
// its handle.
func (s *Supervisor) StopAccount(accountID string) *Handle {
	s.mu.Lock()
	h := s.running[accountID]
	s.mu.Unlock()
	if h != nil {
		s.Stop(h)
	}
	return h
}

// PollOnce runs one cycle for account and returns its result. The result is
// also delivered to the sink registered by Start, if any.
func (s *Supervisor) PollOnce(ctx context.Context, account models.Account) (*models.PollResult, error) {
	if err := account.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSupervisorClose
	}
	engine, err := s.engineLocked(account)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return engine.PollOnce(ctx)
}

// Update replaces the parameters of a stopped account. Already seen IDs are kept.
func (s *Supervisor) Update(account models.Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[account.ID]; ok {
		return ErrAccountRunning
	}
	engine, ok := s.engines[account.ID]
	if !ok {
		return ErrUnknownAccount
	}
	source, err := s.sourceFor(account)
	if err != nil {
		return err
	}
	engine.reconfigure(account, source)
	return nil
}

// Remove stops the account and drops its engine and SeenSet.
func (s *Supervisor) Remove(accountID string) error {
	s.mu.Lock()
	h := s.running[accountID]
	delete(s.running, accountID)
	_, ok := s.engines[accountID]
	delete(s.engines, accountID)
	s.mu.Unlock()

	if h != nil {
		h.stop()
	}
	if !ok {
		return ErrUnknownAccount
	}
	s.logger.Info("Removed account", zap.String("account", accountID))
	return nil
}

// Running reports whether accountID has an active schedule.
func (s *Supervisor) Running(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[accountID]
	return ok
}

// Status returns the status of one known account.
func (s *Supervisor) Status(accountID string) (Status, bool) {
	s.mu.Lock()
	engine, ok := s.engines[accountID]
	_, running := s.running[accountID]
	s.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return engine.status(running), true
}

// Statuses returns the status of every known account ordered by ID.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	statuses := make([]Status, 0, len(s.engines))
	for id, engine := range s.engines {
		_, running := s.running[id]
		statuses = append(statuses, engine.status(running))
	}
	s.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].AccountID < statuses[j].AccountID
	})
	return statuses
}

// Shutdown stops every schedule and waits for in-flight cycles or ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.running))
	for id, h := range s.running {
		handles = append(handles, h)
		delete(s.running, id)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.stop()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Supervisor) engineLocked(account models.Account) (*Engine, error) {
	engine, ok := s.engines[account.ID]
	if ok {
		if _, running := s.running[account.ID]; !running && engine.Account() != account {
			source, err := s.sourceFor(account)
			if err != nil {
				return nil, err
			}
			engine.reconfigure(account, source)
		}
		return engine, nil
	}

	source, err := s.sourceFor(account)
	if err != nil {
		return nil, err
	}
	engine = NewEngine(account, source, s.logger, s.reporter)
	engine.now = s.now
	s.engines[account.ID] = engine
	return engine, nil
}

func (s *Supervisor) sourceFor(account models.Account) (models.MailSource, error) {
	if s.factory == nil {
		return nil, &models.ConfigurationError{Account: account.ID, Field: "protocol", Reason: "has no mail source available"}
	}
	source, err := s.factory.SourceFor(account)
	if err != nil {
		return nil, &models.ConfigurationError{Account: account.ID, Field: "protocol", Reason: err.Error()}
	}
	return source, nil
}

func (s *Supervisor) loop(ctx context.Context, h *Handle, engine *Engine, interval time.Duration) {
	var inFlight sync.WaitGroup
	defer func() {
		inFlight.Wait()
		s.logger.Info("Email monitoring stopped", zap.String("account", h.AccountID))
		close(h.done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx, engine, &inFlight)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, engine, &inFlight)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context, engine *Engine, inFlight *sync.WaitGroup) {
	if ctx.Err() != nil {
		return
	}
	if !engine.tryAcquire() {
		engine.reportSkipped()
		return
	}
	inFlight.Add(1)
	go func() {
		defer inFlight.Done()
		defer engine.release()
		// stop must not interrupt a fetch in progress
		_, _ = engine.cycle(context.WithoutCancel(ctx))
	}()
}
