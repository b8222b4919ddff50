package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"neko/internal/async"
	"neko/internal/channels"
	"neko/internal/logging"
)

const (
	DefaultTick          = 15 * time.Second
	DefaultJobTimeout    = 10 * time.Minute
	DefaultMaxConcurrent = 4
	DefaultShutdownGrace = 30 * time.Second
)

// Config holds scheduler configuration.
type Config struct {
	Tick          time.Duration
	JobTimeout    time.Duration
	MaxConcurrent int
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// RunRequest is one agent invocation on behalf of a job.
type RunRequest struct {
	JobID      string
	JobName    string
	Prompt     string
	SessionKey string
	// Origin is the job's announce target, if any. Jobs the agent creates
	// during this run default to it.
	Origin *channels.Address
}

// AgentRunner executes a prompt through the agent loop.
type AgentRunner interface {
	Run(ctx context.Context, req RunRequest) (string, error)
}

// Announcer delivers job results to a channel destination.
type Announcer interface {
	Deliver(ctx context.Context, addr channels.Address, text string) error
}

// Observer receives one callback per finished attempt.
type Observer interface {
	ObserveJobRun(ctx context.Context, outcome string, duration time.Duration)
}

// Scheduler polls the job store on a fixed tick and runs due jobs. Due-job
// selection is serialized; executions fan out under a concurrency limit.
type Scheduler struct {
	cfg       Config
	store     JobStore
	history   *HistoryLog
	runner    AgentRunner
	announcer Announcer
	observer  Observer
	logger    logging.Logger
	now       func() time.Time

	tickMu sync.Mutex
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]Job

	runCtx     context.Context
	cancelRuns context.CancelFunc
	stopping   chan struct{}
	loopDone   chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAnnouncer sets the result router.
func WithAnnouncer(a Announcer) Option {
	return func(s *Scheduler) { s.announcer = a }
}

// WithObserver sets the run observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New creates a Scheduler.
func New(cfg Config, store JobStore, history *HistoryLog, runner AgentRunner, logger logging.Logger, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		store:      store,
		history:    history,
		runner:     runner,
		logger:     logging.OrNop(logger),
		now:        time.Now,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		inFlight:   make(map[string]Job),
		runCtx:     runCtx,
		cancelRuns: cancel,
		stopping:   make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start recovers jobs left running by a previous process and starts the
// tick loop. It returns immediately; call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		if err = s.RecoverStale(ctx); err != nil {
			close(s.loopDone)
			return
		}
		async.Go(s.logger, "scheduler.loop", func() { s.loop(ctx) })
		s.logger.Info("Scheduler started (tick=%s, max_concurrent=%d)", s.cfg.Tick, s.cfg.MaxConcurrent)
	})
	return err
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.tickLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopping:
			return
		case <-ticker.C:
			s.tickLogged(ctx)
		}
	}
}

func (s *Scheduler) tickLogged(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		s.logger.Error("Scheduler: tick failed: %v", err)
	}
}

// Tick claims every due job and launches it. It returns the number of jobs
// launched. Overlapping calls are serialized, and a job is only launched by
// the caller that wins its claim in the store.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	select {
	case <-s.stopping:
		return 0, nil
	default:
	}

	jobs, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	launched := 0
	for _, candidate := range jobs {
		if !candidate.IsDue(now) {
			continue
		}
		job, ok, err := s.store.Claim(ctx, candidate.ID, now)
		if err != nil {
			s.logger.Warn("Scheduler: claim %s failed: %v", candidate.ID, err)
			continue
		}
		if !ok {
			continue
		}
		s.launch(*job)
		launched++
	}
	return launched, nil
}

func (s *Scheduler) launch(job Job) {
	s.mu.Lock()
	s.inFlight[job.ID] = job
	s.mu.Unlock()

	async.GoTracked(&s.wg, s.logger, "scheduler.job."+job.ID, func() {
		if err := s.sem.Acquire(s.runCtx, 1); err != nil {
			s.interrupt(job, "scheduler stopped before the job started")
			return
		}
		defer s.sem.Release(1)
		s.execute(job)
	})
}

// Wait blocks until every launched job has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// InFlight returns the ids of running jobs.
func (s *Scheduler) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// Stop halts the tick loop and waits up to the shutdown grace period for
// running jobs. Jobs still running after that are cancelled and recorded
// as interrupted. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Scheduler stopping...")
		close(s.stopping)

		s.tickMu.Lock()
		s.tickMu.Unlock()

		if !waitTimeout(&s.wg, s.cfg.ShutdownGrace) {
			s.logger.Warn("Scheduler: %d jobs still running after %s, cancelling", len(s.InFlight()), s.cfg.ShutdownGrace)
		}
		s.cancelRuns()

		if !waitTimeout(&s.wg, time.Second) {
			s.mu.Lock()
			pending := make([]Job, 0, len(s.inFlight))
			for _, job := range s.inFlight {
				pending = append(pending, job)
			}
			s.mu.Unlock()
			for _, job := range pending {
				s.interrupt(job, "scheduler stopped while the job was running")
			}
		}
		s.logger.Info("Scheduler stopped")
	})
}

// Done is closed when the tick loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.loopDone
}

// RecoverStale resets jobs persisted as running, which can only be left
// behind by a process that died mid-run, and records them as interrupted.
func (s *Scheduler) RecoverStale(ctx context.Context) error {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status != JobStatusRunning {
			continue
		}
		s.mu.Lock()
		_, live := s.inFlight[job.ID]
		s.mu.Unlock()
		if live {
			continue
		}
		s.logger.Warn("Scheduler: job %s was left running by a previous process", job.ID)
		s.recordInterrupted(ctx, job, "process exited while the job was running")
	}
	return nil
}

// interrupt records job as interrupted unless its run already finished.
func (s *Scheduler) interrupt(job Job, reason string) {
	if !s.release(job.ID) {
		return
	}
	s.recordInterrupted(context.Background(), job, reason)
}

func (s *Scheduler) recordInterrupted(ctx context.Context, job Job, reason string) {
	started := job.RunningSince
	if started.IsZero() {
		started = s.now()
	}
	_, err := s.store.Update(ctx, job.ID, func(j *Job) error {
		if j.Status == JobStatusRunning {
			j.Status = JobStatusActive
		}
		j.RunningSince = time.Time{}
		return nil
	})
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		s.logger.Error("Scheduler: reset interrupted job %s: %v", job.ID, err)
	}
	s.appendHistory(ctx, HistoryEntry{
		JobID:      job.ID,
		JobName:    job.Name,
		StartedAt:  started,
		FinishedAt: s.now(),
		Outcome:    OutcomeInterrupted,
		Error:      reason,
	})
}

// release removes id from the in-flight set and reports whether the
// caller was the one to do so. Exactly one of the run and the shutdown
// path records each attempt.
func (s *Scheduler) release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[id]; !ok {
		return false
	}
	delete(s.inFlight, id)
	return true
}

func (s *Scheduler) appendHistory(ctx context.Context, entry HistoryEntry) {
	if s.history == nil {
		return
	}
	if err := s.history.Append(ctx, entry); err != nil {
		s.logger.Error("Scheduler: append history for %s: %v", entry.JobID, err)
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
