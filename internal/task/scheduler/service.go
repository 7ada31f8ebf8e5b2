package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"pubsched/internal/eventbus"
	"pubsched/internal/jobs"
	"pubsched/internal/retry"
	"pubsched/internal/schedule"
	"pubsched/internal/storage"
	"pubsched/internal/task/engine"
	logx "pubsched/pkg/logx"

	rtsup "pubsched/internal/runtime/supervisor"
)

const persistTimeout = 10 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store Store
	exec  Executor
	pool  *engine.Service
	exp   *schedule.Expander

	// stateMu serializes job status transitions: dispatch, outcome recording and user
	// commands never interleave on the same record.
	stateMu sync.Mutex

	running  map[string]*execution
	inflight sync.WaitGroup
	paused   bool
	stopping bool
	nextWake time.Time

	sup  *rtsup.Supervisor
	wake chan struct{}

	rng *rand.Rand
	now func() time.Time

	dispatched atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	cancelled  atomic.Uint64
	retried    atomic.Uint64
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	exp := deps.Expander
	if exp == nil {
		exp = schedule.NewExpander(0)
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		store:   deps.Store,
		exec:    deps.Executor,
		pool:    deps.Pool,
		exp:     exp,
		running: map[string]*execution{},
		wake:    make(chan struct{}, 1),
		rng:     retry.NewRand(1),
		now:     time.Now,
	}
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev != cfg {
		s.log.Info("scheduler config applied",
			logx.Int("max_attempts", cfg.MaxAttempts),
			logx.Duration("retry_base", cfg.RetryBase),
			logx.Duration("retry_max", cfg.RetryMax))
	}
	s.Wake()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Wake interrupts the loop's wait so due jobs are re-read immediately.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start reconciles jobs left running by a previous process and starts the trigger loop and the
// retention sweep. The task engine must already be started.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.recover(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.stopping = false
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	paused := s.paused
	s.mu.Unlock()

	sup.GoRestart("scheduler.loop", s.loop)
	sup.GoRestart("scheduler.sweep", s.sweepLoop)
	s.log.Info("scheduler started", logx.Bool("paused", paused))
	return nil
}

// Stop halts triggering, cancels in-flight executions and waits for them to record their
// outcome, bounded by ctx. Interrupted jobs are re-queued. A non-nil error means executions were
// still running when ctx ended.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.stopping = true
	for _, ex := range s.running {
		if ex.cancel != nil {
			ex.cancel()
		}
	}
	n := len(s.running)
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	s.log.Info("stop requested", logx.Int("in_flight", n))

	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("scheduler loop stop timed out", logx.Err(err))
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; running jobs are recovered on next start", logx.Err(ctx.Err()))
		return fmt.Errorf("executions still running: %w", ctx.Err())
	}
}

func (s *Service) loop(ctx context.Context) error {
	var taskCh <-chan eventbus.Event
	if s.bus != nil {
		// A finished task frees its account and pool slot.
		ch, unsub := s.bus.SubscribeTypes(16, engine.TypeTaskFinished, engine.TypeTaskFailed)
		defer unsub()
		taskCh = ch
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-s.wake:
		case <-taskCh:
		}

		d, err := s.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d = s.config().BlockedPoll
			s.log.Warn("scheduler tick failed", logx.Err(err), logx.Duration("retry_in", d))
		}
		s.mu.Lock()
		s.nextWake = s.now().Add(d)
		s.mu.Unlock()
		timer.Reset(d)
	}
}

func (s *Service) sweepLoop(ctx context.Context) error {
	for {
		cfg := s.config()
		n, err := s.store.PruneJobs(ctx, s.now().Add(-cfg.RetentionPeriod))
		switch {
		case err != nil && ctx.Err() == nil:
			s.log.Warn("retention sweep failed", logx.Err(err))
		case n > 0:
			s.log.Info("retention sweep pruned jobs", logx.Int("jobs", n), logx.Duration("retention", cfg.RetentionPeriod))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.SweepInterval):
		}
	}
}

// recover moves jobs left running by a previous process back to the queue, due now.
// Overdue pending jobs need no fixup: they are due, fire once, and recurring ones then
// reschedule after the current time.
func (s *Service) recover(ctx context.Context) error {
	orphans, err := s.store.ListJobs(ctx, storage.JobFilter{Statuses: []jobs.Status{jobs.StatusRunning}})
	if err != nil {
		return err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	now := s.now()
	for _, j := range orphans {
		from := j.Status
		j.Status = jobs.StatusQueued
		j.NextDueAt = now
		j.LastError = "interrupted by restart"
		j.UpdatedAt = now
		if err := s.store.UpsertJob(ctx, j); err != nil {
			return err
		}
		s.publishStatus(j, from)
	}
	if len(orphans) > 0 {
		s.log.Warn("recovered interrupted jobs", logx.Int("jobs", len(orphans)))
	}
	return nil
}

// Pause stops dispatching new jobs. Running jobs continue.
func (s *Service) Pause() {
	s.mu.Lock()
	was := s.paused
	s.paused = true
	s.mu.Unlock()
	if !was {
		s.log.Info("scheduler paused")
		s.publish(eventbus.TypeSchedulerPaused, nil)
	}
	s.Wake()
}

func (s *Service) Resume() {
	s.mu.Lock()
	was := s.paused
	s.paused = false
	s.mu.Unlock()
	if was {
		s.log.Info("scheduler resumed")
		s.publish(eventbus.TypeSchedulerResumed, nil)
	}
	s.Wake()
}

func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Subscribe delivers job progress, status and outcome events plus pause/resume notices.
func (s *Service) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	if s.bus == nil {
		ch := make(chan eventbus.Event)
		close(ch)
		return ch, func() {}
	}
	return s.bus.SubscribeTypes(buffer, "job.", "scheduler.")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	snap := Snapshot{
		Started:     s.sup != nil,
		Paused:      s.paused,
		NextWake:    s.nextWake,
		MaxAttempts: cfg.MaxAttempts,
		RetryBase:   cfg.RetryBase,
		RetryMax:    cfg.RetryMax,
	}
	for id, ex := range s.running {
		snap.Running = append(snap.Running, RunningJob{JobID: id, AccountID: ex.accountID, Attempt: ex.attempt, Started: ex.started})
	}
	s.mu.Unlock()

	snap.Dispatched = s.dispatched.Load()
	snap.Completed = s.completed.Load()
	snap.Failed = s.failed.Load()
	snap.Cancelled = s.cancelled.Load()
	snap.Retried = s.retried.Load()
	if s.pool != nil {
		snap.Engine = s.pool.Snapshot()
	}
	return snap
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func (s *Service) publishStatus(j jobs.Job, from jobs.Status) {
	s.publish(eventbus.TypeJobStatus, eventbus.JobStatus{
		JobID:     j.ID,
		AccountID: j.AccountID,
		Kind:      string(j.Kind),
		From:      string(from),
		To:        string(j.Status),
		Attempt:   j.AttemptCount,
		NextDueAt: j.NextDueAt,
		Error:     j.LastError,
	})
}
