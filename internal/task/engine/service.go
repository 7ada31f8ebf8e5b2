package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pubsched/internal/eventbus"
	logx "pubsched/pkg/logx"

	rtsup "pubsched/internal/runtime/supervisor"
)

// Event types published by the pool.
const (
	TypeTaskStarted  = "task.started"
	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
)

// Service is a bounded worker pool. Callers first Reserve a slot, which accounts for both the
// global active limit and the task's concurrency group, and then Run the task on it.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q chan queuedTask

	reserved int // slots reserved and not yet released
	inFlight int32
	panics   atomic.Uint64

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	workers  int

	groups accountSlots

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64
}

type queuedTask struct {
	task       Task
	slot       *Slot
	enqueuedAt time.Time
	timeout    time.Duration
}

// Slot is a reserved execution slot. Exactly one of Run or Release must be called.
type Slot struct {
	s     *Service
	group string
	once  sync.Once
	used  atomic.Bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "taskengine")),
		bus: bus,
	}
}

// Supervisor returns the pool's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply updates the active limit and default timeout. A larger worker count only takes effect
// after a restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	workers := s.workers
	if workers > 0 && cfg.ActiveLimit > workers {
		s.log.Warn("active limit above started workers; capped until restart",
			logx.Int("active_limit", cfg.ActiveLimit), logx.Int("workers", workers))
		cfg.ActiveLimit = workers
	}
	s.cfg = cfg
	s.mu.Unlock()
	if prev.ActiveLimit != cfg.ActiveLimit {
		s.log.Info("task engine limit changed", logx.Int("from", prev.ActiveLimit), logx.Int("to", cfg.ActiveLimit))
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.Workers)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.workers = cfg.Workers
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// worker failures should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("active_limit", cfg.ActiveLimit))
}

// Stop cancels running tasks and waits for them to return, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		// Wait unbounded in background; caller can still time out.
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.workers = 0
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Reserve takes a global slot and one slot of group (limit groupLimit). An empty group only
// takes the global slot.
func (s *Service) Reserve(group string, groupLimit int) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return nil, ErrStopped
	}
	if s.stopDone != nil {
		return nil, ErrStopping
	}
	if s.reserved >= s.cfg.ActiveLimit {
		return nil, ErrBusy
	}
	group = strings.TrimSpace(group)
	sl := &Slot{s: s, group: group}
	if group != "" {
		if !s.groups.acquire(group, groupLimit) {
			return nil, ErrGroupBusy
		}
	}
	s.reserved++
	return sl, nil
}

// Free reports how many more slots can be reserved right now.
func (s *Service) Free() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil || s.stopDone != nil {
		return 0
	}
	return max(s.cfg.ActiveLimit-s.reserved, 0)
}

// Release returns an unused slot.
func (sl *Slot) Release() {
	if sl == nil || sl.used.Load() {
		return
	}
	sl.release()
}

func (sl *Slot) release() {
	sl.once.Do(func() {
		if sl.group != "" {
			sl.s.groups.release(sl.group)
		}
		sl.s.mu.Lock()
		if sl.s.reserved > 0 {
			sl.s.reserved--
		}
		sl.s.mu.Unlock()
	})
}

// Run hands t to a worker. It never blocks: the reserved slot guarantees queue room.
func (sl *Slot) Run(t Task) error {
	if sl == nil {
		return ErrStopped
	}
	if t.Run == nil {
		sl.release()
		return fmt.Errorf("task Run is nil")
	}
	if !sl.used.CompareAndSwap(false, true) {
		return ErrSlotUsed
	}
	s := sl.s
	now := time.Now()
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		t.Name = "task"
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()
	if q == nil || stopCh == nil {
		sl.release()
		return ErrStopped
	}

	select {
	case q <- queuedTask{task: t, slot: sl, enqueuedAt: now, timeout: timeout}:
		return nil
	case <-stopCh:
		sl.release()
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	ql := 0
	if s.q != nil {
		ql = len(s.q)
	}
	snap := Snapshot{
		Running:        s.stopCh != nil && s.stopDone == nil,
		Workers:        s.workers,
		ActiveLimit:    cfg.ActiveLimit,
		Reserved:       s.reserved,
		QueueLen:       ql,
		DefaultTimeout: cfg.DefaultTimeout,
	}
	s.mu.Unlock()

	snap.InFlight = int(atomic.LoadInt32(&s.inFlight))
	snap.Panics = s.panics.Load()
	snap.Groups = s.groups.snapshot()

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
