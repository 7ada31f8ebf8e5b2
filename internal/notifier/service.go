package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pubsched/internal/eventbus"
	"pubsched/internal/storage"
	kit "pubsched/internal/transport"
	logx "pubsched/pkg/logx"

	rtsup "pubsched/internal/runtime/supervisor"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyLimit = 300

type outgoing struct {
	n   kit.Notification
	key string
}

// run is the state of one Start..Stop cycle.
type run struct {
	sup     *rtsup.Supervisor
	queue   chan outgoing
	persist chan dedupWrite // nil without persistent dedup
	quit    chan struct{}
	// inflight counts Notify calls between the accepting check and the enqueue.
	inflight sync.WaitGroup
	stopped  chan struct{}
}

// Service delivers notifications asynchronously. It is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	store  storage.DedupStore
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	cur     *run
	closing bool

	dedup *suppressor

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the service. store may be nil, which disables persistent dedup.
func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus, store storage.DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		store:  store,
		now:    time.Now,
	}
	s.Apply(cfg)
	return s
}

// Supervisor returns the supervisor of the running cycle, or nil.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Worker count and queue size apply on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	if s.dedup == nil || s.dedup.capacity != cfg.DedupMaxEntries {
		s.dedup = newSuppressor(cfg.DedupMaxEntries)
	}
}

func (s *Service) snapshotConfig() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Start launches the workers and the outcome subscription. It does nothing when disabled
// or already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	r := &run{
		sup:     rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
		queue:   make(chan outgoing, cfg.QueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if cfg.PersistDedup && s.store != nil {
		r.persist = make(chan dedupWrite, 1024)
	}
	s.cur = r
	s.mu.Unlock()

	if r.persist != nil {
		r.sup.Go0("dedup.persist", func(c context.Context) { s.persistLoop(c, r.persist) })
	}
	for i := range cfg.Workers {
		r.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.deliver(c, r.queue, int64(i))
		})
	}
	if s.bus != nil {
		ch, unsub := s.bus.SubscribeTypes(64, eventbus.TypeJobOutcome)
		r.sup.Go0("outcomes", func(c context.Context) {
			defer unsub()
			s.consumeOutcomes(c, r.quit, ch)
		})
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.Int("targets", len(cfg.Targets)))
}

// Stop refuses new notifications and drains the queue until ctx ends; whatever is
// still queued then is dropped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return
	}
	first := !s.closing
	s.closing = true
	s.mu.Unlock()

	if first {
		close(r.quit)
		go func() {
			r.inflight.Wait()
			close(r.queue)
			if r.persist != nil {
				close(r.persist)
			}
			_ = r.sup.Wait(context.Background())
			s.mu.Lock()
			s.cur, s.closing = nil, false
			s.mu.Unlock()
			close(r.stopped)
		}()
	}

	select {
	case <-r.stopped:
		if first {
			s.log.Info("notifier stopped")
		}
	case <-ctx.Done():
		r.sup.Cancel()
		s.log.Warn("notifier stop timed out; pending messages dropped")
	}
}

// Notify queues one notification. A notification suppressed by dedup returns nil.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg, r, dd := s.cfg, s.cur, s.dedup
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case r == nil || s.closing:
		s.mu.Unlock()
		return ErrStopped
	}
	r.inflight.Add(1)
	s.mu.Unlock()
	defer r.inflight.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && key != "" {
		var store storage.DedupStore
		if r.persist != nil {
			store = s.store
		}
		until, ok := dd.admit(ctx, key, s.now(), cfg.DedupWindow, store)
		if !ok {
			s.publish(TypeDeduped, n, key, "")
			return nil
		}
		if r.persist != nil {
			select {
			case r.persist <- dedupWrite{key: key, until: until}:
			default:
			}
		}
	}

	select {
	case r.queue <- outgoing{n: n, key: key}:
		s.publish(TypeQueued, n, key, "")
		return nil
	default:
		s.publish(TypeDropped, n, key, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, n kit.Notification, key, errText string) {
	if s.bus == nil {
		return
	}
	now := s.now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: NotificationEvent{
		Channel:  n.Channel,
		ChatID:   n.Target.ChatID,
		ThreadID: n.Target.ThreadID,
		Key:      key,
		At:       now,
		Error:    errText,
	}})
}

// Snapshot returns the most recently delivered messages, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(text string) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: s.now(), Text: text})
	if over := len(s.history) - historyLimit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}
