// Package supervisor runs named goroutines under one cancellable context,
// recovering panics and recording the first failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	logx "pubsched/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	// failFast cancels ctx on the first error or panic.
	failFast bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	drained  chan struct{}

	mu       sync.Mutex
	firstErr error
	routines map[string]*GoroutineStats
}

type SupervisorOption func(*Supervisor)

// GoroutineStats aggregates every goroutine started under one name.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.failFast = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		drained:  make(chan struct{}),
		routines: make(map[string]*GoroutineStats),
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, r := range s.routines {
		snap.Active += r.Active
		snap.Started += r.Started
		snap.Goroutines = append(snap.Goroutines, *r)
	}
	slices.SortFunc(snap.Goroutines, func(a, b GoroutineStats) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

func (s *Supervisor) update(name string, fn func(r *GoroutineStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routines[name]
	if !ok {
		r = &GoroutineStats{Name: name}
		s.routines[name] = r
	}
	fn(r)
}

// fail records err as the first failure (if none yet) and cancels in fail-fast mode.
func (s *Supervisor) fail(name string, err error) {
	s.mu.Lock()
	if r := s.routines[name]; r != nil {
		r.LastErr = err.Error()
	}
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.failFast {
		s.cancel()
	}
}

// guard runs fn, converting a panic into an error.
func (s *Supervisor) guard(name string, fn func(context.Context) error) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.update(name, func(st *GoroutineStats) { st.Panics++ })
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			panicked, err = true, fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return false, fn(s.ctx)
}

// Go runs fn in a goroutine. Errors other than context.Canceled are recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.update(name, func(r *GoroutineStats) {
		r.Started++
		r.Active++
		r.LastStartAt = time.Now()
	})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.update(name, func(r *GoroutineStats) { r.Active-- })

		s.log.Debug("goroutine started", logx.String("name", name))
		panicked, err := s.guard(name, fn)
		switch {
		case panicked:
			s.fail(name, err)
		case err != nil && !errors.Is(err, context.Canceled):
			s.fail(name, fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceil time.Duration
	limit       int // 0: unlimited
	// A run that lasted at least healthy resets the backoff.
	healthy time.Duration
}

func (p restartPolicy) next(cur time.Duration) time.Duration {
	return min(cur*2, p.ceil)
}

// jittered adds up to 20% on top of d.
func jittered(d time.Duration) time.Duration {
	if spread := int64(d) / 5; spread > 0 {
		return d + time.Duration(rand.Int64N(spread+1))
	}
	return d
}

func WithRestartBackoff(floor, ceil time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if floor > 0 {
			p.floor = floor
		}
		if ceil > 0 {
			p.ceil = ceil
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// GoRestart keeps fn running: an error or panic restarts it after an exponential
// backoff. A nil return or a cancelled context ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{floor: 250 * time.Millisecond, ceil: 30 * time.Second, healthy: 30 * time.Second}
	for _, opt := range opts {
		opt(&p)
	}
	p.ceil = max(p.ceil, p.floor)

	s.Go0(name+".restart", func(ctx context.Context) {
		delay := p.floor
		for restarts := 1; ctx.Err() == nil; restarts++ {
			began := time.Now()
			_, err := s.guard(name, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			s.update(name, func(r *GoroutineStats) {
				r.Restarts++
				r.LastErr = err.Error()
			})
			if p.limit > 0 && restarts > p.limit {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(name, fmt.Errorf("%s: %w", name, err))
				return
			}
			if time.Since(began) >= p.healthy {
				delay = p.floor
			}
			wait := jittered(delay)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			delay = p.next(delay)
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.drained)
		}()
	})
	select {
	case <-s.drained:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
