// Package ratebudget arbitrates remote API calls per account.
//
// Each account has one fixed-window counter per configured Window (hourly and daily by default)
// plus an optional pacing limiter that enforces a minimum spacing between calls. A call is
// granted only when every window has room and the pacer allows it.
package ratebudget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pubsched/internal/failure"
	"pubsched/internal/retry"
)

var ErrBudgetExhausted = errors.New("rate budget exhausted")

type Window struct {
	Size  time.Duration
	Limit int
}

type Config struct {
	Windows []Window
	// MinSpacing is the minimum gap between two calls of one account. 0 disables pacing.
	MinSpacing time.Duration
}

func DefaultWindows() []Window {
	return []Window{
		{Size: time.Hour, Limit: 100},
		{Size: 24 * time.Hour, Limit: 1000},
	}
}

func (c Config) withDefaults() Config {
	ws := make([]Window, 0, len(c.Windows))
	for _, w := range c.Windows {
		if w.Size > 0 && w.Limit > 0 {
			ws = append(ws, w)
		}
	}
	if len(ws) == 0 {
		ws = DefaultWindows()
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].Size < ws[j].Size })
	c.Windows = ws
	if c.MinSpacing < 0 {
		c.MinSpacing = 0
	}
	return c
}

// Decision is the result of Reserve: either Granted, or a Wait until a retry can succeed.
type Decision struct {
	Granted bool
	Wait    time.Duration
}

// Budget is a point-in-time view of one window of one account.
type Budget struct {
	AccountID   string        `json:"account_id"`
	Window      time.Duration `json:"window"`
	WindowStart time.Time     `json:"window_start"`
	Used        int           `json:"used"`
	Allowed     int           `json:"allowed"`
}

type windowState struct {
	start time.Time
	used  int
}

type account struct {
	windows      []windowState
	pacer        *rate.Limiter
	blockedUntil time.Time
}

type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	accounts map[string]*account

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Tracker)

// WithClock injects the time source; tests use it to step across window boundaries.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithSleep replaces the wait primitive used by Wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Tracker) { t.sleep = sleep }
}

func New(cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:      cfg.withDefaults(),
		accounts: map[string]*account{},
		now:      time.Now,
		sleep:    retry.Sleep,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Apply swaps limits at runtime. Usage recorded in windows whose size is unchanged is kept.
func (t *Tracker) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	prev := t.cfg
	t.cfg = cfg
	for _, a := range t.accounts {
		old := a.windows
		a.windows = make([]windowState, len(cfg.Windows))
		for i, w := range cfg.Windows {
			a.windows[i].start = now
			for j, pw := range prev.Windows {
				if pw.Size == w.Size && j < len(old) {
					a.windows[i] = old[j]
				}
			}
		}
		if cfg.MinSpacing != prev.MinSpacing {
			a.pacer = nil
			if cfg.MinSpacing > 0 {
				a.pacer = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
			}
		}
	}
}

func (t *Tracker) accountLocked(id string, now time.Time) *account {
	a := t.accounts[id]
	if a == nil {
		a = &account{windows: make([]windowState, len(t.cfg.Windows))}
		for i := range a.windows {
			a.windows[i].start = now
		}
		if t.cfg.MinSpacing > 0 {
			a.pacer = rate.NewLimiter(rate.Every(t.cfg.MinSpacing), 1)
		}
		t.accounts[id] = a
	}
	// Advance windows by whole multiples of their size so boundaries stay fixed.
	for i, w := range t.cfg.Windows {
		ws := &a.windows[i]
		if elapsed := now.Sub(ws.start); elapsed >= w.Size {
			ws.start = ws.start.Add(elapsed / w.Size * w.Size)
			ws.used = 0
		}
	}
	return a
}

// Reserve consumes one call from every window of accountID, or reports how long to wait.
func (t *Tracker) Reserve(accountID string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	a := t.accountLocked(accountID, now)

	var wait time.Duration
	if now.Before(a.blockedUntil) {
		wait = a.blockedUntil.Sub(now)
	}
	for i, w := range t.cfg.Windows {
		ws := a.windows[i]
		if ws.used >= w.Limit {
			wait = max(wait, ws.start.Add(w.Size).Sub(now))
		}
	}
	if wait > 0 {
		return Decision{Wait: wait}
	}

	if a.pacer != nil {
		r := a.pacer.ReserveN(now, 1)
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			return Decision{Wait: d}
		}
	}

	for i := range a.windows {
		a.windows[i].used++
	}
	return Decision{Granted: true}
}

// Block marks the account as throttled by the remote until `until`.
func (t *Tracker) Block(accountID string, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.accountLocked(accountID, t.now())
	if until.After(a.blockedUntil) {
		a.blockedUntil = until
	}
}

// Wait blocks until a reservation is granted. If the budget cannot be granted within timeout
// it fails with a RateLimited error carrying the remaining wait.
func (t *Tracker) Wait(ctx context.Context, accountID string, timeout time.Duration) error {
	start := t.now()
	for {
		d := t.Reserve(accountID)
		if d.Granted {
			return nil
		}
		remaining := timeout - t.now().Sub(start)
		if d.Wait > remaining {
			return failure.RateLimit("reserve", d.Wait, fmt.Errorf("%w for %s (retry in %s)", ErrBudgetExhausted, accountID, d.Wait.Round(time.Second)))
		}
		if err := t.sleep(ctx, d.Wait); err != nil {
			return failure.Wrap(failure.Canceled, "reserve", err)
		}
	}
}

// Snapshot returns the current windows of accountID, smallest window first.
func (t *Tracker) Snapshot(accountID string) []Budget {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.accountLocked(accountID, t.now())
	out := make([]Budget, 0, len(t.cfg.Windows))
	for i, w := range t.cfg.Windows {
		out = append(out, Budget{
			AccountID:   accountID,
			Window:      w.Size,
			WindowStart: a.windows[i].start,
			Used:        a.windows[i].used,
			Allowed:     w.Limit,
		})
	}
	return out
}
