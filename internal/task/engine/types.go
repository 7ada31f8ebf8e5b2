package engine

import (
	"context"
	"time"
)

// Config controls the execution pool.
//
// Workers is fixed when the pool starts. ActiveLimit caps concurrently reserved slots and can be
// changed at runtime with Apply; 0 means Workers.
type Config struct {
	Workers     int
	ActiveLimit int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.ActiveLimit <= 0 || c.ActiveLimit > c.Workers {
		c.ActiveLimit = c.Workers
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type HistoryItem struct {
	ID         string
	Name       string
	Group      string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Group      string        `json:"group,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the pool. Run observes ctx cancellation when the pool
// stops; a task still queued at stop is run with an already canceled context.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running     bool
	Workers     int
	ActiveLimit int
	Reserved    int
	InFlight    int
	QueueLen    int
	Groups      map[string]int // reserved slots per group
	Panics      uint64

	DefaultTimeout time.Duration
	History        []HistoryItem
}
