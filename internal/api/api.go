// Package api exposes the scheduler over a token-authenticated JSON HTTP API, with job and
// scheduler events streamed as server-sent events.
package api

import (
	"context"
	"time"

	"pubsched/internal/eventbus"
	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
	"pubsched/internal/storage"
	"pubsched/internal/task/scheduler"
)

// Scheduler is the control surface the API drives. *scheduler.Service implements it.
type Scheduler interface {
	AddJob(ctx context.Context, j jobs.Job) (jobs.Job, error)
	GetJob(ctx context.Context, id string) (jobs.Job, error)
	ListJobs(ctx context.Context, f storage.JobFilter) ([]jobs.Job, error)
	CancelJob(ctx context.Context, id string) error
	RemoveJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string) (jobs.Job, error)

	SaveTemplate(ctx context.Context, t schedule.Template) (schedule.Template, error)
	GetTemplate(ctx context.Context, id string) (schedule.Template, error)
	ListTemplates(ctx context.Context) ([]schedule.Template, error)
	DeleteTemplate(ctx context.Context, id string) error

	Pause()
	Resume()
	Snapshot() scheduler.Snapshot
	Subscribe(buffer int) (<-chan eventbus.Event, func())
}

var _ Scheduler = (*scheduler.Service)(nil)

type Config struct {
	Enabled bool
	Addr    string
	// Token is required unless Addr is a loopback address.
	Token string

	ReadTimeout time.Duration
	IdleTimeout time.Duration
	// Heartbeat is the SSE keepalive interval (default 15s).
	Heartbeat time.Duration
}

const DefaultAddr = "127.0.0.1:8787"

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	return c
}

// SnapshotView is the JSON form of the scheduler snapshot.
type SnapshotView struct {
	Started    bool                   `json:"started"`
	Paused     bool                   `json:"paused"`
	NextWake   time.Time              `json:"next_wake,omitempty"`
	Running    []scheduler.RunningJob `json:"running"`
	Dispatched uint64                 `json:"dispatched"`
	Completed  uint64                 `json:"completed"`
	Failed     uint64                 `json:"failed"`
	Cancelled  uint64                 `json:"cancelled"`
	Retried    uint64                 `json:"retried"`
	Workers    int                    `json:"workers"`
	Active     int                    `json:"active_limit"`
	InFlight   int                    `json:"in_flight"`
	Queued     int                    `json:"queue_len"`
}

func snapshotView(s scheduler.Snapshot) SnapshotView {
	running := s.Running
	if running == nil {
		running = []scheduler.RunningJob{}
	}
	return SnapshotView{
		Started:    s.Started,
		Paused:     s.Paused,
		NextWake:   s.NextWake,
		Running:    running,
		Dispatched: s.Dispatched,
		Completed:  s.Completed,
		Failed:     s.Failed,
		Cancelled:  s.Cancelled,
		Retried:    s.Retried,
		Workers:    s.Engine.Workers,
		Active:     s.Engine.ActiveLimit,
		InFlight:   s.Engine.InFlight,
		Queued:     s.Engine.QueueLen,
	}
}
