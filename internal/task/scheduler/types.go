package scheduler

import (
	"context"
	"errors"
	"time"

	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
	"pubsched/internal/storage"
	"pubsched/internal/task/engine"
	"pubsched/internal/upload"
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrTerminal         = errors.New("job already finished")
	ErrTemplateNotFound = errors.New("template not found")
)

// Config controls the trigger loop and the job retry policy.
type Config struct {
	// MaxAttempts bounds executions of a job failing with retryable errors (default 3).
	MaxAttempts int
	// RetryBase doubles per attempt up to RetryMax (defaults 30s / 30m).
	RetryBase time.Duration
	RetryMax  time.Duration

	// JobTimeout bounds one execution; 0 disables it.
	JobTimeout time.Duration

	// MaxIdle caps how long the loop sleeps without re-reading the store (default 1m).
	MaxIdle time.Duration
	// BlockedPoll is the recheck delay while due jobs wait for a slot (default 1s).
	BlockedPoll time.Duration
	// TemplateRecheck is how far a job whose template is disabled or missing is pushed (default 15m).
	TemplateRecheck time.Duration

	// RetentionPeriod keeps finished one-shot jobs around (default 30 days); SweepInterval is
	// how often they are pruned (default 1h).
	RetentionPeriod time.Duration
	SweepInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Minute
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = c.RetryBase
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = time.Minute
	}
	if c.BlockedPoll <= 0 {
		c.BlockedPoll = time.Second
	}
	if c.TemplateRecheck <= 0 {
		c.TemplateRecheck = 15 * time.Minute
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 30 * 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	return c
}

// Store is the persistence the scheduler needs.
type Store interface {
	storage.JobStore
	storage.TemplateStore
	DeleteSessionsForJob(ctx context.Context, jobID string) error
}

// Executor runs one execution of a job. The upload coordinator implements it.
type Executor interface {
	Execute(ctx context.Context, job jobs.Job) (upload.Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job jobs.Job) (upload.Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, job jobs.Job) (upload.Outcome, error) {
	return f(ctx, job)
}

type Deps struct {
	Store    Store
	Executor Executor
	Pool     *engine.Service
	Expander *schedule.Expander
}

// execution tracks a dispatched job until its outcome is recorded.
type execution struct {
	accountID string
	attempt   int
	started   time.Time
	cancel    context.CancelFunc
	// cancelRequested marks a user cancel, as opposed to shutdown.
	cancelRequested bool
}

// RunningJob describes a job currently holding an engine slot.
type RunningJob struct {
	JobID     string    `json:"job_id"`
	AccountID string    `json:"account_id"`
	Attempt   int       `json:"attempt"`
	Started   time.Time `json:"started"`
}

type Snapshot struct {
	Started  bool
	Paused   bool
	NextWake time.Time
	Running  []RunningJob

	Dispatched uint64
	Completed  uint64
	Failed     uint64
	Cancelled  uint64
	Retried    uint64

	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration

	Engine engine.Snapshot
}
