package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pubsched/internal/failure"
	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
	"pubsched/internal/transfer"
	logx "pubsched/pkg/logx"
)

type JobStore interface {
	UpsertJob(ctx context.Context, j jobs.Job) error
	GetJob(ctx context.Context, id string) (jobs.Job, bool, error)
	// DeleteJob removes the job and its transfer sessions.
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, f JobFilter) ([]jobs.Job, error)
	// PruneJobs deletes terminal one-shot jobs last updated before the cutoff.
	PruneJobs(ctx context.Context, before time.Time) (int, error)
}

type TemplateStore interface {
	// UpsertTemplate stores t. A default template clears the flag on every other template.
	UpsertTemplate(ctx context.Context, t schedule.Template) error
	GetTemplate(ctx context.Context, id string) (schedule.Template, bool, error)
	DeleteTemplate(ctx context.Context, id string) error
	ListTemplates(ctx context.Context) ([]schedule.Template, error)
	DefaultTemplate(ctx context.Context) (schedule.Template, bool, error)
}

type SessionStore interface {
	transfer.Store
	DeleteSessionsForJob(ctx context.Context, jobID string) error
}

type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the persistence API used by the scheduler, the coordinator and the notifier.
type Store interface {
	JobStore
	TemplateStore
	SessionStore
	DedupStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "memory":
		st = newMemory(log)
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "":
		return nil, failure.New(failure.Validation, "storage.open", "storage.driver is required")
	default:
		return nil, failure.New(failure.Validation, "storage.open", "unknown storage driver: "+driver)
	}
	if err != nil {
		return nil, failure.Wrap(failure.Persistence, "storage.open", fmt.Errorf("%s: %w", driver, err))
	}
	log.Info("storage opened", logx.String("path", cfg.Path))
	return st, nil
}

func wrap(op string, err error) error {
	return failure.Wrap(failure.Persistence, "storage."+op, err)
}
