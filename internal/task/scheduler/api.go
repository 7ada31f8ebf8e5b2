package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pubsched/internal/eventbus"
	"pubsched/internal/failure"
	"pubsched/internal/jobs"
	"pubsched/internal/retry"
	"pubsched/internal/schedule"
	"pubsched/internal/storage"
	logx "pubsched/pkg/logx"
)

// AddJob validates j, assigns its id and first due instant, and persists it as pending.
// Template schedules without a template id follow whichever template is the default when each
// occurrence is expanded.
func (s *Service) AddJob(ctx context.Context, j jobs.Job) (jobs.Job, error) {
	if err := j.Validate(); err != nil {
		return jobs.Job{}, failure.Wrap(failure.Validation, "scheduler.add", err)
	}
	j.ID = strings.TrimSpace(j.ID)
	if j.ID == "" {
		j.ID = jobs.NewID()
	}

	now := s.now()
	if j.Schedule.Kind == schedule.KindTemplate {
		tmpl, err := s.template(ctx, j.Schedule)
		if err != nil {
			return jobs.Job{}, err
		}
		if tmpl == nil {
			if j.Schedule.TemplateID == "" {
				return jobs.Job{}, failure.Validationf("no default template configured")
			}
			return jobs.Job{}, failure.Validationf("template %q not found", j.Schedule.TemplateID)
		}
	}

	switch j.Schedule.Kind {
	case schedule.KindOnce:
		// A past instant is due now and fires once.
		j.NextDueAt = j.Schedule.At
		if j.NextDueAt.Before(now) {
			j.NextDueAt = now
		}
	default:
		next, ok, err := s.nextDue(ctx, j.Schedule, now)
		if err != nil {
			return jobs.Job{}, err
		}
		if !ok {
			return jobs.Job{}, failure.Validationf("schedule has no upcoming occurrence")
		}
		j.NextDueAt = next
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if _, exists, err := s.store.GetJob(ctx, j.ID); err != nil {
		return jobs.Job{}, err
	} else if exists {
		return jobs.Job{}, failure.Validationf("job %s already exists", j.ID)
	}

	j.Status = jobs.StatusPending
	j.AttemptCount = 0
	j.Cursor = 0
	j.LastError, j.ErrorClass, j.Summary = "", "", ""
	j.RemoteItemIDs = nil
	j.LastRunAt = time.Time{}
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := s.store.UpsertJob(ctx, j); err != nil {
		return jobs.Job{}, err
	}
	s.log.Info("job added",
		logx.String("job", j.ID),
		logx.String("key", j.Key()),
		logx.String("schedule", string(j.Schedule.Kind)),
		logx.Time("next_due_at", j.NextDueAt),
		logx.Int("files", len(j.Payload.Files)),
		logx.String("folder", j.Payload.Folder))
	s.publishStatus(j, "")
	s.Wake()
	return j, nil
}

// RemoveJob deletes a job and its transfer sessions, cancelling it first if it is running.
func (s *Service) RemoveJob(ctx context.Context, id string) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	j, found, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	s.requestCancel(id)
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.log.Info("job removed", logx.String("job", id), logx.String("status", string(j.Status)))
	s.publish(eventbus.TypeJobStatus, eventbus.JobStatus{
		JobID:     j.ID,
		AccountID: j.AccountID,
		Kind:      string(j.Kind),
		From:      string(j.Status),
		To:        "removed",
		Attempt:   j.AttemptCount,
	})
	s.Wake()
	return nil
}

// CancelJob stops a job. A running execution is interrupted at its next checkpoint and records
// the cancellation itself; committed transfer progress is kept for RetryJob.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	j, found, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return ErrTerminal
	}
	if s.requestCancel(id) {
		s.log.Info("cancel requested for running job", logx.String("job", id))
		return nil
	}

	from := j.Status
	j.Status = jobs.StatusCancelled
	j.LastError = "cancelled"
	j.ErrorClass = string(failure.Canceled)
	j.UpdatedAt = s.now()
	if err := s.store.UpsertJob(ctx, j); err != nil {
		return err
	}
	s.cancelled.Add(1)
	s.log.Info("job cancelled", logx.String("job", id), logx.String("from", string(from)))
	s.publishStatus(j, from)
	s.publish(eventbus.TypeJobOutcome, eventbus.JobOutcome{
		JobID:      j.ID,
		AccountID:  j.AccountID,
		Kind:       string(j.Kind),
		Status:     string(j.Status),
		Summary:    "cancelled before running",
		ErrorClass: j.ErrorClass,
		Attempt:    j.AttemptCount,
	})
	s.Wake()
	return nil
}

// RetryJob re-queues a failed or cancelled job, due now, with a fresh attempt budget.
// Transfers resume from their committed offsets.
func (s *Service) RetryJob(ctx context.Context, id string) (jobs.Job, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	j, found, err := s.store.GetJob(ctx, id)
	if err != nil {
		return jobs.Job{}, err
	}
	if !found {
		return jobs.Job{}, ErrNotFound
	}
	if j.Status != jobs.StatusFailed && j.Status != jobs.StatusCancelled {
		return jobs.Job{}, failure.Validationf("job %s is %s; only failed or cancelled jobs can be retried", id, j.Status)
	}
	from := j.Status
	now := s.now()
	j.Status = jobs.StatusQueued
	j.AttemptCount = 0
	j.NextDueAt = now
	j.UpdatedAt = now
	if err := s.store.UpsertJob(ctx, j); err != nil {
		return jobs.Job{}, err
	}
	s.log.Info("job re-queued", logx.String("job", id), logx.String("from", string(from)))
	s.publishStatus(j, from)
	s.Wake()
	return j, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	j, found, err := s.store.GetJob(ctx, id)
	if err != nil {
		return jobs.Job{}, err
	}
	if !found {
		return jobs.Job{}, ErrNotFound
	}
	return j, nil
}

func (s *Service) ListJobs(ctx context.Context, f storage.JobFilter) ([]jobs.Job, error) {
	return s.store.ListJobs(ctx, f)
}

// requestCancel flags a running execution as user cancelled. It reports whether one was found.
func (s *Service) requestCancel(id string) bool {
	s.mu.Lock()
	ex := s.running[id]
	var cancel func()
	if ex != nil {
		ex.cancelRequested = true
		cancel = ex.cancel
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return ex != nil
}

// template resolves a template spec; a missing template returns nil without error.
func (s *Service) template(ctx context.Context, spec schedule.Spec) (*schedule.Template, error) {
	var (
		t     schedule.Template
		found bool
		err   error
	)
	if spec.TemplateID == "" {
		t, found, err = s.store.DefaultTemplate(ctx)
	} else {
		t, found, err = s.store.GetTemplate(ctx, spec.TemplateID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve template: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &t, nil
}

// nextDue returns the next due instant of a recurring schedule strictly after `after`.
func (s *Service) nextDue(ctx context.Context, spec schedule.Spec, after time.Time) (time.Time, bool, error) {
	var tmpl *schedule.Template
	if spec.Kind == schedule.KindTemplate {
		t, err := s.template(ctx, spec)
		if err != nil {
			return time.Time{}, false, err
		}
		tmpl = t
	}
	next, ok := s.exp.Next(spec, tmpl, after)
	return next, ok, nil
}

func (s *Service) policy(cfg Config) retry.Policy {
	return retry.Policy{Attempts: cfg.MaxAttempts, Base: cfg.RetryBase, Max: cfg.RetryMax, Jitter: 0.2}
}
