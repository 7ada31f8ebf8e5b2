package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"pubsched/internal/eventbus"
	"pubsched/internal/failure"
	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
	"pubsched/internal/storage"
	"pubsched/internal/task/engine"
	"pubsched/internal/upload"
	logx "pubsched/pkg/logx"
)

var waitingStatuses = []jobs.Status{jobs.StatusPending, jobs.StatusQueued}

// tick dispatches every due job that can get a slot and returns how long to sleep.
func (s *Service) tick(ctx context.Context) (time.Duration, error) {
	cfg := s.config()
	if s.Paused() {
		return cfg.MaxIdle, nil
	}

	now := s.now()
	due, err := s.store.ListJobs(ctx, storage.JobFilter{Statuses: waitingStatuses, DueBefore: now})
	if err != nil {
		return 0, err
	}
	sort.SliceStable(due, func(i, k int) bool {
		if !due[i].NextDueAt.Equal(due[k].NextDueAt) {
			return due[i].NextDueAt.Before(due[k].NextDueAt)
		}
		return due[i].ID < due[k].ID
	})

	blocked := false
	for _, j := range due {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		ok, err := s.tryDispatch(ctx, cfg, j.ID, now)
		if err != nil {
			if errors.Is(err, engine.ErrStopped) || errors.Is(err, engine.ErrStopping) {
				return cfg.BlockedPoll, nil
			}
			s.log.Warn("dispatch failed", logx.String("job", j.ID), logx.Err(err))
			blocked = true
			continue
		}
		if !ok {
			blocked = true
		}
	}

	next, err := s.store.ListJobs(ctx, storage.JobFilter{Statuses: waitingStatuses, Limit: 1})
	if err != nil {
		return 0, err
	}
	d := cfg.MaxIdle
	if len(next) > 0 {
		d = min(next[0].NextDueAt.Sub(s.now()), cfg.MaxIdle)
	}
	if d <= 0 || blocked {
		d = min(max(d, 0), cfg.BlockedPoll)
		if d <= 0 {
			d = cfg.BlockedPoll
		}
	}
	return d, nil
}

// tryDispatch re-reads the job under stateMu, then reserves a slot and hands the job to the
// pool. ok=false means the job stays queued for a later wake.
func (s *Service) tryDispatch(ctx context.Context, cfg Config, id string, now time.Time) (bool, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	j, found, err := s.store.GetJob(ctx, id)
	if err != nil || !found {
		return true, err
	}
	if (j.Status != jobs.StatusPending && j.Status != jobs.StatusQueued) || j.NextDueAt.After(now) {
		// Cancelled, removed or rescheduled since the listing.
		return true, nil
	}

	if j.Schedule.Kind == schedule.KindTemplate {
		tmpl, err := s.template(ctx, j.Schedule)
		if err != nil {
			return false, err
		}
		if tmpl == nil || !tmpl.Enabled {
			return true, s.skipTemplate(ctx, cfg, j, tmpl, now)
		}
	}

	if s.pool == nil {
		return false, engine.ErrStopped
	}
	slot, err := s.pool.Reserve(j.AccountID, 1)
	if err != nil {
		if errors.Is(err, engine.ErrBusy) || errors.Is(err, engine.ErrGroupBusy) {
			return false, s.markQueued(ctx, j, now)
		}
		return false, err
	}
	return true, s.dispatch(ctx, cfg, j, slot, now)
}

// skipTemplate pushes a job whose template is disabled or gone, keeping it pending.
func (s *Service) skipTemplate(ctx context.Context, cfg Config, j jobs.Job, tmpl *schedule.Template, now time.Time) error {
	from := j.Status
	reason := "template " + j.Schedule.TemplateID + " missing"
	if j.Schedule.TemplateID == "" {
		reason = "no default template"
	}
	if tmpl != nil {
		reason = "template " + tmpl.Name + " disabled"
	}
	j.Status = jobs.StatusPending
	j.NextDueAt = now.Add(cfg.TemplateRecheck)
	j.LastError = reason
	j.UpdatedAt = now
	if err := s.store.UpsertJob(ctx, j); err != nil {
		return err
	}
	s.log.Info("job skipped", logx.String("job", j.ID), logx.String("reason", reason), logx.Time("next_due_at", j.NextDueAt))
	s.publishStatus(j, from)
	return nil
}

func (s *Service) markQueued(ctx context.Context, j jobs.Job, now time.Time) error {
	if j.Status == jobs.StatusQueued {
		return nil
	}
	from := j.Status
	j.Status = jobs.StatusQueued
	j.UpdatedAt = now
	if err := s.store.UpsertJob(ctx, j); err != nil {
		return err
	}
	s.log.Debug("job queued; no slot", logx.String("job", j.ID), logx.String("account", j.AccountID))
	s.publishStatus(j, from)
	return nil
}

// dispatch marks j running, persists it and runs it on slot. Called with stateMu held.
func (s *Service) dispatch(ctx context.Context, cfg Config, j jobs.Job, slot *engine.Slot, now time.Time) error {
	from := j.Status
	j.Status = jobs.StatusRunning
	j.AttemptCount++
	j.LastRunAt = now
	j.UpdatedAt = now
	if err := s.store.UpsertJob(ctx, j); err != nil {
		slot.Release()
		return err
	}

	ex := &execution{accountID: j.AccountID, attempt: j.AttemptCount, started: now}
	s.mu.Lock()
	s.running[j.ID] = ex
	s.mu.Unlock()
	s.inflight.Add(1)
	s.publishStatus(j, from)

	job := j
	err := slot.Run(engine.Task{
		ID:      fmt.Sprintf("%s#%d", job.ID, job.AttemptCount),
		Name:    "job." + string(job.Kind),
		Timeout: cfg.JobTimeout,
		Run: func(ctx context.Context) error {
			return s.run(ctx, job)
		},
	})
	if err != nil {
		// The pool refused the task: undo the transition.
		s.mu.Lock()
		delete(s.running, j.ID)
		s.mu.Unlock()
		s.inflight.Done()
		j.Status = jobs.StatusQueued
		j.AttemptCount--
		j.UpdatedAt = s.now()
		if perr := s.store.UpsertJob(ctx, j); perr != nil {
			s.log.Error("revert dispatch failed; recovered on next start", logx.String("job", j.ID), logx.Err(perr))
		}
		s.publishStatus(j, jobs.StatusRunning)
		return err
	}
	s.dispatched.Add(1)
	s.log.Info("job dispatched", logx.String("job", j.ID), logx.String("key", j.Key()), logx.Int("attempt", j.AttemptCount))
	return nil
}

// run executes on a pool worker.
func (s *Service) run(ctx context.Context, job jobs.Job) error {
	defer s.inflight.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.attach(job.ID, cancel)

	started := s.now()
	out, err := s.exec.Execute(runCtx, job)
	if err != nil && failure.Is(err, failure.Canceled) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = failure.Wrap(failure.Transient, "job.timeout", err)
	}
	s.finish(job, out, err, s.now().Sub(started))
	return err
}

// attach registers the execution's cancel func; a cancel requested earlier fires immediately.
func (s *Service) attach(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	ex := s.running[id]
	fire := s.stopping
	if ex != nil {
		ex.cancel = cancel
		fire = fire || ex.cancelRequested
	}
	s.mu.Unlock()
	if fire {
		cancel()
	}
}

// finish records the outcome of one execution.
func (s *Service) finish(job jobs.Job, out upload.Outcome, runErr error, took time.Duration) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	defer s.Wake()

	s.mu.Lock()
	ex := s.running[job.ID]
	delete(s.running, job.ID)
	userCancel := ex != nil && ex.cancelRequested
	stopping := s.stopping
	cfg := s.cfg
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	log := s.log.With(logx.String("job", job.ID), logx.String("key", job.Key()))

	j, found, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		log.Error("load job for outcome failed; recovered on next start", logx.Err(err))
		return
	}
	if !found {
		// The run may have checkpointed after RemoveJob cleared its sessions.
		if err := s.store.DeleteSessionsForJob(ctx, job.ID); err != nil {
			log.Warn("delete sessions of removed job failed", logx.Err(err))
		}
		log.Info("job removed while running")
		return
	}

	from := j.Status
	now := s.now()
	j.UpdatedAt = now
	j.Advance(out.Items)
	j.RemoteItemIDs = appendCapped(j.RemoteItemIDs, out.RemoteItemIDs, maxRemoteIDs)
	if out.Summary != "" {
		j.Summary = out.Summary
	}
	class := failure.ClassOf(runErr)
	willRetry := false

	switch {
	case runErr == nil:
		j.LastError, j.ErrorClass = "", ""
		s.advance(ctx, cfg, &j, now)
		s.completed.Add(1)
	case userCancel:
		j.Status = jobs.StatusCancelled
		j.LastError = "cancelled"
		j.ErrorClass = string(failure.Canceled)
		s.cancelled.Add(1)
	case class == failure.Canceled:
		// Interrupted by shutdown: back to the queue, the attempt is not charged.
		j.Status = jobs.StatusQueued
		j.AttemptCount = max(j.AttemptCount-1, 0)
		j.NextDueAt = now
		j.LastError = "interrupted"
		if !stopping {
			j.NextDueAt = now.Add(cfg.BlockedPoll)
		}
	default:
		j.LastError = runErr.Error()
		j.ErrorClass = string(class)
		if delay, ok := s.retryDelay(cfg, j, class, runErr); ok {
			if !failure.CountsAttempt(class) {
				j.AttemptCount = max(j.AttemptCount-1, 0)
			}
			j.Status = jobs.StatusQueued
			j.NextDueAt = now.Add(delay)
			willRetry = true
			s.retried.Add(1)
		} else {
			s.giveUp(ctx, cfg, &j, class, now)
			s.failed.Add(1)
		}
	}

	if err := s.store.UpsertJob(ctx, j); err != nil {
		log.Error("persist outcome failed; recovered on next start", logx.Err(err))
		return
	}

	fields := []logx.Field{
		logx.String("status", string(j.Status)),
		logx.Int("attempt", j.AttemptCount),
		logx.Duration("took", took),
		logx.String("summary", j.Summary),
	}
	if runErr != nil {
		fields = append(fields, logx.String("class", string(class)), logx.Err(runErr), logx.Bool("will_retry", willRetry))
		log.Warn("job run failed", fields...)
	} else {
		log.Info("job run completed", fields...)
	}

	s.publishStatus(j, from)
	if class == failure.Canceled && !userCancel {
		return
	}
	outcome := eventbus.JobOutcome{
		JobID:         j.ID,
		AccountID:     j.AccountID,
		Kind:          string(j.Kind),
		Status:        string(j.Status),
		Summary:       j.Summary,
		RemoteItemIDs: out.RemoteItemIDs,
		Attempt:       j.AttemptCount,
		Duration:      took,
		WillRetry:     willRetry,
	}
	if runErr == nil {
		outcome.Status = string(jobs.StatusCompleted)
	} else {
		outcome.ErrorClass = string(class)
		outcome.Error = runErr.Error()
		if j.Status != jobs.StatusCancelled {
			outcome.Status = string(jobs.StatusFailed)
		}
	}
	s.publish(eventbus.TypeJobOutcome, outcome)
}

// advance moves a successful job on: one-shot jobs complete, recurring jobs go back to pending at
// their next occurrence after now until their files are used up.
func (s *Service) advance(ctx context.Context, cfg Config, j *jobs.Job, now time.Time) {
	if !j.Schedule.Recurring() || j.Exhausted() {
		j.Status = jobs.StatusCompleted
		return
	}
	j.AttemptCount = 0
	s.reschedule(ctx, cfg, j, now)
}

// giveUp handles a failure that will not be retried. Recurring jobs skip to their next
// occurrence; a permanently rejected run's remaining items are skipped with it.
func (s *Service) giveUp(ctx context.Context, cfg Config, j *jobs.Job, class failure.Class, now time.Time) {
	if !j.Schedule.Recurring() {
		j.Status = jobs.StatusFailed
		return
	}
	if class == failure.Validation || class == failure.RemoteRejected {
		j.SkipRun()
	}
	if j.Exhausted() {
		j.Status = jobs.StatusFailed
		return
	}
	j.AttemptCount = 0
	s.reschedule(ctx, cfg, j, now)
}

func (s *Service) reschedule(ctx context.Context, cfg Config, j *jobs.Job, now time.Time) {
	j.Status = jobs.StatusPending
	next, ok, err := s.nextDue(ctx, j.Schedule, now)
	switch {
	case err != nil:
		s.log.Warn("next occurrence lookup failed", logx.String("job", j.ID), logx.Err(err))
		j.NextDueAt = now.Add(cfg.TemplateRecheck)
	case !ok:
		j.NextDueAt = now.Add(cfg.TemplateRecheck)
	default:
		j.NextDueAt = next
	}
}

// retryDelay applies the automatic retry policy. Rate limited runs are not charged an attempt
// and wait for the reported window.
func (s *Service) retryDelay(cfg Config, j jobs.Job, class failure.Class, err error) (time.Duration, bool) {
	if !failure.Retryable(class) {
		return 0, false
	}
	if failure.CountsAttempt(class) && j.AttemptCount >= cfg.MaxAttempts {
		return 0, false
	}
	if class == failure.RateLimited {
		if after, ok := failure.RetryAfterOf(err); ok {
			return after, true
		}
		return cfg.RetryBase, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy(cfg).Delay(max(j.AttemptCount, 1), s.rng), true
}

// maxRemoteIDs bounds the published ids kept on a recurring job.
const maxRemoteIDs = 100

func appendCapped(dst, src []string, limit int) []string {
	dst = append(dst, src...)
	if len(dst) > limit {
		dst = append([]string(nil), dst[len(dst)-limit:]...)
	}
	return dst
}
