package scheduler

import (
	"context"
	"strings"

	"pubsched/internal/failure"
	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
	"pubsched/internal/storage"
	logx "pubsched/pkg/logx"
)

// SaveTemplate validates and stores t, assigning an id when empty. Saving a default template
// clears the flag on every other one. Jobs keep their planned due instant; the new definition
// applies from their next occurrence.
func (s *Service) SaveTemplate(ctx context.Context, t schedule.Template) (schedule.Template, error) {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		t.ID = jobs.NewID()
	}
	if err := t.Validate(); err != nil {
		return schedule.Template{}, failure.Wrap(failure.Validation, "scheduler.template", err)
	}
	t.UpdatedAt = s.now()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.store.UpsertTemplate(ctx, t); err != nil {
		return schedule.Template{}, err
	}
	s.log.Info("template saved",
		logx.String("template", t.ID),
		logx.String("name", t.Name),
		logx.Bool("default", t.IsDefault),
		logx.Bool("enabled", t.Enabled))
	s.Wake()
	return t, nil
}

// DeleteTemplate removes a template that no unfinished job references.
func (s *Service) DeleteTemplate(ctx context.Context, id string) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	tmpl, found, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrTemplateNotFound
	}
	active, err := s.store.ListJobs(ctx, storage.JobFilter{
		Statuses: []jobs.Status{jobs.StatusPending, jobs.StatusQueued, jobs.StatusRunning},
	})
	if err != nil {
		return err
	}
	users := 0
	for _, j := range active {
		if j.Schedule.Kind != schedule.KindTemplate {
			continue
		}
		if j.Schedule.TemplateID == id || (j.Schedule.TemplateID == "" && tmpl.IsDefault) {
			users++
		}
	}
	if users > 0 {
		return failure.Validationf("template %s is used by %d unfinished job(s)", id, users)
	}
	if err := s.store.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	s.log.Info("template deleted", logx.String("template", id))
	return nil
}

func (s *Service) GetTemplate(ctx context.Context, id string) (schedule.Template, error) {
	t, found, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return schedule.Template{}, err
	}
	if !found {
		return schedule.Template{}, ErrTemplateNotFound
	}
	return t, nil
}

func (s *Service) ListTemplates(ctx context.Context) ([]schedule.Template, error) {
	return s.store.ListTemplates(ctx)
}
