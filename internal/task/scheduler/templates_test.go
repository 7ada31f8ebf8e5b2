package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pubsched/internal/failure"
	"pubsched/internal/schedule"
)

func TestTemplateLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, ExecutorFunc(succeed))
	fixedClock(h.svc, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	_, err := h.svc.SaveTemplate(ctx, schedule.Template{Name: "bad", Times: []string{"25:00"}})
	assert.True(t, failure.Is(err, failure.Validation))

	first, err := h.svc.SaveTemplate(ctx, schedule.Template{
		Name: "mornings", Times: []string{"08:00"}, Weekdays: []string{"mon", "tue"}, IsDefault: true, Enabled: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	second, err := h.svc.SaveTemplate(ctx, schedule.Template{
		Name: "evenings", Times: []string{"19:00"}, Weekdays: []string{"mon"}, IsDefault: true, Enabled: true,
	})
	require.NoError(t, err)

	got, err := h.svc.GetTemplate(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDefault, "saving a new default clears the old one")

	j := videoJob("tj", "acct", time.Time{})
	j.Schedule = schedule.Spec{Kind: schedule.KindTemplate}
	added, err := h.svc.AddJob(ctx, j)
	require.NoError(t, err)
	assert.Empty(t, added.Schedule.TemplateID)

	err = h.svc.DeleteTemplate(ctx, second.ID)
	assert.True(t, failure.Is(err, failure.Validation), "default template in use: %v", err)

	require.NoError(t, h.svc.DeleteTemplate(ctx, first.ID))
	assert.ErrorIs(t, h.svc.DeleteTemplate(ctx, first.ID), ErrTemplateNotFound)

	list, err := h.svc.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "evenings", list[0].Name)
}

func TestDefaultTemplateResolvedAtEachExpansion(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // Monday
	h := newHarness(t, 1, ExecutorFunc(succeed))
	fixedClock(h.svc, now)

	require.NoError(t, h.store.UpsertTemplate(ctx, schedule.Template{
		ID: "am", Name: "mornings", Times: []string{"10:00"}, Weekdays: []string{"mon"},
		Timezone: "UTC", IsDefault: true, Enabled: true,
	}))
	j := videoJob("tj", "acct", time.Time{})
	j.Schedule = schedule.Spec{Kind: schedule.KindTemplate}
	added, err := h.svc.AddJob(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), added.NextDueAt)

	require.NoError(t, h.store.UpsertTemplate(ctx, schedule.Template{
		ID: "am", Name: "mornings", Times: []string{"10:00"}, Weekdays: []string{"mon"},
		Timezone: "UTC", Enabled: true,
	}))
	require.NoError(t, h.store.UpsertTemplate(ctx, schedule.Template{
		ID: "pm", Name: "evenings", Times: []string{"20:00"}, Weekdays: []string{"mon"},
		Timezone: "UTC", IsDefault: true, Enabled: true,
	}))

	next, ok, err := h.svc.nextDue(ctx, added.Schedule, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC), next)
}
