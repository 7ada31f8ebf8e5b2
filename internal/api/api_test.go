package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pubsched/internal/eventbus"
	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
	"pubsched/internal/storage"
	"pubsched/internal/task/engine"
	"pubsched/internal/task/scheduler"
	"pubsched/internal/upload"
	logx "pubsched/pkg/logx"
)

func newTestAPI(t *testing.T, token string) (*Client, *httptest.Server) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	pool := engine.New(engine.Config{Workers: 1}, logx.Nop(), bus)
	exec := scheduler.ExecutorFunc(func(context.Context, jobs.Job) (upload.Outcome, error) {
		return upload.Outcome{}, nil
	})
	sched := scheduler.New(scheduler.Config{}, scheduler.Deps{
		Store: st, Executor: exec, Pool: pool, Expander: schedule.NewExpander(1),
	}, logx.Nop(), bus)

	srv := New(Config{Token: token, Heartbeat: 20 * time.Millisecond}, sched, logx.Nop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, token, 5*time.Second), ts
}

func futureJob() JobRequest {
	return JobRequest{
		Kind:      jobs.KindReels,
		AccountID: "page-1",
		Payload:   jobs.Payload{Files: []string{"/media/a.mp4"}},
		Schedule:  schedule.Spec{Kind: schedule.KindOnce, At: time.Now().Add(24 * time.Hour)},
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestAPI(t, "tok")

	j, err := c.AddJob(ctx, futureJob())
	require.NoError(t, err)
	_, err = uuid.Parse(j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, j.Status)

	got, err := c.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "page-1", got.AccountID)

	list, err := c.ListJobs(ctx, ListOptions{Statuses: []jobs.Status{jobs.StatusPending}})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, c.CancelJob(ctx, j.ID))
	got, err = c.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, got.Status)

	var apiErr *Error
	require.ErrorAs(t, c.CancelJob(ctx, j.ID), &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	retried, err := c.RetryJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, retried.Status)

	require.NoError(t, c.RemoveJob(ctx, j.ID))
	_, err = c.GetJob(ctx, j.ID)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestValidationAndIDErrors(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestAPI(t, "")

	bad := futureJob()
	bad.Payload.Files = nil
	_, err := c.AddJob(ctx, bad)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "VALIDATION", apiErr.Code)

	custom := futureJob()
	custom.ID = "not-a-uuid"
	_, err = c.AddJob(ctx, custom)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	_, err = c.GetJob(ctx, "../etc")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestTokenRequired(t *testing.T) {
	_, ts := newTestAPI(t, "tok")

	resp, err := http.Get(ts.URL + "/api/v1/jobs")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = NewClient(ts.URL, "wrong", time.Second).ListJobs(context.Background(), ListOptions{})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTemplatesAndPause(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestAPI(t, "")

	tmpl, err := c.SaveTemplate(ctx, schedule.Template{
		Name: "daily", Times: []string{"09:00"}, Weekdays: []string{"mon", "fri"}, Enabled: true, IsDefault: true,
	})
	require.NoError(t, err)
	tmpl.Times = []string{"09:00", "18:00"}
	_, err = c.SaveTemplate(ctx, tmpl)
	require.NoError(t, err)

	list, err := c.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"09:00", "18:00"}, list[0].Times)

	snap, err := c.Pause(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Paused)
	snap, err = c.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Paused)

	require.NoError(t, c.DeleteTemplate(ctx, tmpl.ID))
	list, err = c.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEventStream(t *testing.T) {
	c, ts := newTestAPI(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?types=job.status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, ": connected", lines.Text())

	_, err = c.Pause(ctx)
	require.NoError(t, err)
	j, err := c.AddJob(ctx, futureJob())
	require.NoError(t, err)

	var event, data string
	for lines.Scan() {
		line := lines.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
			break
		}
	}
	assert.Equal(t, eventbus.TypeJobStatus, event, "scheduler.paused is filtered out")
	assert.Contains(t, data, j.ID)
	assert.Contains(t, data, `"to":"pending"`)
}
