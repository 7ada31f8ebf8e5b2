package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pubsched/internal/eventbus"
	"pubsched/internal/failure"
	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
	"pubsched/internal/storage"
	"pubsched/internal/task/engine"
	"pubsched/internal/transfer"
	"pubsched/internal/upload"
	logx "pubsched/pkg/logx"
)

type harness struct {
	store storage.Store
	pool  *engine.Service
	bus   eventbus.Bus
	svc   *Service
}

func newHarness(t *testing.T, workers int, exec Executor) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	pool := engine.New(engine.Config{Workers: workers}, logx.Nop(), bus)
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})

	svc := New(Config{RetryBase: time.Minute, RetryMax: time.Hour, BlockedPoll: 10 * time.Millisecond},
		Deps{Store: st, Executor: exec, Pool: pool, Expander: schedule.NewExpander(7)}, logx.Nop(), bus)
	return &harness{store: st, pool: pool, bus: bus, svc: svc}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.svc.Stop(ctx)
	})
}

func (h *harness) status(t *testing.T, id string) jobs.Status {
	t.Helper()
	j, err := h.svc.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j.Status
}

func (h *harness) waitStatus(t *testing.T, id string, want jobs.Status) jobs.Job {
	t.Helper()
	var j jobs.Job
	require.Eventually(t, func() bool {
		var err error
		j, err = h.svc.GetJob(context.Background(), id)
		return err == nil && j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return j
}

func fixedClock(s *Service, at time.Time) {
	s.now = func() time.Time { return at }
}

func videoJob(id, account string, due time.Time) jobs.Job {
	return jobs.Job{
		ID:        id,
		Kind:      jobs.KindVideo,
		AccountID: account,
		Payload:   jobs.Payload{Files: []string{"/media/" + id + ".mp4"}},
		Schedule:  schedule.Spec{Kind: schedule.KindOnce, At: due},
	}
}

func succeed(_ context.Context, j jobs.Job) (upload.Outcome, error) {
	return upload.Outcome{RemoteItemIDs: []string{"item-" + j.ID}, Items: len(j.RunItems()), Summary: "ok"}, nil
}

func TestAddJobComputesFirstDue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, ExecutorFunc(succeed))
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // Monday
	fixedClock(h.svc, now)

	past, err := h.svc.AddJob(ctx, videoJob("", "acct", now.Add(-time.Hour)))
	require.NoError(t, err)
	assert.NotEmpty(t, past.ID)
	assert.Equal(t, jobs.StatusPending, past.Status)
	assert.Equal(t, now, past.NextDueAt)

	require.NoError(t, h.store.UpsertTemplate(ctx, schedule.Template{
		ID: "tpl", Name: "mornings", Times: []string{"10:30"}, Weekdays: []string{"mon"},
		Timezone: "UTC", IsDefault: true, Enabled: true,
	}))
	tj := videoJob("tj", "acct", time.Time{})
	tj.Schedule = schedule.Spec{Kind: schedule.KindTemplate}
	added, err := h.svc.AddJob(ctx, tj)
	require.NoError(t, err)
	assert.Empty(t, added.Schedule.TemplateID, "id-less template jobs follow the default")
	assert.Equal(t, time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC), added.NextDueAt)

	_, err = h.svc.AddJob(ctx, tj)
	assert.True(t, failure.Is(err, failure.Validation), "duplicate id: %v", err)

	bad := videoJob("bad", "acct", now)
	bad.Payload.Files = nil
	_, err = h.svc.AddJob(ctx, bad)
	assert.True(t, failure.Is(err, failure.Validation))

	missing := videoJob("missing", "acct", now)
	missing.Schedule = schedule.Spec{Kind: schedule.KindTemplate, TemplateID: "nope"}
	_, err = h.svc.AddJob(ctx, missing)
	assert.True(t, failure.Is(err, failure.Validation))
}

func TestPastOneShotFiresOnceAfterRestart(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, 2, ExecutorFunc(func(ctx context.Context, j jobs.Job) (upload.Outcome, error) {
		calls.Add(1)
		return succeed(ctx, j)
	}))
	// Persisted while the scheduler was down, due a day ago.
	due := time.Now().Add(-24 * time.Hour)
	j := videoJob("late", "acct", due)
	j.Status = jobs.StatusPending
	j.NextDueAt = due
	require.NoError(t, h.store.UpsertJob(context.Background(), j))

	h.start(t)
	done := h.waitStatus(t, "late", jobs.StatusCompleted)
	assert.Equal(t, 1, done.AttemptCount)
	assert.Equal(t, []string{"item-late"}, done.RemoteItemIDs)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, jobs.StatusCompleted, h.status(t, "late"))
}

func TestAtMostOneRunningJobPerAccount(t *testing.T) {
	var (
		mu      sync.Mutex
		active  = map[string]int{}
		maxSeen = map[string]int{}
		total   atomic.Int32
		peak    atomic.Int32
	)
	h := newHarness(t, 4, ExecutorFunc(func(ctx context.Context, j jobs.Job) (upload.Outcome, error) {
		mu.Lock()
		active[j.AccountID]++
		maxSeen[j.AccountID] = max(maxSeen[j.AccountID], active[j.AccountID])
		mu.Unlock()
		if n := total.Add(1); n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		total.Add(-1)
		mu.Lock()
		active[j.AccountID]--
		mu.Unlock()
		return succeed(ctx, j)
	}))
	h.start(t)

	now := time.Now()
	var ids []string
	for i := 0; i < 18; i++ {
		j, err := h.svc.AddJob(context.Background(), videoJob(fmt.Sprintf("job-%02d", i), fmt.Sprintf("acct-%d", i%3), now))
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	for _, id := range ids {
		h.waitStatus(t, id, jobs.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	for acct, n := range maxSeen {
		assert.Equal(t, 1, n, "account %s ran jobs concurrently", acct)
	}
	assert.LessOrEqual(t, int(peak.Load()), 4)
}

func TestDueJobsDispatchInDueThenIDOrder(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan string, 4)
	h := newHarness(t, 1, ExecutorFunc(func(ctx context.Context, j jobs.Job) (upload.Outcome, error) {
		started <- j.ID
		<-release
		return succeed(ctx, j)
	}))
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	fixedClock(h.svc, now)
	for _, id := range []string{"b", "a"} {
		j := videoJob(id, "acct-"+id, now)
		j.Status = jobs.StatusPending
		j.NextDueAt = now.Add(-time.Minute)
		require.NoError(t, h.store.UpsertJob(ctx, j))
	}

	_, err := h.svc.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", <-started)

	b, err := h.svc.GetJob(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, b.Status)
	assert.Zero(t, b.AttemptCount)
	assert.Equal(t, jobs.StatusRunning, h.status(t, "a"))

	close(release)
	h.waitStatus(t, "a", jobs.StatusCompleted)
}

func TestRetryPolicyByErrorClass(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name      string
		attempt   int
		err       error
		status    jobs.Status
		attempts  int
		minDelay  time.Duration
		maxDelay  time.Duration
		willRetry bool
	}{
		{"transient first attempt", 1, failure.Wrap(failure.Transient, "chunk", errors.New("reset")), jobs.StatusQueued, 1, 48 * time.Second, 72 * time.Second, true},
		{"transient out of attempts", 3, failure.Wrap(failure.Transient, "chunk", errors.New("reset")), jobs.StatusFailed, 3, 0, 0, false},
		{"rate limited keeps attempt", 2, failure.RateLimit("budget", 10*time.Minute, nil), jobs.StatusQueued, 1, 10 * time.Minute, 10 * time.Minute, true},
		{"validation is terminal", 1, failure.Validationf("too long"), jobs.StatusFailed, 1, 0, 0, false},
		{"rejected is terminal", 1, failure.Rejected("finalize", "policy", 100), jobs.StatusFailed, 1, 0, 0, false},
		{"auth escalates", 1, failure.Wrap(failure.AuthExpired, "chunk", errors.New("expired")), jobs.StatusFailed, 1, 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, 1, ExecutorFunc(succeed))
			fixedClock(h.svc, now)
			outcomes, unsub := h.bus.SubscribeTypes(4, eventbus.TypeJobOutcome)
			defer unsub()

			j := videoJob("j", "acct", now)
			j.Status = jobs.StatusRunning
			j.AttemptCount = tc.attempt
			require.NoError(t, h.store.UpsertJob(ctx, j))

			h.svc.finish(j, upload.Outcome{}, tc.err, time.Second)

			got, err := h.svc.GetJob(ctx, "j")
			require.NoError(t, err)
			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, tc.attempts, got.AttemptCount)
			assert.Equal(t, string(failure.ClassOf(tc.err)), got.ErrorClass)
			if tc.willRetry {
				delay := got.NextDueAt.Sub(now)
				assert.GreaterOrEqual(t, delay, tc.minDelay)
				assert.LessOrEqual(t, delay, tc.maxDelay)
			}

			ev := <-outcomes
			out := ev.Data.(eventbus.JobOutcome)
			assert.Equal(t, tc.willRetry, out.WillRetry)
			assert.Equal(t, string(jobs.StatusFailed), out.Status)
		})
	}
}

func TestRecurringJobAdvancesCursorAndReschedules(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, 1, ExecutorFunc(succeed))
	fixedClock(h.svc, now)

	j := jobs.Job{
		ID:           "rec",
		Kind:         jobs.KindStoryBatch,
		AccountID:    "acct",
		Payload:      jobs.Payload{Files: []string{"/m/1.jpg", "/m/2.jpg", "/m/3.jpg"}, BatchSize: 2},
		Schedule:     schedule.Spec{Kind: schedule.KindInterval, IntervalSeconds: 3600},
		Status:       jobs.StatusRunning,
		AttemptCount: 2,
	}
	require.NoError(t, h.store.UpsertJob(ctx, j))

	h.svc.finish(j, upload.Outcome{Items: 2, RemoteItemIDs: []string{"x", "y"}}, nil, time.Second)
	got, err := h.svc.GetJob(ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, 2, got.Cursor)
	assert.Zero(t, got.AttemptCount)
	assert.Equal(t, now.Add(time.Hour), got.NextDueAt)
	assert.Equal(t, []string{"/m/3.jpg"}, got.RunItems())

	got.Status = jobs.StatusRunning
	require.NoError(t, h.store.UpsertJob(ctx, got))
	h.svc.finish(got, upload.Outcome{Items: 1, RemoteItemIDs: []string{"z"}}, nil, time.Second)
	final, err := h.svc.GetJob(ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, final.Status)
	assert.Equal(t, []string{"x", "y", "z"}, final.RemoteItemIDs)
}

func TestRecurringRejectionSkipsToNextOccurrence(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, 1, ExecutorFunc(succeed))
	fixedClock(h.svc, now)

	j := jobs.Job{
		ID:        "rec",
		Kind:      jobs.KindReels,
		AccountID: "acct",
		Payload:   jobs.Payload{Files: []string{"/m/long.mp4", "/m/ok.mp4"}},
		Schedule:  schedule.Spec{Kind: schedule.KindInterval, IntervalSeconds: 600},
		Status:    jobs.StatusRunning, AttemptCount: 1,
	}
	require.NoError(t, h.store.UpsertJob(ctx, j))
	h.svc.finish(j, upload.Outcome{}, failure.Validationf("duration 120s outside 3s..90s"), time.Second)

	got, err := h.svc.GetJob(ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, 1, got.Cursor)
	assert.Equal(t, now.Add(10*time.Minute), got.NextDueAt)
	assert.Contains(t, got.LastError, "duration")
}

func TestRecoverRequeuesRunningJobs(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, 1, ExecutorFunc(succeed))
	fixedClock(h.svc, now)

	j := videoJob("orphan", "acct", now.Add(-time.Hour))
	j.Status = jobs.StatusRunning
	j.AttemptCount = 1
	require.NoError(t, h.store.UpsertJob(ctx, j))

	require.NoError(t, h.svc.recover(ctx))
	got, err := h.svc.GetJob(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	assert.Equal(t, now, got.NextDueAt)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestDisabledTemplateSkipsWithoutRunning(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	h := newHarness(t, 1, ExecutorFunc(func(ctx context.Context, j jobs.Job) (upload.Outcome, error) {
		calls.Add(1)
		return succeed(ctx, j)
	}))
	fixedClock(h.svc, now)
	require.NoError(t, h.store.UpsertTemplate(ctx, schedule.Template{
		ID: "tpl", Name: "evenings", Times: []string{"18:00"}, Weekdays: []string{"mon"}, Enabled: false,
	}))
	j := videoJob("tj", "acct", time.Time{})
	j.Schedule = schedule.Spec{Kind: schedule.KindTemplate, TemplateID: "tpl"}
	j.Status = jobs.StatusPending
	j.NextDueAt = now.Add(-time.Second)
	require.NoError(t, h.store.UpsertJob(ctx, j))

	_, err := h.svc.tick(ctx)
	require.NoError(t, err)

	got, err := h.svc.GetJob(ctx, "tj")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, now.Add(15*time.Minute), got.NextDueAt)
	assert.Contains(t, got.LastError, "disabled")
	assert.Zero(t, calls.Load())
}

func TestPausedSchedulerDoesNotDispatch(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, 1, ExecutorFunc(succeed))
	fixedClock(h.svc, now)
	events, unsub := h.svc.Subscribe(4)
	defer unsub()

	_, err := h.svc.AddJob(ctx, videoJob("p", "acct", now))
	require.NoError(t, err)
	<-events // pending

	h.svc.Pause()
	assert.Equal(t, eventbus.TypeSchedulerPaused, (<-events).Type)
	_, err = h.svc.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, h.status(t, "p"))

	h.svc.Resume()
	assert.Equal(t, eventbus.TypeSchedulerResumed, (<-events).Type)
	_, err = h.svc.tick(ctx)
	require.NoError(t, err)
	h.waitStatus(t, "p", jobs.StatusCompleted)
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, ExecutorFunc(func(ctx context.Context, j jobs.Job) (upload.Outcome, error) {
		<-ctx.Done()
		return upload.Outcome{Summary: "published 0/1 items"}, failure.Wrap(failure.Canceled, "chunk", ctx.Err())
	}))
	h.start(t)

	later, err := h.svc.AddJob(ctx, videoJob("later", "acct-1", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.NoError(t, h.svc.CancelJob(ctx, later.ID))
	assert.Equal(t, jobs.StatusCancelled, h.status(t, "later"))
	assert.ErrorIs(t, h.svc.CancelJob(ctx, later.ID), ErrTerminal)
	assert.ErrorIs(t, h.svc.CancelJob(ctx, "unknown"), ErrNotFound)

	_, err = h.svc.AddJob(ctx, videoJob("now", "acct-2", time.Now()))
	require.NoError(t, err)
	h.waitStatus(t, "now", jobs.StatusRunning)
	require.NoError(t, h.svc.CancelJob(ctx, "now"))
	got := h.waitStatus(t, "now", jobs.StatusCancelled)
	assert.Equal(t, string(failure.Canceled), got.ErrorClass)

	requeued, err := h.svc.RetryJob(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, requeued.Status)
}

func TestStopRequeuesInterruptedJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, ExecutorFunc(func(ctx context.Context, j jobs.Job) (upload.Outcome, error) {
		<-ctx.Done()
		return upload.Outcome{}, failure.Wrap(failure.Canceled, "chunk", ctx.Err())
	}))
	require.NoError(t, h.svc.Start(ctx))

	_, err := h.svc.AddJob(ctx, videoJob("long", "acct", time.Now()))
	require.NoError(t, err)
	h.waitStatus(t, "long", jobs.StatusRunning)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Stop(stopCtx))

	got, err := h.svc.GetJob(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	assert.Zero(t, got.AttemptCount)
	assert.Empty(t, h.svc.Snapshot().Running)
}

func TestStopReportsUndrainedExecutions(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	h := newHarness(t, 1, ExecutorFunc(func(ctx context.Context, j jobs.Job) (upload.Outcome, error) {
		// A chunk call detached from cancellation.
		<-release
		return upload.Outcome{}, failure.Wrap(failure.Canceled, "chunk", context.Canceled)
	}))
	require.NoError(t, h.svc.Start(ctx))
	_, err := h.svc.AddJob(ctx, videoJob("slow", "acct", time.Now()))
	require.NoError(t, err)
	h.waitStatus(t, "slow", jobs.StatusRunning)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, h.svc.Stop(short), "execution still in flight")

	close(release)
	h.waitStatus(t, "slow", jobs.StatusQueued)
}

func TestRemoveJobDeletesRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, ExecutorFunc(succeed))
	j, err := h.svc.AddJob(ctx, videoJob("", "acct", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	require.NoError(t, h.svc.RemoveJob(ctx, j.ID))
	_, err = h.svc.GetJob(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.svc.RemoveJob(ctx, j.ID), ErrNotFound)
}

func TestFinishOnRemovedJobDropsSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, ExecutorFunc(succeed))
	j := videoJob("gone", "acct", time.Now())

	// Checkpoint written by the run after RemoveJob cleared the job.
	require.NoError(t, h.store.SaveSession(ctx, transfer.Record{
		JobID: "gone", AccountID: "acct", Path: "/media/gone.mp4", TotalBytes: 10,
		CommittedOffset: 4, RemoteToken: "sess-1", State: transfer.StateTransferring,
	}))
	h.svc.finish(j, upload.Outcome{}, failure.Wrap(failure.Canceled, "chunk", context.Canceled), time.Second)

	_, ok, err := h.store.LoadSession(ctx, "gone", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = h.svc.GetJob(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelRacingAttachStillFires(t *testing.T) {
	h := newHarness(t, 1, ExecutorFunc(succeed))
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("j-%d", i)
		h.svc.mu.Lock()
		h.svc.running[id] = &execution{accountID: "acct"}
		h.svc.mu.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			h.svc.requestCancel(id)
		}()
		h.svc.attach(id, cancel)
		<-done

		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Fatalf("%s: cancel requested around attach never fired", id)
		}
	}
}

func TestFolderJobWithMoveKeepsCursor(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, 1, ExecutorFunc(succeed))
	fixedClock(h.svc, now)

	j := jobs.Job{
		ID:        "dir",
		Kind:      jobs.KindVideo,
		AccountID: "acct",
		Payload:   jobs.Payload{Folder: "/media/inbox", MoveUploaded: true},
		Schedule:  schedule.Spec{Kind: schedule.KindInterval, IntervalSeconds: 3600},
		Status:    jobs.StatusRunning,
	}
	require.NoError(t, h.store.UpsertJob(ctx, j))

	h.svc.finish(j, upload.Outcome{Items: 1, RemoteItemIDs: []string{"x"}}, nil, time.Second)
	got, err := h.svc.GetJob(ctx, "dir")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status, "a folder is never exhausted")
	assert.Zero(t, got.Cursor)
	assert.Equal(t, now.Add(time.Hour), got.NextDueAt)

	got.Status = jobs.StatusRunning
	require.NoError(t, h.store.UpsertJob(ctx, got))
	h.svc.finish(got, upload.Outcome{}, failure.Validationf("reels require a video file"), time.Second)
	skipped, err := h.svc.GetJob(ctx, "dir")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, skipped.Status)
	assert.Equal(t, 1, skipped.Cursor, "the file that failed validation is skipped")
}
