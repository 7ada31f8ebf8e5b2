package upload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pubsched/internal/eventbus"
	"pubsched/internal/failure"
	"pubsched/internal/jobs"
	"pubsched/internal/ratebudget"
	"pubsched/internal/schedule"
	"pubsched/internal/transfer/transfertest"
	logx "pubsched/pkg/logx"
)

type fakeProber struct {
	durations map[string]time.Duration
}

func (p fakeProber) Probe(_ context.Context, path string) (MediaInfo, error) {
	return MediaInfo{Duration: p.durations[filepath.Base(path)]}, nil
}

type harness struct {
	endpoint *transfertest.Endpoint
	store    *transfertest.Store
	tokens   *transfertest.Tokens
	bus      eventbus.Bus
	coord    *Coordinator

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, cfg Config, budget Budget, prober Prober) *harness {
	t.Helper()
	h := &harness{
		endpoint: transfertest.NewEndpoint(),
		store:    transfertest.NewStore(),
		tokens:   transfertest.NewTokens(),
		bus:      eventbus.New(),
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 4
	}
	h.coord = New(cfg, Deps{
		Endpoint:    h.endpoint,
		Store:       h.store,
		Credentials: h.tokens,
		Budget:      budget,
		Prober:      prober,
		Bus:         h.bus,
	}, logx.Nop())
	h.coord.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func onceJob(kind jobs.Kind, files ...string) jobs.Job {
	return jobs.Job{
		ID:        "job-1",
		Kind:      kind,
		AccountID: "acct",
		Payload:   jobs.Payload{Files: files, Title: "title"},
		Schedule:  schedule.Spec{Kind: schedule.KindOnce, At: time.Now()},
	}
}

func TestStoryBatchPublishesAllItemsWithDelays(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeFile(t, dir, "1.jpg", "aaaaaaaaaa"),
		writeFile(t, dir, "2.jpg", "bbbbbb"),
		writeFile(t, dir, "3.jpg", "cc"),
	}
	h := newHarness(t, Config{}, nil, nil)
	events, unsub := h.bus.SubscribeTypes(256, eventbus.TypeJobProgress)
	defer unsub()

	job := onceJob(jobs.KindStoryBatch, files...)
	job.Payload.BatchSize = 3
	job.Payload.DelayMin = 5
	job.Payload.DelayMax = 15

	out, err := h.coord.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Items)
	assert.Equal(t, []string{"item-sess-1", "item-sess-2", "item-sess-3"}, out.RemoteItemIDs)
	assert.EqualValues(t, 18, out.Bytes)
	assert.Contains(t, out.Summary, "published 3/3 items")
	assert.Equal(t, 0, h.store.Len(), "committed sessions are deleted")

	require.Len(t, h.sleeps, 2)
	for _, d := range h.sleeps {
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second)
	}

	var progress []eventbus.JobProgress
	for len(events) > 0 {
		progress = append(progress, (<-events).Data.(eventbus.JobProgress))
	}
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, 2, last.ItemIndex)
	assert.Equal(t, 3, last.ItemCount)
	assert.Equal(t, "published", last.Phase)
}

func TestBatchDelayClampsMaxToMin(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{}, nil, nil)
	job := onceJob(jobs.KindStoryBatch, writeFile(t, dir, "1.jpg", "a"), writeFile(t, dir, "2.jpg", "b"))
	job.Payload.BatchSize = 2
	job.Payload.DelayMin = 20
	job.Payload.DelayMax = 10

	_, err := h.coord.Execute(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, h.sleeps, 1)
	assert.Equal(t, 20*time.Second, h.sleeps[0])
}

func TestValidationFailuresMakeNoNetworkCalls(t *testing.T) {
	dir := t.TempDir()
	long := writeFile(t, dir, "long.mp4", "video-bytes")
	short := writeFile(t, dir, "short.mp4", "video-bytes")
	photo := writeFile(t, dir, "photo.jpg", "jpeg")
	empty := writeFile(t, dir, "empty.mp4", "")
	prober := fakeProber{durations: map[string]time.Duration{
		"long.mp4":  2 * time.Minute,
		"short.mp4": time.Second,
	}}

	cases := []struct {
		name string
		job  jobs.Job
	}{
		{"reels too long", onceJob(jobs.KindReels, long)},
		{"reels too short", onceJob(jobs.KindReels, short)},
		{"reels not a video", onceJob(jobs.KindReels, photo)},
		{"reels two files", onceJob(jobs.KindReels, long, short)},
		{"story video too long", onceJob(jobs.KindStorySingle, long)},
		{"missing file", onceJob(jobs.KindVideo, filepath.Join(dir, "nope.mp4"))},
		{"empty file", onceJob(jobs.KindVideo, empty)},
		{"batch larger than files", func() jobs.Job {
			j := onceJob(jobs.KindStoryBatch, photo)
			j.Payload.BatchSize = 3
			return j
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{}, nil, prober)
			_, err := h.coord.Execute(context.Background(), tc.job)
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.Validation), err.Error())
			assert.Zero(t, h.endpoint.Opens)
		})
	}
}

func TestReelsSizeLimit(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "clip.mp4", "0123456789")
	h := newHarness(t, Config{Limits: Limits{ReelsMaxBytes: 5}}, nil, nil)
	_, err := h.coord.Execute(context.Background(), onceJob(jobs.KindReels, p))
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Validation))
}

func TestAuthExpiredRefreshesOnceAndRetries(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.mp4", "0123456789")
	h := newHarness(t, Config{}, nil, nil)
	h.endpoint.FailChunk = func(call int, offset int64) error {
		if call == 2 {
			return failure.New(failure.AuthExpired, "send_chunk", "token expired")
		}
		return nil
	}

	out, err := h.coord.Execute(context.Background(), onceJob(jobs.KindVideo, p))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Items)
	assert.Equal(t, 1, h.tokens.Refreshes)
	assert.Equal(t, "0123456789", string(h.endpoint.Data("sess-1")))
	assert.Equal(t, "token-acct-1", h.endpoint.Tokens[len(h.endpoint.Tokens)-1])
}

func TestAuthExpiredTwiceSurfaces(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.mp4", "0123456789")
	h := newHarness(t, Config{}, nil, nil)
	h.endpoint.FailOpen = func(int) error {
		return failure.New(failure.AuthExpired, "open", "token expired")
	}
	_, err := h.coord.Execute(context.Background(), onceJob(jobs.KindVideo, p))
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.AuthExpired))
	assert.Equal(t, 1, h.tokens.Refreshes)
	assert.Equal(t, 2, h.endpoint.Opens)
}

func TestBudgetExhaustedFailsRateLimited(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.mp4", "0123456789")
	tracker := ratebudget.New(ratebudget.Config{Windows: []ratebudget.Window{{Size: time.Hour, Limit: 2}}})
	h := newHarness(t, Config{ReserveTimeout: time.Millisecond}, tracker, nil)

	out, err := h.coord.Execute(context.Background(), onceJob(jobs.KindVideo, p))
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.RateLimited))
	wait, ok := failure.RetryAfterOf(err)
	require.True(t, ok)
	assert.Greater(t, wait, 50*time.Minute)
	assert.Zero(t, out.Items)
	// open + one chunk fit the budget.
	assert.Equal(t, 1, h.endpoint.Opens)
	assert.Equal(t, 1, h.endpoint.Chunks)

	rec, ok, err := h.store.LoadSession(context.Background(), "job-1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 4, rec.CommittedOffset)
}

func TestRemoteThrottleBlocksBudget(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.mp4", "0123456789")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := ratebudget.New(ratebudget.Config{}, ratebudget.WithClock(func() time.Time { return now }))
	h := newHarness(t, Config{ReserveTimeout: time.Millisecond}, tracker, nil)
	h.coord.now = func() time.Time { return now }
	h.endpoint.FailFinalize = func(int) error {
		return failure.RateLimit("finalize", 10*time.Minute, nil)
	}

	_, err := h.coord.Execute(context.Background(), onceJob(jobs.KindVideo, p))
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.RateLimited))

	d := tracker.Reserve("acct")
	assert.False(t, d.Granted)
	assert.Equal(t, 10*time.Minute, d.Wait)
}

func TestCancelDuringBatchDelayKeepsPublishedItems(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.coord.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	job := onceJob(jobs.KindStoryBatch, writeFile(t, dir, "1.jpg", "a"), writeFile(t, dir, "2.jpg", "b"))
	job.Payload.BatchSize = 2

	out, err := h.coord.Execute(ctx, job)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Canceled))
	assert.Equal(t, 1, out.Items)
	assert.Equal(t, []string{"item-sess-1"}, out.RemoteItemIDs)
}

func TestResumesPersistedSession(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.mp4", "0123456789")
	h := newHarness(t, Config{}, nil, nil)
	h.endpoint.FailChunk = func(call int, offset int64) error {
		if call == 2 {
			return failure.Rejected("send_chunk", "boom", 1)
		}
		return nil
	}
	job := onceJob(jobs.KindVideo, p)
	_, err := h.coord.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.RemoteRejected))

	h.endpoint.FailChunk = nil
	out, err := h.coord.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []string{"item-sess-1"}, out.RemoteItemIDs)
	assert.Equal(t, 2, h.endpoint.Opens, "second run reopens the same remote session")
	assert.Equal(t, "0123456789", string(h.endpoint.Data("sess-1")))
	assert.Equal(t, []int64{0, 4, 8}, h.endpoint.SentOffsets)
}

func TestRecurringJobUsesCursorForItemIndex(t *testing.T) {
	dir := t.TempDir()
	job := onceJob(jobs.KindReels,
		writeFile(t, dir, "1.mp4", "a"),
		writeFile(t, dir, "2.mp4", "bb"))
	job.Schedule = schedule.Spec{Kind: schedule.KindInterval, IntervalSeconds: 60}
	job.Cursor = 1

	h := newHarness(t, Config{}, nil, nil)
	out, err := h.coord.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.EqualValues(t, 2, out.Bytes)
	require.NotEmpty(t, h.store.Saves)
	for _, rec := range h.store.Saves {
		assert.Equal(t, 1, rec.Item)
		assert.Equal(t, "2.mp4", filepath.Base(rec.Path))
	}
}

func TestOneShotVideoPublishesEveryFile(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{}, nil, nil)
	job := onceJob(jobs.KindVideo, writeFile(t, dir, "a.mp4", "aaaa"), writeFile(t, dir, "b.mp4", "bbbb"))

	out, err := h.coord.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Items)
	assert.Equal(t, []string{"item-sess-1", "item-sess-2"}, out.RemoteItemIDs)
	assert.Contains(t, out.Summary, "published 2/2 items")
	assert.Equal(t, "aaaa", string(h.endpoint.Data("sess-1")))
	assert.Equal(t, "bbbb", string(h.endpoint.Data("sess-2")))
	assert.Empty(t, h.sleeps, "only story batches pause between items")
}

func TestOneShotStoryBatchIgnoresBatchSize(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{}, nil, nil)
	job := onceJob(jobs.KindStoryBatch,
		writeFile(t, dir, "1.jpg", "a"), writeFile(t, dir, "2.jpg", "b"), writeFile(t, dir, "3.jpg", "c"))

	out, err := h.coord.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Items)
	assert.Len(t, h.sleeps, 2)
}

func TestFolderJobListsSortsAndMovesPublishedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "B.mp4", "bb")
	writeFile(t, dir, "a.mp4", "a")
	writeFile(t, dir, "notes.txt", "skip")
	writeFile(t, dir, ".partial.mp4", "skip")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, UploadedDir), 0o755))
	writeFile(t, filepath.Join(dir, UploadedDir), "a.mp4", "older upload")

	h := newHarness(t, Config{}, nil, nil)
	job := onceJob(jobs.KindVideo)
	job.Payload = jobs.Payload{Folder: dir, SortBy: "name", MoveUploaded: true}

	out, err := h.coord.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Items)
	assert.Equal(t, "a", string(h.endpoint.Data("sess-1")))
	assert.Equal(t, "bb", string(h.endpoint.Data("sess-2")))

	assert.NoFileExists(t, filepath.Join(dir, "a.mp4"))
	assert.NoFileExists(t, filepath.Join(dir, "B.mp4"))
	assert.FileExists(t, filepath.Join(dir, UploadedDir, "a_1.mp4"))
	assert.FileExists(t, filepath.Join(dir, UploadedDir, "B.mp4"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestRecurringFolderWithoutNewFilesIsNotAFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	job := onceJob(jobs.KindReels)
	job.Payload = jobs.Payload{Folder: t.TempDir()}
	job.Schedule = schedule.Spec{Kind: schedule.KindInterval, IntervalSeconds: 60}

	out, err := h.coord.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Zero(t, out.Items)
	assert.Contains(t, out.Summary, "no new files")
	assert.Zero(t, h.endpoint.Opens)

	job.Payload.Folder = filepath.Join(t.TempDir(), "missing")
	_, err = h.coord.Execute(context.Background(), job)
	assert.True(t, failure.Is(err, failure.Transient))
}

func TestListFolderOrders(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"c.jpg", "a.mp4", "b.png"} {
		p := writeFile(t, dir, name, name)
		mod := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(p, mod, mod))
	}
	names := func(paths []string) []string {
		out := make([]string, len(paths))
		for i, p := range paths {
			out[i] = filepath.Base(p)
		}
		return out
	}
	job := jobs.Job{ID: "j", Kind: jobs.KindStoryBatch, Payload: jobs.Payload{Folder: dir}}

	got, err := listFolder(job)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4", "b.png", "c.jpg"}, names(got))

	job.Payload.SortBy = "date"
	got, err = listFolder(job)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.jpg", "a.mp4", "b.png"}, names(got))

	job.Payload.SortBy = "random"
	first, err := listFolder(job)
	require.NoError(t, err)
	again, err := listFolder(job)
	require.NoError(t, err)
	assert.Equal(t, first, again, "random order is stable per job")
	assert.ElementsMatch(t, []string{"a.mp4", "b.png", "c.jpg"}, names(first))

	job.Kind = jobs.KindVideo
	job.Payload.SortBy = ""
	got, err = listFolder(job)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4"}, names(got), "video kinds skip images")
}

func TestWatermarkedCopyIsUploadedAndRemoved(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "clip.mp4", "0123456789")
	wmDir := t.TempDir()
	h := newHarness(t, Config{Watermark: Watermark{Image: "logo.png", Dir: wmDir}}, nil, nil)
	var renders int
	h.coord.render = func(_ context.Context, w Watermark, in, out string) error {
		renders++
		assert.Equal(t, "logo.png", w.Image)
		data, err := os.ReadFile(in)
		require.NoError(t, err)
		return os.WriteFile(out, append([]byte("WM:"), data...), 0o600)
	}
	job := onceJob(jobs.KindVideo, src)
	job.Payload.Watermark = true

	out, err := h.coord.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, renders)
	assert.Equal(t, "WM:0123456789", string(h.endpoint.Data("sess-1")))
	assert.EqualValues(t, 10, out.Bytes)
	left, err := os.ReadDir(wmDir)
	require.NoError(t, err)
	assert.Empty(t, left, "rendered copy removed after commit")

	h.coord.render = func(context.Context, Watermark, string, string) error { return ErrWatermarkUnavailable }
	job.ID = "job-2"
	_, err = h.coord.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(h.endpoint.Data("sess-2")))
}

func TestWatermarkFilter(t *testing.T) {
	w := Watermark{Image: "logo.png", Position: "top_left", Opacity: 0.5, Scale: 0.2}.withDefaults()
	assert.Equal(t, "[1:v]scale=iw*0.2:-1,format=rgba,colorchannelmixer=aa=0.5[wm];[0:v][wm]overlay=x=20:y=20", w.filter())

	d := Watermark{Image: "logo.png", Position: "middle"}.withDefaults()
	assert.Equal(t, "bottom_right", d.Position)
	assert.Equal(t, DefaultWatermarkOpacity, d.Opacity)
	assert.Equal(t, "ffmpeg", d.FFmpeg)
}
