// Package upload executes a job: it validates the run's files, reserves rate budget before every
// remote call and drives one resumable transfer session per file, in order.
package upload

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"pubsched/internal/eventbus"
	"pubsched/internal/failure"
	"pubsched/internal/jobs"
	"pubsched/internal/retry"
	"pubsched/internal/transfer"
	logx "pubsched/pkg/logx"
)

const DefaultReserveTimeout = 5 * time.Minute

type Config struct {
	ChunkSize       int64
	ChunkRetries    int
	RetryBase       time.Duration
	RetryMax        time.Duration
	OpenTimeout     time.Duration
	ChunkTimeout    time.Duration
	FinalizeTimeout time.Duration
	// ReserveTimeout bounds how long a call waits for rate budget before failing RateLimited.
	ReserveTimeout time.Duration
	Limits         Limits
	Watermark      Watermark
}

func (c Config) withDefaults() Config {
	if c.ReserveTimeout <= 0 {
		c.ReserveTimeout = DefaultReserveTimeout
	}
	c.Limits = c.Limits.withDefaults()
	c.Watermark = c.Watermark.withDefaults()
	return c
}

func (c Config) sessionOptions() transfer.Options {
	return transfer.Options{
		ChunkSize:       c.ChunkSize,
		Retry:           retry.Policy{Attempts: c.ChunkRetries, Base: c.RetryBase, Max: c.RetryMax},
		OpenTimeout:     c.OpenTimeout,
		ChunkTimeout:    c.ChunkTimeout,
		FinalizeTimeout: c.FinalizeTimeout,
	}.WithDefaults()
}

// Budget is the rate budget shared by every job of an account.
type Budget interface {
	Wait(ctx context.Context, accountID string, timeout time.Duration) error
	Block(accountID string, until time.Time)
}

type Credentials interface {
	transfer.TokenSource
	Refresh(ctx context.Context, accountID string) (string, error)
}

type Deps struct {
	Endpoint    transfer.Endpoint
	Store       transfer.Store
	Credentials Credentials
	Budget      Budget
	// Prober is optional; without it duration limits are not checked.
	Prober Prober
	Bus    eventbus.Bus
}

// Outcome is the result of one execution. On error it holds what was published before the
// failure.
type Outcome struct {
	RemoteItemIDs []string
	Summary       string
	// Items is the number of files published.
	Items int
	Bytes int64
}

type Coordinator struct {
	log logx.Logger

	mu  sync.RWMutex
	cfg Config

	endpoint transfer.Endpoint
	store    transfer.Store
	creds    Credentials
	budget   Budget
	prober   Prober
	bus      eventbus.Bus

	rngMu sync.Mutex
	rng   *rand.Rand

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	open   func(path string) (transfer.File, error)
	render func(ctx context.Context, w Watermark, src, dst string) error
}

func New(cfg Config, deps Deps, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		log:      log.With(logx.String("comp", "upload")),
		cfg:      cfg.withDefaults(),
		endpoint: deps.Endpoint,
		store:    deps.Store,
		creds:    deps.Credentials,
		budget:   deps.Budget,
		prober:   deps.Prober,
		bus:      deps.Bus,
		rng:      retry.NewRand(0),
		now:      time.Now,
		sleep:    retry.Sleep,
		render:   renderOverlay,
	}
}

func (c *Coordinator) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

// CallTimeout is the longest one remote call may run. Chunk and finalize calls ignore
// cancellation, so shutdown waits at least this long for executions to checkpoint.
func (c *Coordinator) CallTimeout() time.Duration {
	o := c.config().sessionOptions()
	return max(o.OpenTimeout, o.ChunkTimeout, o.FinalizeTimeout)
}

func (c *Coordinator) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Execute publishes the job's current run items. Cancellation is honored at checkpoints:
// between chunks, during backoff and during batch delays.
func (c *Coordinator) Execute(ctx context.Context, job jobs.Job) (Outcome, error) {
	cfg := c.config()
	log := c.log.With(logx.String("job", job.ID), logx.String("key", job.Key()))

	if job.FromFolder() {
		listed, err := listFolder(job)
		if err != nil {
			log.Warn("list folder failed", logx.String("folder", job.Payload.Folder), logx.Err(err))
			return Outcome{Summary: "folder unavailable"}, failure.Wrap(failure.Transient, "list_folder", err)
		}
		job.Payload.Files = listed
		if len(job.RunItems()) == 0 && job.Schedule.Recurring() {
			log.Info("folder has no new files", logx.String("folder", job.Payload.Folder))
			return Outcome{Summary: "no new files in " + job.Payload.Folder}, nil
		}
	}

	files, err := c.validate(ctx, job, cfg.Limits)
	if err != nil {
		log.Info("job rejected by validation", logx.Err(err))
		return Outcome{Summary: "validation failed"}, err
	}

	var out Outcome
	lo, hi := job.Payload.Delays()
	for i, fi := range files {
		if i > 0 && job.Kind.Batched() {
			d := c.batchDelay(lo, hi)
			log.Debug("batch delay", logx.Duration("delay", d), logx.Int("next", i))
			c.publishProgress(job, fi.index, len(files), 0, fi.size, "waiting "+d.Round(time.Second).String())
			if err := c.sleep(ctx, d); err != nil {
				out.Summary = summarize(out.Items, len(files), out.Bytes) + "; cancelled"
				return out, failure.Wrap(failure.Canceled, "batch_delay", err)
			}
		}

		id, err := c.runItem(ctx, cfg, job, fi, len(files), log)
		if err != nil {
			out.Summary = summarize(out.Items, len(files), out.Bytes)
			log.Warn("item failed", logx.Int("item", fi.index), logx.String("class", string(failure.ClassOf(err))), logx.Err(err))
			return out, err
		}
		out.RemoteItemIDs = append(out.RemoteItemIDs, id)
		out.Items++
		out.Bytes += fi.size

		if job.Payload.MoveUploaded {
			if to, err := moveUploaded(fi.source); err != nil {
				log.Warn("move uploaded file failed", logx.String("path", fi.source), logx.Err(err))
			} else {
				log.Debug("uploaded file moved", logx.String("from", fi.source), logx.String("to", to))
			}
		}
		if err := c.store.DeleteSession(context.WithoutCancel(ctx), job.ID, fi.index); err != nil {
			log.Warn("delete committed session failed", logx.Int("item", fi.index), logx.Err(err))
		}
	}
	out.Summary = summarize(out.Items, len(files), out.Bytes)
	log.Info("job executed", logx.Int("items", out.Items), logx.String("bytes", humanize.IBytes(uint64(out.Bytes))))
	return out, nil
}

// runItem uploads one file. An AuthExpired failure triggers one credential refresh, after which
// the whole session is retried once from its persisted offset.
func (c *Coordinator) runItem(ctx context.Context, cfg Config, job jobs.Job, fi fileInfo, count int, log logx.Logger) (string, error) {
	// A rendered copy is kept until its upload commits so a resumed session sends the same bytes.
	if job.Payload.Watermark && cfg.Watermark.Enabled() && fi.video {
		c.publishProgress(job, fi.index, count, 0, fi.size, "watermarking")
		w, err := c.watermarked(ctx, cfg.Watermark, fi, transfer.Fingerprint(fi.path, fi.size, fi.modTime))
		switch {
		case errors.Is(err, ErrWatermarkUnavailable):
			log.Warn("ffmpeg unavailable, publishing without watermark", logx.Int("item", fi.index))
		case err != nil && ctx.Err() != nil:
			return "", failure.Wrap(failure.Canceled, "watermark", ctx.Err())
		case err != nil:
			return "", failure.Validationf("watermark %s: %v", fi.path, err)
		default:
			fi = w
		}
	}

	rec, err := c.loadRecord(ctx, job, fi, log)
	if err != nil {
		return "", err
	}
	meta := transfer.FinalizeMeta{
		Kind:        string(job.Kind),
		Title:       job.Payload.Title,
		Description: job.Payload.Description,
		Watermark:   job.Payload.Watermark,
	}

	refreshed := false
	for {
		sess := transfer.NewSession(rec, c.sessionDeps(cfg, job, fi, count, log), cfg.sessionOptions())
		id, err := sess.Run(ctx, meta)
		if err == nil {
			c.publishProgress(job, fi.index, count, fi.size, fi.size, "published")
			if fi.path != fi.source {
				_ = os.Remove(fi.path)
			}
			return id, nil
		}
		rec = sess.Record()

		switch failure.ClassOf(err) {
		case failure.AuthExpired:
			if refreshed || c.creds == nil {
				return "", err
			}
			refreshed = true
			log.Info("access token expired, refreshing", logx.String("account", job.AccountID))
			if _, rerr := c.creds.Refresh(ctx, job.AccountID); rerr != nil {
				return "", failure.Wrap(failure.AuthExpired, "refresh", rerr)
			}
			continue
		case failure.RateLimited:
			if after, ok := failure.RetryAfterOf(err); ok && c.budget != nil {
				c.budget.Block(job.AccountID, c.now().Add(after))
			}
		}
		return "", err
	}
}

// loadRecord resumes the persisted session for this item unless the file changed since.
func (c *Coordinator) loadRecord(ctx context.Context, job jobs.Job, fi fileInfo, log logx.Logger) (transfer.Record, error) {
	fp := transfer.Fingerprint(fi.path, fi.size, fi.modTime)
	rec, ok, err := c.store.LoadSession(ctx, job.ID, fi.index)
	if err != nil {
		return transfer.Record{}, failure.Wrap(failure.Persistence, "load_session", err)
	}
	if ok && rec.Fingerprint == fp && rec.AccountID == job.AccountID && rec.TotalBytes == fi.size {
		log.Info("resuming session", logx.Int("item", fi.index), logx.String("state", string(rec.State)),
			logx.Int64("committed", rec.CommittedOffset), logx.Int64("total", rec.TotalBytes))
		return rec, nil
	}
	if ok {
		log.Info("file changed since last attempt, starting over", logx.Int("item", fi.index))
	}
	return transfer.Record{
		JobID:       job.ID,
		Item:        fi.index,
		AccountID:   job.AccountID,
		Kind:        string(job.Kind),
		Path:        fi.path,
		Fingerprint: fp,
		TotalBytes:  fi.size,
		State:       transfer.StateNew,
	}, nil
}

func (c *Coordinator) sessionDeps(cfg Config, job jobs.Job, fi fileInfo, count int, log logx.Logger) transfer.Deps {
	d := transfer.Deps{
		Endpoint: c.endpoint,
		Store:    c.store,
		Log:      log,
		Sleep:    c.sleep,
		Open:     c.open,
		Rand:     c.sessionRand(),
		OnProgress: func(p transfer.Progress) {
			c.publishProgress(job, fi.index, count, p.Committed, p.Total, phaseText(p))
		},
	}
	if c.creds != nil {
		d.Tokens = c.creds
	}
	if c.budget != nil {
		d.Gate = func(ctx context.Context, op string) error {
			return c.budget.Wait(ctx, job.AccountID, cfg.ReserveTimeout)
		}
	}
	return d
}

func phaseText(p transfer.Progress) string {
	switch p.State {
	case transfer.StateTransferring:
		pct := 0.0
		if p.Total > 0 {
			pct = float64(p.Committed) * 100 / float64(p.Total)
		}
		return fmt.Sprintf("uploading %s / %s (%.0f%%)",
			humanize.IBytes(uint64(p.Committed)), humanize.IBytes(uint64(p.Total)), pct)
	case transfer.StateOpened:
		if p.Committed > 0 {
			return "resuming at " + humanize.IBytes(uint64(p.Committed))
		}
		return "session opened"
	case transfer.StateFinalizing:
		return "publishing"
	case transfer.StateCommitted:
		return "published"
	case transfer.StateAborted:
		return "aborted at " + humanize.IBytes(uint64(p.Committed))
	}
	return string(p.State)
}

func (c *Coordinator) publishProgress(job jobs.Job, item, count int, done, total int64, phase string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type: eventbus.TypeJobProgress,
		Time: c.now(),
		Data: eventbus.JobProgress{
			JobID:      job.ID,
			AccountID:  job.AccountID,
			ItemIndex:  item,
			ItemCount:  count,
			BytesDone:  done,
			BytesTotal: total,
			Phase:      phase,
		},
	})
}

func (c *Coordinator) batchDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return lo + time.Duration(c.rng.Int63n(int64(hi-lo)+1))
}

func (c *Coordinator) sessionRand() *rand.Rand {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return rand.New(rand.NewSource(c.rng.Int63()))
}
