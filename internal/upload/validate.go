package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"pubsched/internal/failure"
	"pubsched/internal/jobs"
)

// Limits are the per-kind media constraints checked before any network call.
type Limits struct {
	ReelsMaxBytes    int64
	ReelsMinDuration time.Duration
	ReelsMaxDuration time.Duration
	StoryMaxDuration time.Duration
	VideoMaxDuration time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		ReelsMaxBytes:    1 << 30,
		ReelsMinDuration: 3 * time.Second,
		ReelsMaxDuration: 90 * time.Second,
		StoryMaxDuration: 60 * time.Second,
		VideoMaxDuration: 4 * time.Hour,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.ReelsMaxBytes <= 0 {
		l.ReelsMaxBytes = d.ReelsMaxBytes
	}
	if l.ReelsMinDuration <= 0 {
		l.ReelsMinDuration = d.ReelsMinDuration
	}
	if l.ReelsMaxDuration <= 0 {
		l.ReelsMaxDuration = d.ReelsMaxDuration
	}
	if l.StoryMaxDuration <= 0 {
		l.StoryMaxDuration = d.StoryMaxDuration
	}
	if l.VideoMaxDuration <= 0 {
		l.VideoMaxDuration = d.VideoMaxDuration
	}
	return l
}

type fileInfo struct {
	index   int // position in job.Payload.Files
	path    string
	size    int64
	modTime time.Time
	video   bool
	// source is the job's file; path differs from it when a watermarked copy is uploaded.
	source string
}

func (fi fileInfo) rendered(path string, st os.FileInfo) fileInfo {
	fi.path = path
	fi.size = st.Size()
	fi.modTime = st.ModTime()
	return fi
}

// validate checks the run's items against the kind's shape and media limits.
func (c *Coordinator) validate(ctx context.Context, job jobs.Job, limits Limits) ([]fileInfo, error) {
	items := job.RunItems()
	if len(items) == 0 {
		return nil, failure.Validationf("job %s has no files left to publish", job.ID)
	}
	switch job.Kind {
	case jobs.KindReels, jobs.KindStorySingle:
		// Recurring jobs consume one file per run; a one-shot job must carry exactly one.
		if !job.Schedule.Recurring() && len(items) != 1 {
			return nil, failure.Validationf("%s publishes exactly one file, got %d", job.Kind, len(items))
		}
	case jobs.KindStoryBatch:
		n := job.BatchSize()
		if n < 1 || n > jobs.MaxBatchSize {
			return nil, failure.Validationf("batch size %d outside 1..%d", n, jobs.MaxBatchSize)
		}
		// A folder publishes whatever it holds.
		if !job.FromFolder() && n > len(job.Payload.Files) {
			return nil, failure.Validationf("batch size %d exceeds %d files", n, len(job.Payload.Files))
		}
	}

	out := make([]fileInfo, 0, len(items))
	for i, p := range items {
		st, err := os.Stat(p)
		if err != nil {
			return nil, failure.Validationf("file %s: %v", p, err)
		}
		if !st.Mode().IsRegular() {
			return nil, failure.Validationf("file %s is not a regular file", p)
		}
		if st.Size() == 0 {
			return nil, failure.Validationf("file %s is empty", p)
		}
		fi := fileInfo{index: job.Cursor + i, path: p, source: p, size: st.Size(), modTime: st.ModTime(), video: IsVideo(p)}

		if job.Kind == jobs.KindReels {
			if !fi.video {
				return nil, failure.Validationf("reels require a video file, got %s", p)
			}
			if fi.size > limits.ReelsMaxBytes {
				return nil, failure.Validationf("reels file %s is %s, limit %s", p,
					humanize.IBytes(uint64(fi.size)), humanize.IBytes(uint64(limits.ReelsMaxBytes)))
			}
		}
		if err := c.checkDuration(ctx, job.Kind, fi, limits); err != nil {
			return nil, err
		}
		out = append(out, fi)
	}
	return out, nil
}

func (c *Coordinator) checkDuration(ctx context.Context, kind jobs.Kind, fi fileInfo, limits Limits) error {
	if c.prober == nil || !fi.video {
		return nil
	}
	var lo, hi time.Duration
	switch kind {
	case jobs.KindReels:
		lo, hi = limits.ReelsMinDuration, limits.ReelsMaxDuration
	case jobs.KindStorySingle, jobs.KindStoryBatch:
		hi = limits.StoryMaxDuration
	default:
		hi = limits.VideoMaxDuration
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	info, err := c.prober.Probe(pctx, fi.path)
	if errors.Is(err, ErrProberUnavailable) {
		c.log.Warn("media prober unavailable, skipping duration check")
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return failure.Wrap(failure.Canceled, "validate", ctx.Err())
		}
		return failure.Validationf("probe %s: %v", fi.path, err)
	}
	if info.Duration <= 0 {
		return failure.Validationf("probe %s: unknown duration", fi.path)
	}
	if info.Duration < lo || info.Duration > hi {
		return failure.Validationf("%s duration %s outside %s..%s", fi.path, info.Duration.Round(time.Second), lo, hi)
	}
	return nil
}

const probeTimeout = 30 * time.Second

// summarize renders "published 2/3 items, 48 MiB".
func summarize(done, total int, bytes int64) string {
	return fmt.Sprintf("published %d/%d items, %s", done, total, humanize.IBytes(uint64(bytes)))
}
