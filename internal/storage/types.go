package storage

import (
	"errors"
	"time"

	"pubsched/internal/jobs"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": journal + snapshot next to Path
//   - "memory": nothing is written to disk
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CompactEvery is the number of journal writes between snapshots (file driver).
	CompactEvery int
}

// JobFilter selects jobs in ListJobs. Zero values match everything.
// Results are ordered by (NextDueAt, ID).
type JobFilter struct {
	Statuses  []jobs.Status
	AccountID string
	// DueBefore keeps jobs with NextDueAt <= DueBefore.
	DueBefore time.Time
	Limit     int
}

func (f JobFilter) match(j jobs.Job) bool {
	if f.AccountID != "" && j.AccountID != f.AccountID {
		return false
	}
	if !f.DueBefore.IsZero() && j.NextDueAt.After(f.DueBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// prunable reports whether a job is a terminal one-shot job last touched before cutoff.
func prunable(j jobs.Job, before time.Time) bool {
	return j.Status.Terminal() && !j.Schedule.Recurring() && j.UpdatedAt.Before(before)
}
