// Package jobs defines scheduled upload jobs and their lifecycle states.
package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pubsched/internal/schedule"
)

type Kind string

const (
	KindVideo       Kind = "video"
	KindStorySingle Kind = "story-single"
	KindStoryBatch  Kind = "story-batch"
	KindReels       Kind = "reels"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindVideo, KindStorySingle, KindStoryBatch, KindReels:
		return k, nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// Batched reports whether items of this kind are separated by a randomized delay.
func (k Kind) Batched() bool { return k == KindStoryBatch }

type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	DefaultBatchSize = 1
	MaxBatchSize     = 10
	DefaultDelayMin  = 5  // seconds
	DefaultDelayMax  = 15 // seconds
)

// Sort orders of a folder listing.
const (
	SortName   = "name"
	SortDate   = "date"
	SortRandom = "random"
)

func ParseSort(s string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "", SortName:
		return SortName, nil
	case SortDate, "date_modified", "modified":
		return SortDate, nil
	case SortRandom:
		return v, nil
	}
	return "", fmt.Errorf("unknown sort order %q", s)
}

// Payload is the ordered file list plus per-kind metadata. A job either names its files or a
// folder that is listed again at every execution.
type Payload struct {
	Files  []string `json:"files,omitempty"`
	Folder string   `json:"folder,omitempty"`
	// SortBy orders the folder listing: name, date or random.
	SortBy string `json:"sort_by,omitempty"`
	// MoveUploaded moves each published file into an "uploaded" directory next to it.
	MoveUploaded bool `json:"move_uploaded,omitempty"`

	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Watermark   bool     `json:"watermark,omitempty"`
	// BatchSize is the number of files published per run (story-batch).
	BatchSize int `json:"batch_size,omitempty"`
	// DelayMin/DelayMax bound the randomized pause between batch items, in seconds.
	DelayMin int `json:"delay_min,omitempty"`
	DelayMax int `json:"delay_max,omitempty"`
}

// Job is a scheduled unit of work producing one publish action per item against one account.
type Job struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	AccountID string        `json:"account_id"`
	Payload   Payload       `json:"payload"`
	Schedule  schedule.Spec `json:"schedule"`

	Status       Status    `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	ErrorClass   string    `json:"error_class,omitempty"`
	LastRunAt    time.Time `json:"last_run_at,omitempty"`
	NextDueAt    time.Time `json:"next_due_at"`

	// Cursor is the index of the next file a recurring job publishes.
	Cursor        int      `json:"cursor"`
	RemoteItemIDs []string `json:"remote_item_ids,omitempty"`
	Summary       string   `json:"summary,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID returns a fresh job or template id.
func NewID() string { return uuid.NewString() }

// Key groups jobs of one kind on one account in logs and notification dedup.
func (j Job) Key() string { return j.AccountID + ":::" + string(j.Kind) }

// FromFolder reports whether the job's files come from a folder listing.
func (j Job) FromFolder() bool { return j.Payload.Folder != "" }

// BatchSize is the configured story-batch size, 1 for every other kind.
func (j Job) BatchSize() int {
	if j.Kind != KindStoryBatch {
		return 1
	}
	if j.Payload.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return j.Payload.BatchSize
}

// PerRun is the number of files one execution consumes: a recurring job publishes one batch per
// occurrence, a one-shot job everything left.
func (j Job) PerRun() int {
	if !j.Schedule.Recurring() {
		return max(len(j.Payload.Files)-max(j.Cursor, 0), 0)
	}
	return j.BatchSize()
}

// RunItems returns the files the next execution publishes, in order. Folder jobs only know
// their files once the coordinator has listed the folder into Payload.Files.
func (j Job) RunItems() []string {
	files := j.Payload.Files
	start := min(max(j.Cursor, 0), len(files))
	end := min(start+j.PerRun(), len(files))
	return files[start:end]
}

// Exhausted reports whether a recurring job has published every file. A folder can always
// receive more files.
func (j Job) Exhausted() bool {
	if j.FromFolder() {
		return false
	}
	return j.Cursor >= len(j.Payload.Files)
}

// Advance records n published files. Files moved out of a folder leave its listing, so the
// cursor of such a job does not move.
func (j *Job) Advance(n int) {
	if j.FromFolder() && j.Payload.MoveUploaded {
		return
	}
	j.Cursor += n
}

// SkipRun moves the cursor past the files of a run that will never publish. A folder job skips
// only the file that failed.
func (j *Job) SkipRun() {
	if j.FromFolder() {
		j.Cursor++
		return
	}
	j.Cursor += len(j.RunItems())
}

// Delays returns the effective batch delay bounds; a max below min is clamped to min.
func (p Payload) Delays() (min, max time.Duration) {
	lo, hi := p.DelayMin, p.DelayMax
	if lo <= 0 && hi <= 0 {
		lo, hi = DefaultDelayMin, DefaultDelayMax
	}
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	return time.Duration(lo) * time.Second, time.Duration(hi) * time.Second
}

// Validate checks the static shape of a job. Media checks happen at execution time.
func (j Job) Validate() error {
	if _, err := ParseKind(string(j.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(j.AccountID) == "" {
		return fmt.Errorf("account_id required")
	}
	switch {
	case j.FromFolder() && len(j.Payload.Files) > 0:
		return fmt.Errorf("files and folder are mutually exclusive")
	case j.FromFolder():
		if strings.TrimSpace(j.Payload.Folder) == "" {
			return fmt.Errorf("folder: empty path")
		}
		if _, err := ParseSort(j.Payload.SortBy); err != nil {
			return err
		}
	case len(j.Payload.Files) == 0:
		return fmt.Errorf("at least one file or a folder required")
	}
	for i, f := range j.Payload.Files {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("file %d: empty path", i)
		}
	}
	if j.Kind == KindStoryBatch {
		if n := j.BatchSize(); n < 1 || n > MaxBatchSize {
			return fmt.Errorf("batch_size must be within 1..%d", MaxBatchSize)
		}
	}
	if j.Payload.DelayMin < 0 || j.Payload.DelayMax < 0 {
		return fmt.Errorf("delays must be >= 0")
	}
	return j.Schedule.Validate()
}
