package eventbus

import "time"

// Event types published by the scheduler, coordinator and config manager.
const (
	TypeJobStatus   = "job.status"
	TypeJobProgress = "job.progress"
	TypeJobOutcome  = "job.outcome"

	TypeSchedulerPaused  = "scheduler.paused"
	TypeSchedulerResumed = "scheduler.resumed"

	TypeConfigChanged = "config.changed"
)

// JobStatus is the payload of TypeJobStatus.
type JobStatus struct {
	JobID     string    `json:"job_id"`
	AccountID string    `json:"account_id"`
	Kind      string    `json:"kind"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Attempt   int       `json:"attempt"`
	NextDueAt time.Time `json:"next_due_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// JobProgress is the payload of TypeJobProgress.
type JobProgress struct {
	JobID      string `json:"job_id"`
	AccountID  string `json:"account_id"`
	ItemIndex  int    `json:"item_index"`
	ItemCount  int    `json:"item_count"`
	BytesDone  int64  `json:"bytes_done"`
	BytesTotal int64  `json:"bytes_total"`
	Phase      string `json:"phase"`
}

// JobOutcome is the payload of TypeJobOutcome. It is what the notifier consumes.
type JobOutcome struct {
	JobID         string        `json:"job_id"`
	AccountID     string        `json:"account_id"`
	Kind          string        `json:"kind"`
	Status        string        `json:"status"`
	Summary       string        `json:"summary"`
	RemoteItemIDs []string      `json:"remote_item_ids,omitempty"`
	ErrorClass    string        `json:"error_class,omitempty"`
	Error         string        `json:"error,omitempty"`
	Attempt       int           `json:"attempt"`
	Duration      time.Duration `json:"duration"`
	WillRetry     bool          `json:"will_retry"`
}
