package notifier

import (
	"time"

	kit "pubsched/internal/transport"
)

// Config controls delivery. Zero values take the defaults in withDefaults.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// Targets receive every outcome message.
	Targets []kit.ChatTarget
	// OnSuccess/OnFailure select which outcomes are announced. Failures that will be retried
	// are only announced with OnRetry.
	OnSuccess bool
	OnFailure bool
	OnRetry   bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// Bus event types; each carries a NotificationEvent.
const (
	TypeQueued  = "notifier.queued"
	TypeDeduped = "notifier.deduped"
	TypeDropped = "notifier.dropped"
	TypeSent    = "notifier.sent"
	TypeFailed  = "notifier.failed"
)

type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
