package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON). Unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m", "720h").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Upload      UploadConfig      `json:"upload"`
	RateBudget  RateBudgetConfig  `json:"rate_budget"`
	Credentials CredentialsConfig `json:"credentials"`
	Remote      RemoteConfig      `json:"remote"`

	// Notifier may be omitted; outcome notifications are then disabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Telegram TelegramConfig  `json:"telegram"`

	Observability ObservabilityConfig `json:"observability"`
	API           APIConfig           `json:"api"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "pretty" (default) or "json".
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pubsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | file | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	// CompactEvery is the number of journal writes between snapshots (file driver).
	CompactEvery int `json:"compact_every,omitempty"`
}

// SchedulerConfig controls the trigger loop, the worker pool and the retry policy.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2 (fixed at start)
//   - active_limit: workers
//   - max_attempts: 3
//   - retry_base: "30s", retry_max: "30m"
//   - job_timeout: "0s" (disabled)
//   - retention: "720h", sweep_interval: "1h"
type SchedulerConfig struct {
	Workers     int `json:"workers,omitempty"`
	ActiveLimit int `json:"active_limit,omitempty"`

	MaxAttempts int    `json:"max_attempts,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	RetryMax    string `json:"retry_max,omitempty"`
	JobTimeout  string `json:"job_timeout,omitempty"`

	MaxIdle         string `json:"max_idle,omitempty"`
	TemplateRecheck string `json:"template_recheck,omitempty"`
	Retention       string `json:"retention,omitempty"`
	SweepInterval   string `json:"sweep_interval,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`

	// Paused starts the daemon without dispatching.
	Paused bool `json:"paused,omitempty"`
}

// UploadConfig controls transfers and per-kind media limits.
type UploadConfig struct {
	ChunkSizeMB     int    `json:"chunk_size_mb,omitempty"`
	ChunkRetries    int    `json:"chunk_retries,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMax        string `json:"retry_max,omitempty"`
	OpenTimeout     string `json:"open_timeout,omitempty"`
	ChunkTimeout    string `json:"chunk_timeout,omitempty"`
	FinalizeTimeout string `json:"finalize_timeout,omitempty"`
	ReserveTimeout  string `json:"reserve_timeout,omitempty"`

	// FFProbe is the ffprobe binary; "off" disables media probing.
	FFProbe string `json:"ffprobe,omitempty"`

	ReelsMaxMB       int    `json:"reels_max_mb,omitempty"`
	ReelsMinDuration string `json:"reels_min_duration,omitempty"`
	ReelsMaxDuration string `json:"reels_max_duration,omitempty"`
	StoryMaxDuration string `json:"story_max_duration,omitempty"`
	VideoMaxDuration string `json:"video_max_duration,omitempty"`

	Watermark WatermarkConfig `json:"watermark,omitempty"`
}

// WatermarkConfig is the image overlay applied to videos of jobs with watermark set. Without an
// image, jobs are published unchanged.
type WatermarkConfig struct {
	Image    string  `json:"image,omitempty"`
	Position string  `json:"position,omitempty"` // top_left, top_right, bottom_left, bottom_right, center
	Opacity  float64 `json:"opacity,omitempty"`
	Scale    float64 `json:"scale,omitempty"`
	Dir      string  `json:"dir,omitempty"`
	FFmpeg   string  `json:"ffmpeg,omitempty"`
}

// RateBudgetConfig defines per-account call windows. Omitted windows default to
// 100 calls/hour and 1000 calls/day.
type RateBudgetConfig struct {
	Windows    []RateWindow `json:"windows,omitempty"`
	MinSpacing string       `json:"min_spacing,omitempty"`
}

type RateWindow struct {
	Size  string `json:"size"`
	Limit int    `json:"limit"`
}

// CredentialsConfig holds static access tokens per account. Tokens are never logged.
type CredentialsConfig struct {
	Tokens   map[string]string `json:"tokens"`
	TokenTTL string            `json:"token_ttl,omitempty"`
	// RefreshCommand is run with the account id appended; its stdout is the new token.
	RefreshCommand []string `json:"refresh_command,omitempty"`
	RefreshTimeout string   `json:"refresh_timeout,omitempty"`
}

type RemoteConfig struct {
	BaseURL   string `json:"base_url"`
	Timeout   string `json:"timeout,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// NotifierConfig controls outcome notifications.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	OnSuccess bool `json:"on_success"`
	OnFailure bool `json:"on_failure"`
	OnRetry   bool `json:"on_retry,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"`
	// ChatIDs receive outcome notifications. ThreadID targets a forum topic.
	ChatIDs  []int64 `json:"chat_ids"`
	ThreadID int     `json:"thread_id,omitempty"`
	Timeout  string  `json:"timeout,omitempty"`
}

// ObservabilityConfig controls the metrics/pprof listener.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:9464").
//   - A non-loopback address requires a token or allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Metrics     bool   `json:"metrics"`
	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile (30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// APIConfig controls the control API. The CLI reads the same section to reach the daemon.
type APIConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"` // default "127.0.0.1:8787"
	Token     string `json:"token,omitempty"`
	Heartbeat string `json:"heartbeat,omitempty"`
}
