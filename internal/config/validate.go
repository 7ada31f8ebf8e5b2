package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	logx "pubsched/pkg/logx"
)

// Validate checks everything that can be checked without opening resources. Errors name the
// offending key.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, d := range c.durations() {
		_, err := ParseDuration(d.path, d.raw)
		add(err)
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	switch f := strings.ToLower(strings.TrimSpace(c.Logging.Format)); f {
	case "", "pretty", "json":
	default:
		add(fmt.Errorf("logging.format: must be pretty or json, got %q", f))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "sqlite", "sqlite3", "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required when storage.driver=%s", d))
		}
	case "memory":
	case "":
		add(errors.New("storage.driver is required"))
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	s := c.Scheduler
	if s.Workers < 0 || s.ActiveLimit < 0 || s.MaxAttempts < 0 || s.HistorySize < 0 {
		add(errors.New("scheduler: workers, active_limit, max_attempts and history_size must be >= 0"))
	}

	u := c.Upload
	if u.ChunkSizeMB < 0 || u.ChunkRetries < 0 || u.ReelsMaxMB < 0 {
		add(errors.New("upload: chunk_size_mb, chunk_retries and reels_max_mb must be >= 0"))
	}
	if w := u.Watermark; w.Opacity < 0 || w.Opacity > 1 || w.Scale < 0 || w.Scale > 1 {
		add(errors.New("upload.watermark: opacity and scale must be within 0..1"))
	}
	switch u.Watermark.Position {
	case "", "top_left", "top_right", "bottom_left", "bottom_right", "center":
	default:
		add(fmt.Errorf("upload.watermark.position: unknown position %q", u.Watermark.Position))
	}

	for i, w := range c.RateBudget.Windows {
		if strings.TrimSpace(w.Size) == "" || w.Limit <= 0 {
			add(fmt.Errorf("rate_budget.windows[%d]: size and a positive limit are required", i))
		}
	}

	for acct, tok := range c.Credentials.Tokens {
		if strings.TrimSpace(acct) == "" {
			add(errors.New("credentials.tokens: empty account id"))
		}
		if strings.TrimSpace(tok) == "" && len(c.Credentials.RefreshCommand) == 0 {
			add(fmt.Errorf("credentials.tokens[%s]: empty token and no refresh_command", acct))
		}
	}

	if raw := strings.TrimSpace(c.Remote.BaseURL); raw == "" {
		add(errors.New("remote.base_url is required"))
	} else {
		if pu, err := url.Parse(raw); err != nil || pu.Scheme == "" || pu.Host == "" {
			add(fmt.Errorf("remote.base_url: invalid URL %q", raw))
		}
	}

	if n := c.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			add(errors.New("notifier: numeric fields must be >= 0"))
		}
		if n.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
			add(errors.New("telegram.token is required when notifier.enabled"))
		}
	}

	if c.API.Enabled && strings.TrimSpace(c.API.Addr) != "" && strings.TrimSpace(c.API.Token) == "" && !isLoopback(c.API.Addr) {
		add(errors.New("api.token is required for a non-loopback api.addr"))
	}

	return errors.Join(errs...)
}

type durationField struct{ path, raw string }

func (c *Config) durations() []durationField {
	out := []durationField{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.retry_base", c.Scheduler.RetryBase},
		{"scheduler.retry_max", c.Scheduler.RetryMax},
		{"scheduler.job_timeout", c.Scheduler.JobTimeout},
		{"scheduler.max_idle", c.Scheduler.MaxIdle},
		{"scheduler.template_recheck", c.Scheduler.TemplateRecheck},
		{"scheduler.retention", c.Scheduler.Retention},
		{"scheduler.sweep_interval", c.Scheduler.SweepInterval},
		{"upload.retry_base", c.Upload.RetryBase},
		{"upload.retry_max", c.Upload.RetryMax},
		{"upload.open_timeout", c.Upload.OpenTimeout},
		{"upload.chunk_timeout", c.Upload.ChunkTimeout},
		{"upload.finalize_timeout", c.Upload.FinalizeTimeout},
		{"upload.reserve_timeout", c.Upload.ReserveTimeout},
		{"upload.reels_min_duration", c.Upload.ReelsMinDuration},
		{"upload.reels_max_duration", c.Upload.ReelsMaxDuration},
		{"upload.story_max_duration", c.Upload.StoryMaxDuration},
		{"upload.video_max_duration", c.Upload.VideoMaxDuration},
		{"rate_budget.min_spacing", c.RateBudget.MinSpacing},
		{"credentials.token_ttl", c.Credentials.TokenTTL},
		{"credentials.refresh_timeout", c.Credentials.RefreshTimeout},
		{"remote.timeout", c.Remote.Timeout},
		{"telegram.timeout", c.Telegram.Timeout},
		{"observability.read_timeout", c.Observability.ReadTimeout},
		{"observability.write_timeout", c.Observability.WriteTimeout},
		{"observability.idle_timeout", c.Observability.IdleTimeout},
		{"api.heartbeat", c.API.Heartbeat},
	}
	for i, w := range c.RateBudget.Windows {
		out = append(out, durationField{fmt.Sprintf("rate_budget.windows[%d].size", i), w.Size})
	}
	if n := c.Notifier; n != nil {
		out = append(out,
			durationField{"notifier.retry_base", n.RetryBase},
			durationField{"notifier.retry_max_delay", n.RetryMaxDelay},
			durationField{"notifier.dedup_window", n.DedupWindow},
		)
	}
	return out
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
