package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pubsched/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe structured attrs for
// logging. Secrets (tokens, credentials) are reported only as set/unset or counts.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", s.Workers),
			logx.Int("scheduler.active_limit", s.ActiveLimit),
			logx.Int("scheduler.max_attempts", s.MaxAttempts),
			logx.String("scheduler.retry_base", s.RetryBase),
			logx.String("scheduler.retry_max", s.RetryMax),
			logx.String("scheduler.job_timeout", s.JobTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Upload, newCfg.Upload) {
		changed = append(changed, "upload")
		attrs = append(attrs,
			logx.Int("upload.chunk_size_mb", newCfg.Upload.ChunkSizeMB),
			logx.Int("upload.chunk_retries", newCfg.Upload.ChunkRetries),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateBudget, newCfg.RateBudget) {
		changed = append(changed, "rate_budget")
		attrs = append(attrs,
			logx.Int("rate_budget.windows", len(newCfg.RateBudget.Windows)),
			logx.String("rate_budget.min_spacing", newCfg.RateBudget.MinSpacing),
		)
	}

	if !reflect.DeepEqual(oldCfg.Credentials, newCfg.Credentials) {
		changed = append(changed, "credentials")
		attrs = append(attrs,
			logx.Int("credentials.accounts", len(newCfg.Credentials.Tokens)),
			logx.Bool("credentials.refresh_command_set", len(newCfg.Credentials.RefreshCommand) > 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Remote, newCfg.Remote) {
		changed = append(changed, "remote")
		attrs = append(attrs, logx.String("remote.base_url", strings.TrimSpace(newCfg.Remote.BaseURL)))
	}

	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if (oldCfg.Notifier == nil) != (newCfg.Notifier == nil) || !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.on_success", newN.OnSuccess),
			logx.Bool("notifier.on_failure", newN.OnFailure),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.chats", len(newCfg.Telegram.ChatIDs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Observability, newCfg.Observability) {
		o := newCfg.Observability
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", o.Enabled),
			logx.String("observability.addr", strings.TrimSpace(o.Addr)),
			logx.Bool("observability.metrics", o.Metrics),
			logx.Bool("observability.pprof", o.Pprof),
			logx.Bool("observability.token_set", strings.TrimSpace(o.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "remote", "telegram", "api":
			out = append(out, s)
		}
	}
	return out
}
