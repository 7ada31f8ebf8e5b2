package app

import (
	"strings"
	"time"

	"pubsched/internal/api"
	"pubsched/internal/config"
	"pubsched/internal/credentials"
	"pubsched/internal/notifier"
	"pubsched/internal/observability"
	"pubsched/internal/ratebudget"
	"pubsched/internal/remote"
	"pubsched/internal/storage"
	"pubsched/internal/task/engine"
	"pubsched/internal/task/scheduler"
	kit "pubsched/internal/transport"
	"pubsched/internal/transport/telegram"
	"pubsched/internal/upload"
	logx "pubsched/pkg/logx"
)

// The map* helpers turn validated config sections into component configs. Omitted values are
// left zero so each component applies its own defaults.

func dur(path, raw string) time.Duration {
	// Durations were checked by config.Validate.
	d, _ := config.ParseDuration(path, raw)
	return d
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:         strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout:  dur("storage.busy_timeout", cfg.Storage.BusyTimeout),
		CompactEvery: cfg.Storage.CompactEvery,
	}
}

func mapEngine(cfg *config.Config) engine.Config {
	workers := cfg.Scheduler.Workers
	if workers <= 0 {
		workers = 2
	}
	return engine.Config{
		Workers:     workers,
		ActiveLimit: cfg.Scheduler.ActiveLimit,
		HistorySize: cfg.Scheduler.HistorySize,
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	return scheduler.Config{
		MaxAttempts:     s.MaxAttempts,
		RetryBase:       dur("scheduler.retry_base", s.RetryBase),
		RetryMax:        dur("scheduler.retry_max", s.RetryMax),
		JobTimeout:      dur("scheduler.job_timeout", s.JobTimeout),
		MaxIdle:         dur("scheduler.max_idle", s.MaxIdle),
		TemplateRecheck: dur("scheduler.template_recheck", s.TemplateRecheck),
		RetentionPeriod: dur("scheduler.retention", s.Retention),
		SweepInterval:   dur("scheduler.sweep_interval", s.SweepInterval),
	}
}

func mapUpload(cfg *config.Config) upload.Config {
	u := cfg.Upload
	return upload.Config{
		ChunkSize:       int64(u.ChunkSizeMB) << 20,
		ChunkRetries:    u.ChunkRetries,
		RetryBase:       dur("upload.retry_base", u.RetryBase),
		RetryMax:        dur("upload.retry_max", u.RetryMax),
		OpenTimeout:     dur("upload.open_timeout", u.OpenTimeout),
		ChunkTimeout:    dur("upload.chunk_timeout", u.ChunkTimeout),
		FinalizeTimeout: dur("upload.finalize_timeout", u.FinalizeTimeout),
		ReserveTimeout:  dur("upload.reserve_timeout", u.ReserveTimeout),
		Limits: upload.Limits{
			ReelsMaxBytes:    int64(u.ReelsMaxMB) << 20,
			ReelsMinDuration: dur("upload.reels_min_duration", u.ReelsMinDuration),
			ReelsMaxDuration: dur("upload.reels_max_duration", u.ReelsMaxDuration),
			StoryMaxDuration: dur("upload.story_max_duration", u.StoryMaxDuration),
			VideoMaxDuration: dur("upload.video_max_duration", u.VideoMaxDuration),
		},
		Watermark: upload.Watermark{
			Image:    u.Watermark.Image,
			Position: u.Watermark.Position,
			Opacity:  u.Watermark.Opacity,
			Scale:    u.Watermark.Scale,
			Dir:      u.Watermark.Dir,
			FFmpeg:   u.Watermark.FFmpeg,
		},
	}
}

// mapProber returns nil when probing is switched off.
func mapProber(cfg *config.Config) upload.Prober {
	bin := strings.TrimSpace(cfg.Upload.FFProbe)
	if strings.EqualFold(bin, "off") {
		return nil
	}
	return upload.FFProbe{Bin: bin}
}

func mapRateBudget(cfg *config.Config) ratebudget.Config {
	out := ratebudget.Config{MinSpacing: dur("rate_budget.min_spacing", cfg.RateBudget.MinSpacing)}
	for _, w := range cfg.RateBudget.Windows {
		out.Windows = append(out.Windows, ratebudget.Window{Size: dur("rate_budget.windows.size", w.Size), Limit: w.Limit})
	}
	return out
}

func mapCredentials(cfg *config.Config) credentials.Config {
	c := cfg.Credentials
	return credentials.Config{
		Tokens:         c.Tokens,
		TokenTTL:       dur("credentials.token_ttl", c.TokenTTL),
		RefreshCommand: c.RefreshCommand,
		RefreshTimeout: dur("credentials.refresh_timeout", c.RefreshTimeout),
	}
}

func mapRemote(cfg *config.Config) remote.Config {
	return remote.Config{
		BaseURL:   cfg.Remote.BaseURL,
		Timeout:   dur("remote.timeout", cfg.Remote.Timeout),
		UserAgent: cfg.Remote.UserAgent,
	}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:   cfg.Telegram.Token,
		APIURL:  cfg.Telegram.APIURL,
		Timeout: dur("telegram.timeout", cfg.Telegram.Timeout),
	}
}

// mapNotifier returns a disabled config when the section is omitted.
func mapNotifier(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}
	}
	targets := make([]kit.ChatTarget, 0, len(cfg.Telegram.ChatIDs))
	for _, id := range cfg.Telegram.ChatIDs {
		targets = append(targets, kit.ChatTarget{ChatID: id, ThreadID: cfg.Telegram.ThreadID})
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       dur("notifier.retry_base", n.RetryBase),
		RetryMaxDelay:   dur("notifier.retry_max_delay", n.RetryMaxDelay),
		DedupWindow:     dur("notifier.dedup_window", n.DedupWindow),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		Targets:         targets,
		OnSuccess:       n.OnSuccess,
		OnFailure:       n.OnFailure,
		OnRetry:         n.OnRetry,
	}
}

func mapObservability(cfg *config.Config) observability.Config {
	o := cfg.Observability
	return observability.Config{
		Enabled:              o.Enabled,
		Addr:                 o.Addr,
		Token:                o.Token,
		AllowInsecure:        o.AllowInsecure,
		Metrics:              o.Metrics,
		Pprof:                o.Pprof,
		PprofPrefix:          o.PprofPrefix,
		ReadTimeout:          dur("observability.read_timeout", o.ReadTimeout),
		WriteTimeout:         dur("observability.write_timeout", o.WriteTimeout),
		IdleTimeout:          dur("observability.idle_timeout", o.IdleTimeout),
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
		MemProfileRate:       o.MemProfileRate,
	}
}

func mapAPI(cfg *config.Config) api.Config {
	return api.Config{
		Enabled:   cfg.API.Enabled,
		Addr:      cfg.API.Addr,
		Token:     cfg.API.Token,
		Heartbeat: dur("api.heartbeat", cfg.API.Heartbeat),
	}
}
