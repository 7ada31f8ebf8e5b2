package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pubsched/internal/api"
	"pubsched/internal/config"
	"pubsched/internal/credentials"
	"pubsched/internal/eventbus"
	"pubsched/internal/notifier"
	"pubsched/internal/observability"
	"pubsched/internal/ratebudget"
	"pubsched/internal/remote"
	rtsup "pubsched/internal/runtime/supervisor"
	"pubsched/internal/schedule"
	"pubsched/internal/storage"
	"pubsched/internal/task/engine"
	"pubsched/internal/task/scheduler"
	kit "pubsched/internal/transport"
	"pubsched/internal/transport/telegram"
	"pubsched/internal/upload"
	logx "pubsched/pkg/logx"
)

var errNoTelegram = errors.New("telegram token not configured")

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	creds    *credentials.Provider
	budget   *ratebudget.Tracker
	uploader *upload.Coordinator
	engine   *engine.Service
	sched    *scheduler.Service
	notif    *notifier.Service
	metrics  *observability.Metrics
	obs      *observability.Server
	api      *api.Server

	// hasSender is false when telegram.token was empty at startup.
	hasSender bool
}

// NewApp loads cfgPath and builds every component. Nothing is started.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	cfgm.SetBus(bus)

	store, err := storage.Open(mapStorage(cfg), log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", mapStorage(cfg).Driver))

	metrics := observability.NewMetrics()

	rc, err := remote.New(mapRemote(cfg), log)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	rc.OnRequest = metrics.ObserveRemote

	creds := credentials.New(mapCredentials(cfg), log)
	budget := ratebudget.New(mapRateBudget(cfg))
	uploader := upload.New(mapUpload(cfg), upload.Deps{
		Endpoint:    rc,
		Store:       store,
		Credentials: creds,
		Budget:      budget,
		Prober:      mapProber(cfg),
		Bus:         bus,
	}, log)

	engineSvc := engine.New(mapEngine(cfg), log, bus)
	schedSvc := scheduler.New(mapScheduler(cfg), scheduler.Deps{
		Store:    store,
		Executor: uploader,
		Pool:     engineSvc,
		Expander: schedule.NewExpander(time.Now().UnixNano()),
	}, log, bus)

	var sender kit.Sender
	hasSender := strings.TrimSpace(cfg.Telegram.Token) != ""
	if hasSender {
		tg, err := telegram.New(mapTelegram(cfg), log)
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, err
		}
		sender = tg
	} else {
		sender = kit.SenderFunc(func(context.Context, kit.ChatTarget, string, *kit.SendOptions) (kit.MessageRef, error) {
			return kit.MessageRef{}, errNoTelegram
		})
	}
	notifSvc := notifier.New(mapNotifier(cfg), sender, log, bus, store)

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		creds:     creds,
		budget:    budget,
		uploader:  uploader,
		engine:    engineSvc,
		sched:     schedSvc,
		notif:     notifSvc,
		metrics:   metrics,
		obs:       observability.NewServer(mapObservability(cfg), metrics, log),
		api:       api.New(mapAPI(cfg), schedSvc, log),
		hasSender: hasSender,
	}, nil
}

// Scheduler exposes the job scheduler, mainly for tests.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// APIAddr is the bound control API address, or "" when the API is disabled.
func (a *App) APIAddr() string { return a.api.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		n := cfg.Notifier
		if n != nil && n.Enabled && !a.hasSender {
			return fmt.Errorf("notifier.enabled: %w (restart required)", errNoTelegram)
		}
		return nil
	})

	cfg := a.cfgm.Get()

	a.creds.Start()
	a.engine.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if cfg.Scheduler.Paused {
		a.sched.Pause()
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	if err := a.metrics.RegisterScheduler(a.sched.Snapshot); err != nil {
		return err
	}
	if err := a.metrics.RegisterBus(a.bus); err != nil {
		return err
	}
	a.sup.Go0("metrics.watch", func(c context.Context) { a.metrics.Watch(c, a.bus) })
	a.obs.Start(a.sup.Context())

	if cfg.API.Enabled {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// job.progress is frequent; keep it at debug.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("workers", a.engine.Snapshot().Workers),
		logx.Bool("paused", a.sched.Paused()),
		logx.String("api", a.api.Addr()),
	)
	return nil
}

// applyConfig pushes a reloaded config into every hot-reloadable component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if cold := config.RestartRequired(sections); len(cold) > 0 {
		a.log.Warn("config changes require a restart to take effect", logx.String("sections", strings.Join(cold, ",")))
	}
	if prev.Scheduler.Workers != next.Scheduler.Workers {
		a.log.Warn("scheduler.workers changed; restart required", logx.Int("running", a.engine.Snapshot().Workers))
	}

	a.logs.Apply(mapLogging(next))
	a.engine.Apply(mapEngine(next))
	a.sched.Apply(mapScheduler(next))
	if prev.Scheduler.Paused != next.Scheduler.Paused {
		if next.Scheduler.Paused {
			a.sched.Pause()
		} else {
			a.sched.Resume()
		}
	}
	a.uploader.Apply(mapUpload(next))
	a.budget.Apply(mapRateBudget(next))
	a.creds.Apply(mapCredentials(next))

	wasEnabled := a.notif.Enabled()
	ncfg := mapNotifier(next)
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	a.obs.Reconfigure(ctx, mapObservability(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStore()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop the API before canceling so in-flight requests see a live scheduler.
	a.step(ctx, "api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })

	a.sup.Cancel()

	// Executions run their current remote call to completion and checkpoint before exiting.
	drain := a.drainLimit()
	drained := a.step(ctx, "scheduler", drain, a.sched.Stop) == nil
	a.step(ctx, "engine", drain, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "observability", 1*time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	a.step(ctx, "credentials", 1*time.Second, func(context.Context) error { a.creds.Stop(); return nil })
	if drained {
		a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.closeStore() })
	} else {
		// A late checkpoint still needs the store; the process exit releases it.
		a.log.Warn("executions still running; storage left open")
	}

	// Finally, wait for supervised goroutines (config watch/reload, metrics, event log).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// drainMargin covers the outcome bookkeeping after the last remote call returns.
const drainMargin = 10 * time.Second

// drainLimit bounds how long shutdown waits for running executions.
func (a *App) drainLimit() time.Duration {
	return a.uploader.CallTimeout() + drainMargin
}

// ShutdownBudget is the time a graceful Stop may need when executions are in flight.
func (a *App) ShutdownBudget() time.Duration {
	return a.drainLimit() + 10*time.Second
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, time.Millisecond)
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log the leak.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
		return stepCtx.Err()
	}
}
