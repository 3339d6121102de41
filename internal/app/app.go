package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobcrawler/internal/config"
	"jobcrawler/internal/crawler"
	"jobcrawler/internal/digest"
	"jobcrawler/internal/eventbus"
	"jobcrawler/internal/recurrence"
	rtsup "jobcrawler/internal/runtime/supervisor"
	"jobcrawler/internal/scheduler"
	"jobcrawler/internal/server"
	"jobcrawler/internal/stats"
	"jobcrawler/internal/storage"
	"jobcrawler/internal/task/engine"
	logx "jobcrawler/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine   *engine.Service
	crawler  *crawler.Crawler
	sched    *scheduler.Service
	stats    *stats.Aggregator
	digest   *digest.Controller
	dispatch *digest.Dispatcher
	server   *server.Server

	started time.Time
}

// New loads cfgPath and builds every component without starting any loop.
// One-shot commands use the returned app directly; Start runs the daemon.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	root := a.logs.Logger()
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	crawlCfg, err := mapCrawlerConfig(cfg)
	if err != nil {
		return err
	}
	dispCfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return err
	}
	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return err
	}
	def, err := digestDefault(cfg)
	if err != nil {
		return err
	}
	senders, err := buildSenders(cfg, comp("digest"))
	if err != nil {
		return err
	}

	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return err
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	a.engine = engine.New(engCfg, comp("taskengine"), a.bus)
	a.crawler = crawler.New(crawlCfg, store, comp("crawler"))
	a.sched = scheduler.New(schedCfg, store, a.crawler, a.engine, comp("scheduler"), a.bus)
	a.stats = stats.NewAggregator(store, a.sched, a.sched.Location, cfg.Stats.RecentLimit)

	a.digest = digest.NewController(store, def, comp("digest"))
	a.digest.OnChange(func(t recurrence.TimeOfDay) {
		a.bus.Publish(eventbus.Event{Type: eventbus.DigestTimeModified, Data: t.String()})
	})
	a.dispatch = digest.NewDispatcher(dispCfg, a.digest, store, a.sched,
		digest.NewFanout(comp("digest"), senders...), a.engine, a.sched.Location, comp("digest"), a.bus)

	a.server = server.New(srvCfg, server.Deps{
		Scheduler: a.sched,
		Dashboard: a.stats,
		Digest:    a.digest,
		Health:    a.Health,
	}, comp("http"))
	return nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Stats() *stats.Aggregator { return a.stats }
func (a *App) DigestTime() *digest.Controller { return a.digest }
func (a *App) Dispatcher() *digest.Dispatcher { return a.dispatch }
func (a *App) Server() *server.Server { return a.server }

// Close releases storage and logging for apps that were never started.
func (a *App) Close() error {
	err := a.store.Close()
	if cerr := a.logs.Close(); err == nil {
		err = cerr
	}
	return err
}

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

// Prepare loads jobs and the digest baseline. Start calls it; one-shot
// commands call it on their own.
func (a *App) Prepare(ctx context.Context) error {
	if err := a.sched.Reload(ctx); err != nil {
		return err
	}
	// An unreadable digest time is not fatal: Load falls back to the default.
	t, err := a.digest.Load(ctx)
	if err != nil {
		a.log.Warn("digest time unreadable; using default", logx.String("time", t.String()), logx.Err(err))
	}
	// Seeds the baseline; the stored value is never rewritten.
	if _, err := a.digest.Observe(ctx, t); err != nil {
		return err
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapTaskEngineConfig(cfg)
		return err
	})

	if err := a.Prepare(ctx); err != nil {
		return err
	}

	run := a.sup.Context()
	a.engine.Start(run)
	a.sched.Start(run)
	a.dispatch.Start(run)
	if err := a.server.Start(run); err != nil {
		return err
	}

	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := sdNotify(sdReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.Int("jobs", a.sched.Len()), logx.Time("digest_next", a.dispatch.Next()))
	return nil
}

func (a *App) startEventLog() {
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
				switch e.Type {
				case eventbus.RunPersistFailed, eventbus.TaskFailed:
					a.log.Warn("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				case eventbus.DigestSent, eventbus.DigestTimeModified:
					a.log.Info("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				default:
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})
}

func (a *App) startConfigReload() {
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
				// Coalesce bursts.
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
}

// applyConfig pushes a reloaded config into the live components. Storage,
// server and digest sinks keep their startup settings until restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config change needs restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogging(newCfg))

	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	if cc, err := mapCrawlerConfig(newCfg); err != nil {
		a.log.Warn("invalid crawler config; keeping previous", logx.Err(err))
	} else {
		a.crawler.Apply(cc)
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := oldCfg != nil && oldCfg.Scheduler.Enabled
		a.sched.Apply(sc)
		switch {
		case wasEnabled && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if dc, err := mapDispatcherConfig(newCfg); err != nil {
		a.log.Warn("invalid digest config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := oldCfg != nil && oldCfg.Digest.Enabled
		a.dispatch.Apply(dc)
		switch {
		case wasEnabled && !dc.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.dispatch.Stop(stopCtx)
			cancel()
		case !wasEnabled && dc.Enabled:
			a.dispatch.Start(ctx)
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Health feeds /health.
func (a *App) Health() map[string]any {
	out := map[string]any{
		"jobs":           a.sched.Len(),
		"running":        a.sched.RunningCount(),
		"pending_writes": a.sched.Pending(),
		"timezone":       a.sched.Location().String(),
		"digest_time":    a.digest.Current().String(),
		"digest_pending": a.dispatch.Deferred(),
	}
	if next := a.dispatch.Next(); !next.IsZero() {
		out["digest_next"] = next
	}
	if !a.started.IsZero() {
		out["uptime"] = time.Since(a.started).Round(time.Second).String()
	}
	es := a.engine.Snapshot()
	out["queue"] = map[string]any{"len": es.QueueLen, "cap": es.QueueCap, "in_flight": es.InFlight}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		if _, err := sdNotify(sdStopping); err != nil {
			a.log.Debug("systemd notify failed", logx.Err(err))
		}
		a.sup.Cancel()
	}

	// Bounded step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		var cancel context.CancelFunc = func() {}
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
		}
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("http", 3*time.Second, a.server.Stop)
	step("digest", 2*time.Second, func(c context.Context) error { a.dispatch.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("pending", time.Second, func(context.Context) error {
		if n := a.sched.Pending(); n > 0 {
			return errors.Newf("%d run records never persisted", n)
		}
		return nil
	})
	step("storage.close", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
