package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"jobrunner/internal/admin"
	"jobrunner/internal/config"
	"jobrunner/internal/eventbus"
	"jobrunner/internal/executors"
	"jobrunner/internal/job"
	"jobrunner/internal/lifecycle"
	"jobrunner/internal/metrics"
	"jobrunner/internal/runtime/supervisor"
	"jobrunner/internal/storage"
	"jobrunner/internal/task/engine"
	"jobrunner/internal/task/scheduler"
	logx "jobrunner/pkg/logx"
)

// App wires the job runner daemon: store, runner, schedules, lifecycle
// signals, metrics and the admin server.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	runner  *engine.Runner
	sched   *scheduler.Service
	gc      *executors.GarbageCollection
	metrics *metrics.Metrics
	promReg *prometheus.Registry
	admin   *admin.Service

	redis  *redis.Client
	lease  *lifecycle.RedisLease
	notify lifecycle.Notifier
}

// Register adds an executor for v. Call it before Start; schedules for v
// are checked against the registry at Start.
func (a *App) Register(v job.Variant, e engine.Executor) {
	a.runner.Registry().Register(v, e)
}

func (a *App) Runner() *engine.Runner { return a.runner }

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		notify:  lifecycle.Notifier{Enabled: cfg.Lifecycle.SystemdNotify, Log: log.With(logx.String("comp", "systemd"))},
	}
	if err := a.build(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	opts, err := mapEngineOptions(cfg)
	if err != nil {
		return err
	}
	opts.Bus = a.bus
	opts.Log = a.log.With(logx.String("comp", "engine"))

	ps, err := mapPrimaryConfig(cfg)
	if err != nil {
		return err
	}
	switch ps.mode {
	case primaryRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     ps.addr,
			Password: ps.password,
			DB:       ps.db,
		})
		a.lease = lifecycle.NewRedisLease(a.redis, ps.key, ps.ttl, a.log)
		opts.Primary = a.lease
	default:
		opts.Primary = lifecycle.Static(true)
	}

	registry := engine.NewRegistry()
	runner, err := engine.New(a.store, registry, opts)
	if err != nil {
		return err
	}
	a.runner = runner

	// Built-in executors. Register() may replace them before Start.
	a.gc = &executors.GarbageCollection{
		Store:    a.store,
		Registry: registry,
		Forget:   runner.RemovePendingJob,
		Log:      a.log.With(logx.String("comp", "gc")),
	}
	registry.Register(job.GarbageCollection, a.gc)
	registry.Register(job.Generic, executors.LogOnly{Log: a.log.With(logx.String("comp", "generic"))})

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, runner, a.store,
		a.log.With(logx.String("comp", "scheduler")))

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.promReg, runner.Snapshot, a.bus.Dropped)

	ac, err := mapAdminConfig(cfg)
	if err != nil {
		return err
	}
	a.admin = admin.New(ac, admin.Sources{
		Gatherer:   a.promReg,
		Queues:     func() any { return runner.Snapshot() },
		Schedules:  func() any { return a.sched.Snapshot() },
		Supervisor: a.supervisorSnapshot,
	}, admin.Actions{
		BecameActive:      a.becameActive,
		EnteredBackground: a.enteredBackground,
	}, a.log)
	return nil
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

func (a *App) supervisorSnapshot() supervisor.SupervisorSnapshot {
	if a.sup == nil {
		return supervisor.SupervisorSnapshot{}
	}
	return a.sup.Snapshot()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	cfg := a.cfgm.Get()
	defs, err := mapSchedules(cfg)
	if err != nil {
		return err
	}
	if !hasSchedule(defs, job.GarbageCollection) {
		defs = append(defs, scheduler.Def{Variant: job.GarbageCollection, Spec: defaultGCSchedule})
	}
	for _, d := range defs {
		if err := a.sched.Add(d); err != nil {
			return fmt.Errorf("schedule %s: %w", d.Variant, err)
		}
	}

	runCtx := a.sup.Context()
	if err := a.runner.Run(runCtx); err != nil {
		return err
	}

	seedCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
	defer cancel()
	if _, err := a.sched.Seed(seedCtx); err != nil {
		return fmt.Errorf("seed schedules: %w", err)
	}
	if err := a.ensureActiveGC(seedCtx); err != nil {
		return err
	}

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.startEventLog()

	// Cold launch, then the foreground transition of a freshly started process.
	// Without the lease yet, queues are filled but stay idle.
	if err := a.runner.AppDidFinishLaunching(runCtx); err != nil {
		return err
	}
	if err := a.runner.AppDidBecomeActive(runCtx); err != nil {
		return err
	}

	if a.lease != nil {
		a.lease.OnChange(a.onPrimaryChange)
		a.sup.Go("lease", a.lease.Run)
	}

	a.sup.Go0("lifecycle.signals", func(c context.Context) {
		for t := range lifecycle.Transitions(c) {
			a.log.Info("lifecycle transition", logx.String("transition", t.String()))
			var err error
			switch t {
			case lifecycle.BecameActive:
				err = a.becameActive(c)
			case lifecycle.EnteredBackground:
				err = a.enteredBackground(c)
			}
			if err != nil && c.Err() == nil {
				a.log.Warn("lifecycle transition failed", logx.String("transition", t.String()), logx.Err(err))
			}
		}
	})

	a.admin.Start(runCtx)
	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.notify.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Err(err))
		}
	})
	a.notify.Ready()
	a.notify.Status("running")

	a.log.Info("app started", logx.String("session", a.runner.Session()), logx.String("config", a.cfgPath))
	return nil
}

const defaultGCSchedule = "daily:03:00"

func hasSchedule(defs []scheduler.Def, v job.Variant) bool {
	for _, d := range defs {
		if d.Variant == v {
			return true
		}
	}
	return false
}

// ensureActiveGC keeps one throttled collection job that runs when the
// process becomes active, alongside the scheduled one.
func (a *App) ensureActiveGC(ctx context.Context) error {
	return a.store.Write(ctx, func(tx storage.Tx) error {
		jobs, err := tx.JobsByBehaviour(job.RecurringOnActive)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.Variant == job.GarbageCollection {
				return nil
			}
		}
		_, err = a.runner.Add(tx, job.Job{
			Variant:                      job.GarbageCollection,
			Behaviour:                    job.RecurringOnActive,
			ShouldSkipLaunchBecomeActive: true,
		}, false)
		return err
	})
}

func (a *App) becameActive(ctx context.Context) error {
	return a.runner.AppDidBecomeActive(ctx)
}

func (a *App) enteredBackground(ctx context.Context) error {
	return a.runner.StopAndClearPendingJobs(ctx)
}

func (a *App) onPrimaryChange(primary bool) {
	ctx := a.sup.Context()
	if primary {
		a.log.Info("became primary; starting queues")
		a.notify.Status("primary")
		if err := a.runner.AppDidBecomeActive(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("start after gaining primary failed", logx.Err(err))
		}
		return
	}
	a.log.Warn("lost primary; stopping queues")
	a.notify.Status("standby")
	if err := a.runner.StopAndClearPendingJobs(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("stop after losing primary failed", logx.Err(err))
	}
}

// startEventLog logs bus events at debug for troubleshooting.
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
				fields := []logx.Field{logx.String("type", e.Type)}
				if je, ok := e.Data.(engine.JobEvent); ok {
					fields = append(fields,
						logx.Int64("job_id", je.ID),
						logx.String("variant", je.Variant),
						logx.String("queue", je.Queue),
					)
				}
				a.log.Debug("event", fields...)
			}
		}
	})
}

// startConfigReload applies hot-reloadable sections and warns about the rest.
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
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	a.notify.Reloading()
	defer a.notify.Ready()

	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Err(err),
					logx.Duration("took", time.Since(start)),
				)
			}()
		}
	}

	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("runner", 5*time.Second, a.runner.Close)
	// The lease loop releases the key once the supervisor context is cancelled.
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("redis", time.Second, func(context.Context) error {
		if a.redis != nil {
			return a.redis.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
