package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"memorable/internal/config"
	"memorable/internal/delivery"
	"memorable/internal/eventbus"
	"memorable/internal/notifier"
	"memorable/internal/observability/debug"
	"memorable/internal/occasion"
	rtsup "memorable/internal/runtime/supervisor"
	"memorable/internal/storage"
	"memorable/internal/task/engine"
	"memorable/internal/task/scheduler"
	logx "memorable/pkg/logx"
	"memorable/pkg/systemd"
)

const (
	jobReconcile = "reconcile"
	jobStatus    = "status"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock delivery.Clock

	engine *engine.Service
	notif  *notifier.Service
	exec   *delivery.Executor
	sched  *delivery.Scheduler
	life   *delivery.Lifecycle
	house  *scheduler.Service
	occ    *occasion.Service
	debug  *debug.Service
}

// Status is the document served at the debug endpoint's /status.
type Status struct {
	Scheduler    delivery.Snapshot      `json:"scheduler"`
	Engine       engine.Snapshot        `json:"engine"`
	Housekeeping scheduler.Snapshot     `json:"housekeeping"`
	Supervisor   *rtsup.Snapshot        `json:"supervisor,omitempty"`
	Deliveries   []notifier.HistoryItem `json:"deliveries"`
}

type options struct {
	clock    delivery.Clock
	notifier delivery.Notifier
	store    storage.Store
}

type Option func(*options)

// WithClock replaces the wall clock (tests drive time with a FakeClock).
func WithClock(c delivery.Clock) Option { return func(o *options) { o.clock = c } }

// WithNotifier sends deliveries through n instead of the configured channels.
func WithNotifier(n delivery.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithStore uses an already opened store instead of storage.Open.
func WithStore(s storage.Store) Option { return func(o *options) { o.store = s } }

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = delivery.SystemClock{}
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()

	store := o.store
	if store == nil {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		if store, err = storage.Open(sc, log); err != nil {
			return nil, err
		}
		log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	engCfg, _ := mapEngineConfig(cfg)
	eng := engine.New(engCfg, log.Component("engine"), bus)

	ncfg, _ := mapNotifierConfig(cfg)
	notif, err := notifier.New(ncfg, log, bus)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var sender delivery.Notifier = notif
	if o.notifier != nil {
		sender = o.notifier
	}

	rec := delivery.NewRecorder(store, log, bus)
	exec := delivery.NewExecutor(o.clock, sender, rec, eng, log)
	sched := delivery.NewScheduler(o.clock, exec, log, bus)
	lcfg, _ := mapLifecycleConfig(cfg)
	life := delivery.NewLifecycle(lcfg, sched, store, o.clock, log)
	house := scheduler.New(mapHousekeepingConfig(cfg), eng, log, bus)

	cfgm.SetLogger(log)
	cfgm.SetValidator(validateConfig)

	a := &App{
		cfgm:   cfgm,
		log:    log.Component("app"),
		logs:   logSvc,
		bus:    bus,
		store:  store,
		clock:  o.clock,
		engine: eng,
		notif:  notif,
		exec:   exec,
		sched:  sched,
		life:   life,
		house:  house,
		occ:    occasion.New(store, store, life, log),
	}
	a.debug = debug.New(mapDebugConfig(cfg), func() any { return a.Status() }, log)
	return a, nil
}

func (a *App) Occasions() *occasion.Service     { return a.occ }
func (a *App) Scheduler() *delivery.Scheduler   { return a.sched }
func (a *App) Lifecycle() *delivery.Lifecycle   { return a.life }
func (a *App) Housekeeping() *scheduler.Service { return a.house }
func (a *App) Bus() eventbus.Bus                { return a.bus }
func (a *App) Config() *config.Config           { return a.cfgm.Get() }
func (a *App) Debug() *debug.Service            { return a.debug }

func (a *App) Status() Status {
	st := Status{
		Scheduler:    a.sched.Snapshot(),
		Engine:       a.engine.Snapshot(),
		Housekeeping: a.house.Snapshot(),
		Deliveries:   a.notif.History(),
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
	}
	return st
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

// Start rebuilds the job set from storage, then starts dispatching,
// housekeeping and config hot reload, and finally reports readiness.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.engine.Start(runCtx)

	// Cold start: load jobs while the loop is stopped so overdue ones are
	// judged against the grace window on the first wake.
	rep, err := a.life.Reconcile(runCtx)
	if err != nil {
		return err
	}
	a.log.Info("jobs rebuilt", logx.Int("occasions", rep.Occasions), logx.Int("added", rep.Added), logx.Int("handled", rep.Handled))
	a.sched.Start(runCtx)

	if err := a.registerHousekeeping(a.cfgm.Get()); err != nil {
		return err
	}
	a.house.Start(runCtx)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e := <-events:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
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
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.debug.Start(runCtx)
	a.sup.Go("systemd.watchdog", func(c context.Context) error { return systemd.Watchdog(c, a.log) })

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.Int("pending", len(a.sched.PendingJobs())))
	return nil
}

func (a *App) registerHousekeeping(cfg *config.Config) error {
	if _, err := a.house.AddSchedule(jobReconcile, cfg.Scheduler.ReconcileSpec(), 5*time.Minute, a.reconcile); err != nil {
		return err
	}
	_, err := a.house.AddSchedule(jobStatus, cfg.Scheduler.StatusSpec(), 30*time.Second, a.status)
	return err
}

func (a *App) reconcile(ctx context.Context) error {
	rep, err := a.life.Reconcile(ctx)
	if err != nil {
		return err
	}
	if rep.Added+rep.Replaced+rep.Removed > 0 || rep.Errors > 0 {
		a.log.Info("reconcile repaired jobs",
			logx.Int("added", rep.Added),
			logx.Int("replaced", rep.Replaced),
			logx.Int("removed", rep.Removed),
			logx.Int("errors", rep.Errors))
	}
	return nil
}

func (a *App) status(context.Context) error {
	s := a.sched.Snapshot()
	es := a.engine.Snapshot()
	fields := []logx.Field{
		logx.String("state", s.State),
		logx.Int("pending", s.Pending),
		logx.Int("in_flight", s.InFlight),
		logx.Uint64("delivered", s.Delivered),
		logx.Uint64("failed", s.Failed),
		logx.Uint64("missed", s.Missed),
		logx.Int("queue", es.QueueLen),
	}
	if !s.NextWake.IsZero() {
		fields = append(fields, logx.Time("next_wake", s.NextWake))
	}
	a.log.Info("scheduler status", fields...)
	_, _ = systemd.Status(fmt.Sprintf("%d pending, %d delivered, %d failed, %d missed", s.Pending, s.Delivered, s.Failed, s.Missed))
	return nil
}

// applyConfig pushes a reloaded config into every live component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))
	if ec, err := mapEngineConfig(next); err == nil {
		a.engine.Apply(ctx, ec)
	}
	if nc, err := mapNotifierConfig(next); err == nil {
		if err := a.notif.Apply(nc); err != nil {
			a.log.Warn("notifier config rejected; keeping previous channels", logx.Err(err))
		}
	}
	if lc, err := mapLifecycleConfig(next); err == nil {
		a.life.Apply(lc)
	}
	a.house.Apply(ctx, mapHousekeepingConfig(next))
	a.debug.Apply(ctx, mapDebugConfig(next))
	if prev == nil || prev.Scheduler.ReconcileSpec() != next.Scheduler.ReconcileSpec() || prev.Scheduler.StatusSpec() != next.Scheduler.StatusSpec() {
		if err := a.registerHousekeeping(next); err != nil {
			a.log.Warn("housekeeping schedule rejected", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

// Stop shuts down in dependency order: triggers first, then the dispatch
// loop, the pool (draining accepted deliveries) and storage last.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	a.sup.Cancel()

	// step bounds one shutdown stage without extending the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(c); err != nil {
			a.log.Warn("stop step failed", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("housekeeping", 2*time.Second, func(c context.Context) error { a.house.Stop(c); return nil })
	step("scheduler", 3*time.Second, a.sched.Stop)
	step("engine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("overflow", 2*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() { a.exec.WaitOverflow(); close(done) }()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
