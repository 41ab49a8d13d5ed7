package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"finrecur/internal/config"
	"finrecur/internal/eventbus"
	"finrecur/internal/notifier"
	"finrecur/internal/recurrence"
	rtsup "finrecur/internal/runtime/supervisor"
	"finrecur/internal/storage"
	"finrecur/internal/task/scheduler"
	logx "finrecur/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	cal     recurrence.Calendar
	proc    *recurrence.Processor
	ledger  *recurrence.Ledger
	driver  *recurrence.Driver
	trigger *scheduler.Trigger
	notif   *notifier.Service
}

// New loads the config and wires every component. Nothing runs until Start;
// one-shot commands use the accessors and Close.
func New(ctx context.Context, cfgPath string) (*App, error) {
	if err := config.LoadEnv(".env", filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil {
		return nil, err
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if errors.Is(err, storage.ErrDisabled) {
		return nil, errors.New("storage.driver=none: a transaction store is required")
	}
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus, store: store}

	a.trigger = scheduler.New(mapSchedulerConfig(cfg), a.wake, root)
	a.cal = recurrence.NewCalendar(a.trigger.Location())
	opts := recurrence.Options{Calendar: a.cal, Bus: bus, Log: root}
	a.proc = recurrence.NewProcessor(store, opts)
	a.ledger = recurrence.NewLedger(store, opts)

	mc, _ := maxCadence(cfg)
	a.driver = recurrence.NewDriver(a.proc, a.trigger, recurrence.DriverOptions{MaxCadence: mc, Bus: bus, Log: root})

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sinks, err := buildSinks(ncfg, root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.notif = notifier.New(ncfg, root, bus, sinks...)

	log.Debug("app wired",
		logx.String("driver", sc.Driver),
		logx.String("tz", a.cal.Loc.String()),
		logx.Duration("max_cadence", mc),
		logx.Int("sinks", len(sinks)),
	)
	return a, nil
}

func (a *App) Ledger() *recurrence.Ledger       { return a.ledger }
func (a *App) Calendar() recurrence.Calendar    { return a.cal }
func (a *App) Trigger() *scheduler.Trigger      { return a.trigger }
func (a *App) Config() *config.Config           { return a.cfgm.Get() }
func (a *App) Processor() *recurrence.Processor { return a.proc }

// Tick runs one pass now, without the trigger.
func (a *App) Tick(ctx context.Context) (recurrence.PassReport, error) {
	return a.driver.ProcessAllDue(ctx, time.Now().In(a.cal.Loc))
}

// wake is the trigger job.
func (a *App) wake(ctx context.Context, now time.Time) error {
	_, err := a.driver.ProcessAllDue(ctx, now)
	return err
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the daemon: notifier, wake trigger, ledger-change re-arming and
// config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.trigger.Start(runCtx)

	cfg := a.cfgm.Get()
	if cfg.Scheduler.CatchUpOnStartOrDefault() {
		if err := a.trigger.RunNow(runCtx); err != nil {
			a.log.Warn("startup catch-up failed", logx.Err(err))
		}
	} else if _, err := a.driver.Rearm(runCtx); err != nil {
		a.log.Warn("initial arm failed", logx.Err(err))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("ledger.rearm", func(c context.Context) error {
		defer unsub()
		a.followLedger(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Duration("cadence", a.trigger.Cadence()))
	return nil
}

// followLedger re-arms after user edits and runs a pass for creates and edits
// so a new or retimed subscription is picked up without waiting for the
// current cadence.
func (a *App) followLedger(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if e.Type != eventbus.TypeLedgerChanged {
				continue
			}
			if _, err := a.driver.Rearm(ctx); err != nil {
				a.log.Warn("re-arm after ledger change failed", logx.Err(err))
			}
			// A backdated or retimed subscription may already be due.
			if ev, ok := e.Data.(recurrence.LedgerEvent); ok && ev.Op != "delete" {
				a.trigger.Fire()
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
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
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range config.RequiresRestart(sections) {
		a.log.Warn("config section changed; restart required", logx.String("section", s))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		a.log.Warn("scheduler.timezone changed; stored timestamps are read in the old zone until restart",
			logx.String("zone", a.cal.Loc.String()))
	}
	a.trigger.Apply(mapSchedulerConfig(newCfg))
	if mc, err := maxCadence(newCfg); err == nil {
		a.driver.SetMaxCadence(mc)
		if _, err := a.driver.Rearm(ctx); err != nil {
			a.log.Warn("re-arm after reload failed", logx.Err(err))
		}
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.applyNotifier(ctx, oldCfg, newCfg, ncfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, oldCfg, newCfg *config.Config, ncfg notifier.Config) {
	if oldCfg.NotifierOrDefault().Telegram != newCfg.NotifierOrDefault().Telegram {
		sinks, err := buildSinks(ncfg, a.log)
		if err != nil {
			a.log.Warn("notifier sinks not rebuilt", logx.Err(err))
		} else {
			a.notif.SetSinks(sinks...)
		}
	}
	wasEnabled := a.notif.Enabled()
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
}

// Stop shuts the daemon down. Each step gets its own deadline so one slow
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.sup.Cancel()

	a.step(ctx, "trigger", 2*time.Second, func(c context.Context) error { a.trigger.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	st := eventbus.StatsOf(a.bus)
	a.log.Info("stopped",
		logx.Uint64("events", st.Published),
		logx.Uint64("events_dropped", st.Dropped),
		logx.Uint64("wakes", a.trigger.Snapshot().Runs),
	)
	for _, t := range a.sup.Tasks() {
		a.log.Debug("task", logx.String("name", t.Name), logx.Int64("active", t.Active),
			logx.Uint64("restarts", t.Restarts), logx.Uint64("panics", t.Panics))
	}
	return a.Close()
}

// Close releases the store and log sinks. Use it directly after one-shot
// commands that never called Start.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
