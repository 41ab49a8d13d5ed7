package scheduler

import (
	"context"
	"strings"
	"time"

	logx "finrecur/pkg/logx"

	"github.com/robfig/cron/v3"
)

func New(cfg Config, job Job, log logx.Logger) *Trigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Trigger{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		job:     job,
		now:     time.Now,
		baseCtx: context.Background(),
	}
	t.loc = t.loadLocationLocked()
	return t
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (t *Trigger) Enabled() bool {
	t.mu.Lock()
	en := t.cfg.Enabled
	t.mu.Unlock()
	return en
}

// Location is the zone wake times are reported in.
func (t *Trigger) Location() *time.Location {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loc
}

// Apply swaps the config at runtime. A timezone change restarts cron with the
// armed cadence preserved; toggling Enabled starts or stops cron.
func (t *Trigger) Apply(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLocked(cfg)
}

// SetLocation changes only the timezone.
func (t *Trigger) SetLocation(tz string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg := t.cfg
	cfg.Timezone = tz
	t.applyLocked(cfg)
}

func (t *Trigger) applyLocked(cfg Config) {
	oldTZ := strings.TrimSpace(t.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	wasEnabled := t.cfg.Enabled
	t.cfg = cfg

	switch {
	case t.c == nil && cfg.Enabled && !wasEnabled:
		t.startLocked()
	case t.c != nil && !cfg.Enabled:
		t.stopLocked()
		t.log.Info("trigger disabled")
	case t.c != nil && oldTZ != newTZ:
		t.restartLocked()
	case oldTZ != newTZ:
		t.loc = t.loadLocationLocked()
	}
}

// Start starts cron with the current cadence (if armed). Wakes run with a
// context derived from ctx.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx != nil {
		t.baseCtx = ctx
	}
	if t.c != nil {
		return
	}
	if !t.cfg.Enabled {
		t.log.Info("trigger disabled; wakes only via RunNow")
		return
	}
	t.startLocked()
}

func (t *Trigger) startLocked() {
	t.loc = t.loadLocationLocked()
	t.c = cron.New(
		cron.WithLocation(t.loc),
		cron.WithLogger(logx.CronLogger(t.log)),
		cron.WithChain(cron.Recover(logx.CronLogger(t.log))),
	)
	if t.every > 0 {
		t.addEntryLocked()
	}
	t.c.Start()
	t.log.Info("trigger started", logx.String("tz", t.loc.String()), logx.Duration("every", t.every))
}

// Stop stops cron. The armed cadence is kept so a later Start resumes it.
func (t *Trigger) Stop(ctx context.Context) {
	start := time.Now()

	t.mu.Lock()
	c := t.c
	t.c = nil
	t.entryID = 0
	t.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	t.log.Info("trigger stopped", logx.Duration("took", time.Since(start)))
}

func (t *Trigger) stopLocked() {
	if t.c == nil {
		return
	}
	// Not waiting for Done: a running job may be blocked on t.mu in Arm.
	t.c.Stop()
	t.c = nil
	t.entryID = 0
}

func (t *Trigger) restartLocked() {
	t.stopLocked()
	t.startLocked()
	t.log.Info("trigger restarted", logx.String("tz", t.loc.String()))
}

func (t *Trigger) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(t.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		t.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
