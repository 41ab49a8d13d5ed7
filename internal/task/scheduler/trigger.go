package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "finrecur/pkg/logx"

	"github.com/robfig/cron/v3"
)

// minCadence is the smallest period cron.Every honours.
const minCadence = time.Second

// Arm schedules wakes every d. Arming with the cadence already in place is a
// no-op so the next wake time is not pushed back.
func (t *Trigger) Arm(d time.Duration) error {
	if d < minCadence {
		return fmt.Errorf("cadence %s below %s", d, minCadence)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if d == t.every && (t.c == nil || t.entryID != 0) {
		return nil
	}
	prev := t.every
	t.removeEntryLocked()
	t.every = d
	t.armedAt = t.now()
	if t.c != nil {
		t.addEntryLocked()
	}
	t.log.Info("wake armed", logx.Duration("every", d), logx.Duration("prev", prev))
	return nil
}

// Disarm removes the wake entry. RunNow keeps working.
func (t *Trigger) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.every == 0 {
		return
	}
	t.removeEntryLocked()
	t.log.Info("wake disarmed", logx.Duration("prev", t.every))
	t.every = 0
	t.armedAt = time.Time{}
}

// Cadence returns the armed period, zero when disarmed.
func (t *Trigger) Cadence() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.every
}

// RunNow runs the job synchronously. It returns ErrBusy when a run is in
// progress.
func (t *Trigger) RunNow(ctx context.Context) error {
	return t.run(ctx, "manual")
}

// Fire runs the job in the background, as a cron wake would.
func (t *Trigger) Fire() {
	go t.wake()
}

func (t *Trigger) wake() {
	t.mu.Lock()
	ctx := t.baseCtx
	t.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if err := t.run(ctx, "cron"); err != nil && !errors.Is(err, ErrBusy) {
		t.log.Warn("wake failed", logx.Err(err))
	}
}

// run executes the job unless another run is in progress. t.mu is not held
// while the job runs so the job may call Arm/Disarm.
func (t *Trigger) run(ctx context.Context, source string) error {
	if t.job == nil {
		return nil
	}
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		t.log.Debug("wake skipped; previous run still in progress", logx.String("source", source))
		return ErrBusy
	}
	defer t.running.Store(false)

	loc := t.Location()
	start := t.now()
	err := t.job(ctx, start.In(loc))
	took := time.Since(start)

	t.runs.Add(1)
	if err != nil {
		t.failures.Add(1)
	}
	t.lastMu.Lock()
	t.lastRun = start
	t.lastTook = took
	t.lastErr = ""
	if err != nil {
		t.lastErr = err.Error()
	}
	t.lastMu.Unlock()

	t.log.Debug("wake done", logx.String("source", source), logx.Duration("took", took), logx.Err(err))
	return err
}

func (t *Trigger) addEntryLocked() {
	t.entryID = t.c.Schedule(cron.Every(t.every), cron.FuncJob(t.wake))
}

func (t *Trigger) removeEntryLocked() {
	if t.c != nil && t.entryID != 0 {
		t.c.Remove(t.entryID)
	}
	t.entryID = 0
}
