package recurrence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"finrecur/internal/eventbus"
	logx "finrecur/pkg/logx"

	"github.com/google/uuid"
)

// Waker is the periodic wake capability the driver re-arms after each pass.
type Waker interface {
	// Arm schedules wakes every d. Re-arming with the current cadence must not
	// reset the schedule.
	Arm(d time.Duration) error
	Disarm()
}

// Driver runs full passes: select due subscriptions, catch each one up, then
// re-arm the waker at the tightest active cadence.
type Driver struct {
	proc  *Processor
	waker Waker
	bus   eventbus.Bus
	log   logx.Logger

	maxCadence atomic.Int64
	passMu     sync.Mutex
}

type DriverOptions struct {
	// MaxCadence caps the wake period (0 = no cap). Useful so monthly-only
	// setups still wake often enough to notice edits made elsewhere.
	MaxCadence time.Duration
	Bus        eventbus.Bus
	Log        logx.Logger
}

func NewDriver(proc *Processor, waker Waker, opts DriverOptions) *Driver {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Driver{
		proc:  proc,
		waker: waker,
		bus:   opts.Bus,
		log:   log.With(logx.String("comp", "recurrence.driver")),
	}
	d.maxCadence.Store(int64(opts.MaxCadence))
	return d
}

// SetMaxCadence takes effect on the next re-arm.
func (d *Driver) SetMaxCadence(v time.Duration) { d.maxCadence.Store(int64(v)) }

// PassReport summarizes one ProcessAllDue call.
type PassReport struct {
	ID        string
	At        time.Time
	Due       int
	Processed int
	Spawned   int
	Skipped   []InvalidRecord

	// Interval is the tightest active interval after the pass; empty with
	// Armed=false when the waker was disarmed.
	Interval Interval
	Cadence  time.Duration
	Armed    bool
}

// ProcessAllDue is the wake entry point. Failures that concern a single
// subscription are logged and reported in Skipped; the subscription stays due.
// The returned error is non-nil only when the due set could not be read or
// the waker could not be re-armed.
func (d *Driver) ProcessAllDue(ctx context.Context, now time.Time) (PassReport, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	rep := PassReport{ID: uuid.NewString(), At: now}
	log := d.log.With(logx.String("pass_id", rep.ID))
	start := time.Now()

	sel, selErr := d.proc.DueSubscriptions(ctx, now)
	if selErr != nil {
		log.Error("due selection failed", logx.Err(selErr))
	}
	for _, inv := range sel.Invalid {
		log.Warn("skipping undecodable subscription", logx.Int64("subscription_id", inv.ID), logx.Err(inv.Err))
		d.skip(&rep, inv.ID, inv.Err)
	}

	rep.Due = len(sel.Due)
	for _, sub := range sel.Due {
		if err := ctx.Err(); err != nil {
			// The rest stay due and are picked up by the next wake.
			log.Warn("pass interrupted", logx.Err(err))
			break
		}
		out, err := d.proc.processDue(ctx, sub, now, rep.ID)
		if err != nil {
			lvl := log.Error
			if IsRecoverable(err) || errors.Is(err, ErrAlreadyAdvanced) {
				lvl = log.Warn
			}
			lvl("subscription skipped", logx.Int64("subscription_id", sub.ID), logx.Err(err))
			d.skip(&rep, sub.ID, err)
			continue
		}
		rep.Processed++
		rep.Spawned += out.Missed()
	}

	rearmErr := d.rearm(ctx, &rep)
	if rearmErr != nil {
		log.Error("re-arm failed", logx.Err(rearmErr))
	}

	log.Info("pass complete",
		logx.Int("due", rep.Due),
		logx.Int("processed", rep.Processed),
		logx.Int("spawned", rep.Spawned),
		logx.Int("skipped", len(rep.Skipped)),
		logx.Duration("cadence", rep.Cadence),
		logx.Duration("took", time.Since(start)),
	)
	return rep, errors.Join(selErr, rearmErr)
}

// Rearm recomputes the wake cadence without running a pass. Used after user
// edits that add, retime or remove subscriptions.
func (d *Driver) Rearm(ctx context.Context) (PassReport, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()
	rep := PassReport{At: time.Now()}
	return rep, d.rearm(ctx, &rep)
}

func (d *Driver) rearm(ctx context.Context, rep *PassReport) error {
	iv, ok, err := d.proc.ShortestActiveInterval(ctx)
	if err != nil {
		return err
	}
	if !ok {
		if d.waker != nil {
			d.waker.Disarm()
		}
		d.publish(eventbus.TypeWakeRearmed, time.Duration(0))
		return nil
	}
	cadence, err := iv.Cadence(time.Duration(d.maxCadence.Load()))
	if err != nil {
		return err
	}
	rep.Interval = iv
	rep.Cadence = cadence
	if d.waker != nil {
		if err := d.waker.Arm(cadence); err != nil {
			return err
		}
	}
	rep.Armed = true
	d.publish(eventbus.TypeWakeRearmed, cadence)
	return nil
}

func (d *Driver) skip(rep *PassReport, id int64, err error) {
	rep.Skipped = append(rep.Skipped, InvalidRecord{ID: id, Err: err})
	d.publish(eventbus.TypeRecurrenceSkipped, SkipEvent{PassID: rep.ID, SubscriptionID: id, Reason: err.Error()})
}

func (d *Driver) publish(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
