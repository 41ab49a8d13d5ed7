package recurrence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finrecur/internal/eventbus"
	"finrecur/internal/storage"
	logx "finrecur/pkg/logx"
)

// Processor selects due subscriptions and materializes their missed
// occurrences. It holds no scheduling state of its own: every pass recomputes
// from the persisted next_due.
type Processor struct {
	store storage.Store
	cal   Calendar
	bus   eventbus.Bus
	log   logx.Logger
}

type Options struct {
	Calendar Calendar
	Bus      eventbus.Bus
	Log      logx.Logger
}

func NewProcessor(store storage.Store, opts Options) *Processor {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{
		store: store,
		cal:   opts.Calendar,
		bus:   opts.Bus,
		log:   log.With(logx.String("comp", "recurrence")),
	}
}

func (p *Processor) Calendar() Calendar { return p.cal }

// InvalidRecord is a recurring row whose stored state could not be decoded.
type InvalidRecord struct {
	ID  int64
	Err error
}

// Selection is the result of DueSubscriptions.
type Selection struct {
	Due     []Subscription
	Invalid []InvalidRecord
}

// DueSubscriptions returns every subscription with next_due <= now.
//
// Comparison happens on parsed times. Rows that cannot be decoded are returned
// in Invalid instead of failing the whole selection.
func (p *Processor) DueSubscriptions(ctx context.Context, now time.Time) (Selection, error) {
	rows, err := p.store.ListRecurring(ctx)
	if err != nil {
		return Selection{}, storeErr("list recurring", err)
	}
	var sel Selection
	for _, r := range rows {
		t, err := Decode(p.cal, r)
		if err != nil {
			sel.Invalid = append(sel.Invalid, InvalidRecord{ID: r.ID, Err: err})
			continue
		}
		sub, ok := t.(Subscription)
		if !ok {
			continue
		}
		if !sub.NextDue.After(now) {
			sel.Due = append(sel.Due, sub)
		}
	}
	return sel, nil
}

// Outcome describes one catch-up pass over a single subscription.
type Outcome struct {
	Subscription Subscription
	Children     []Child
}

// Missed is the number of occurrences materialized.
func (o Outcome) Missed() int { return len(o.Children) }

// ProcessDue materializes every occurrence of sub at or before now and
// advances next_due past now, all in one store transaction.
//
// It is a no-op when sub is not due. When another pass already advanced the
// subscription, nothing is written and the error wraps ErrAlreadyAdvanced.
func (p *Processor) ProcessDue(ctx context.Context, sub Subscription, now time.Time) (Outcome, error) {
	return p.processDue(ctx, sub, now, "")
}

func (p *Processor) processDue(ctx context.Context, sub Subscription, now time.Time, passID string) (Outcome, error) {
	if now.Before(sub.NextDue) {
		return Outcome{Subscription: sub}, nil
	}
	if !sub.Interval.Valid() {
		return Outcome{Subscription: sub}, &UnsupportedIntervalError{Value: string(sub.Interval)}
	}

	children, next, err := p.catchUp(sub, now)
	if err != nil {
		return Outcome{Subscription: sub}, err
	}

	prev := sub.storedDue
	if prev == "" {
		prev = p.cal.Format(sub.NextDue)
	}
	records := make([]storage.Record, 0, len(children))
	for _, c := range children {
		records = append(records, Encode(p.cal, c))
	}
	ids, err := p.store.CommitCatchUp(ctx, storage.CatchUp{
		SubscriptionID: sub.ID,
		PrevNextDue:    prev,
		NextDue:        p.cal.Format(next),
		Children:       records,
	})
	if errors.Is(err, storage.ErrConflict) {
		return Outcome{Subscription: sub}, fmt.Errorf("subscription %d: %w", sub.ID, ErrAlreadyAdvanced)
	}
	if err != nil {
		return Outcome{Subscription: sub}, storeErr("commit catch-up", err)
	}
	for i := range children {
		if i < len(ids) {
			children[i].ID = ids[i]
		}
	}

	updated := sub
	updated.NextDue = next
	updated.storedDue = p.cal.Format(next)

	p.log.Info("subscription caught up",
		logx.String("pass_id", passID),
		logx.Int64("subscription_id", sub.ID),
		logx.String("interval", sub.Interval.String()),
		logx.Int("spawned", len(children)),
		logx.String("next_due", updated.storedDue),
	)
	p.publish(eventbus.TypeRecurrenceChanged, ChangeEvent{
		PassID:         passID,
		SubscriptionID: sub.ID,
		Category:       sub.Category,
		Interval:       sub.Interval,
		Spawned:        len(children),
		ChildIDs:       ids,
		NextDue:        next,
	})
	return Outcome{Subscription: updated, Children: children}, nil
}

// catchUp walks the calendar from next_due and returns one child per
// occurrence at or before now, plus the first occurrence after now.
func (p *Processor) catchUp(sub Subscription, now time.Time) ([]Child, time.Time, error) {
	var children []Child
	t := sub.NextDue
	for !t.After(now) {
		e := sub.Entry
		e.ID = 0
		e.At = t
		children = append(children, Child{Entry: e, Interval: sub.Interval, Parent: sub.RootID()})

		next, err := p.cal.Next(t, sub.Interval)
		if err != nil {
			return nil, time.Time{}, err
		}
		if !next.After(t) {
			return nil, time.Time{}, fmt.Errorf("interval %s did not advance from %s", sub.Interval, p.cal.Format(t))
		}
		t = next
	}
	return children, t, nil
}

// ShortestActiveInterval returns the tightest interval used by any active
// subscription, or false when there are none.
func (p *Processor) ShortestActiveInterval(ctx context.Context) (Interval, bool, error) {
	kinds := make([]string, 0, len(Priority))
	for _, iv := range Priority {
		kinds = append(kinds, iv.String())
	}
	kind, ok, err := p.store.FirstActiveInterval(ctx, kinds)
	if err != nil {
		return "", false, storeErr("shortest interval", err)
	}
	if !ok {
		return "", false, nil
	}
	iv, err := ParseInterval(kind)
	if err != nil {
		return "", false, err
	}
	return iv, true, nil
}

func (p *Processor) publish(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
