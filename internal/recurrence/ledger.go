package recurrence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"finrecur/internal/eventbus"
	"finrecur/internal/storage"
	logx "finrecur/pkg/logx"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Ledger is the user-facing surface over transaction rows: create, read,
// edit and delete, keeping subscription bookkeeping consistent.
type Ledger struct {
	store    storage.Store
	cal      Calendar
	bus      eventbus.Bus
	log      logx.Logger
	validate *validator.Validate
}

func NewLedger(store storage.Store, opts Options) *Ledger {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	v := validator.New()
	_ = v.RegisterValidation("nonnegative", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && !d.IsNegative()
	})
	return &Ledger{
		store:    store,
		cal:      opts.Calendar,
		bus:      opts.Bus,
		log:      log.With(logx.String("comp", "ledger")),
		validate: v,
	}
}

// NewTransaction is the input of Create.
type NewTransaction struct {
	Amount        decimal.Decimal `validate:"nonnegative"`
	Kind          string          `validate:"required,oneof=income expense"`
	Category      string          `validate:"required,max=64"`
	Description   string          `validate:"max=256"`
	Timestamp     string          `validate:"required"`
	AccountRef    int64           `validate:"gte=0"`
	InstrumentRef *int64          `validate:"omitempty,gt=0"`
	Recurring     bool
	Interval      string `validate:"required_if=Recurring true"`
}

// Create inserts a transaction. A recurring one gets next_due one interval
// after its timestamp.
func (l *Ledger) Create(ctx context.Context, in NewTransaction) (Transaction, error) {
	in.Kind = strings.ToLower(strings.TrimSpace(in.Kind))
	in.Category = strings.TrimSpace(in.Category)
	if err := l.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	at, err := l.cal.parseField("timestamp", in.Timestamp)
	if err != nil {
		return nil, err
	}
	e := Entry{
		Amount:        in.Amount,
		Kind:          in.Kind,
		Category:      in.Category,
		Description:   in.Description,
		At:            at,
		AccountRef:    in.AccountRef,
		InstrumentRef: in.InstrumentRef,
	}

	var t Transaction = Plain{Entry: e}
	if in.Recurring {
		iv, err := ParseInterval(in.Interval)
		if err != nil {
			return nil, err
		}
		due, err := l.cal.Next(at, iv)
		if err != nil {
			return nil, err
		}
		t = Subscription{Entry: e, Interval: iv, NextDue: due}
	}

	id, err := l.store.Insert(ctx, Encode(l.cal, t))
	if err != nil {
		return nil, storeErr("insert", err)
	}
	t = withID(t, id)
	l.log.Info("transaction created", logx.Int64("id", id), logx.Bool("recurring", in.Recurring))
	l.publish(LedgerEvent{Op: "create", ID: id})
	return t, nil
}

// Get returns the decoded row for id.
func (l *Ledger) Get(ctx context.Context, id int64) (Transaction, error) {
	r, err := l.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	return Decode(l.cal, r)
}

type ListOptions struct {
	// ParentsOnly hides spawned children.
	ParentsOnly bool
	// SubscriptionsOnly keeps recurring templates only.
	SubscriptionsOnly bool
	Limit             int
}

// List returns decoded rows in id order. Rows that cannot be decoded are
// logged and left out.
func (l *Ledger) List(ctx context.Context, opts ListOptions) ([]Transaction, error) {
	rows, err := l.store.List(ctx, storage.ListFilter{
		ParentsOnly:   opts.ParentsOnly,
		RecurringOnly: opts.SubscriptionsOnly,
		Limit:         opts.Limit,
	})
	if err != nil {
		return nil, storeErr("list", err)
	}
	out := make([]Transaction, 0, len(rows))
	for _, r := range rows {
		t, err := Decode(l.cal, r)
		if err != nil {
			l.log.Warn("skipping undecodable row", logx.Int64("id", r.ID), logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Children returns the rows spawned from subscription id.
func (l *Ledger) Children(ctx context.Context, id int64) ([]Child, error) {
	rows, err := l.store.ListByParent(ctx, id)
	if err != nil {
		return nil, storeErr("list children", err)
	}
	out := make([]Child, 0, len(rows))
	for _, r := range rows {
		t, err := Decode(l.cal, r)
		if err != nil {
			l.log.Warn("skipping undecodable child", logx.Int64("id", r.ID), logx.Err(err))
			continue
		}
		if c, ok := t.(Child); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Edit changes selected fields of a transaction. Nil fields are left alone.
type Edit struct {
	Amount      *decimal.Decimal
	Category    *string
	Description *string
	// Interval changes (or sets) the recurrence period and recomputes next_due.
	Interval *string
	// Recurring=false turns a subscription into a plain entry. Recurring=true
	// requires Interval unless the row already has one.
	Recurring *bool
}

func (e Edit) touchesSchedule() bool { return e.Interval != nil || e.Recurring != nil }

// Edit applies ed to row id and reports whether a row was updated.
//
// Amount, category and description edits never write the schedule columns.
// An interval change recomputes next_due one new interval after the latest
// occurrence already materialized (the subscription's own timestamp when none
// was). Schedule edits are written only if next_due is still the value read
// here; otherwise nothing changes and the error wraps ErrConflict.
//
// A recurring row whose interval or next_due cannot be decoded can still be
// repaired with a new Interval or turned off with Recurring=false.
func (l *Ledger) Edit(ctx context.Context, id int64, ed Edit) (bool, error) {
	r, err := l.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("get", err)
	}
	t, err := Decode(l.cal, r)
	if err != nil {
		if t, err = l.salvage(r, ed, err); err != nil {
			return false, err
		}
	}

	e := t.Base()
	if ed.Amount != nil {
		if ed.Amount.IsNegative() {
			return false, fmt.Errorf("%w: amount must not be negative", ErrValidation)
		}
		e.Amount = *ed.Amount
	}
	if ed.Category != nil {
		c := strings.TrimSpace(*ed.Category)
		if c == "" {
			return false, fmt.Errorf("%w: category is required", ErrValidation)
		}
		e.Category = c
	}
	if ed.Description != nil {
		e.Description = *ed.Description
	}

	switch v := t.(type) {
	case Subscription:
		v.Entry = e
		t, err = l.editSubscription(ctx, v, ed)
	case Child:
		if ed.touchesSchedule() {
			return false, fmt.Errorf("%w: spawned transactions cannot be rescheduled", ErrValidation)
		}
		v.Entry = e
		t = v
	case Plain:
		v.Entry = e
		t, err = l.editPlain(v, ed)
	}
	if err != nil {
		return false, err
	}

	var ok bool
	if ed.touchesSchedule() {
		ok, err = l.store.UpdateSchedule(ctx, Encode(l.cal, t), r.NextDue)
	} else {
		ok, err = l.store.UpdateEntry(ctx, Encode(l.cal, t))
	}
	if errors.Is(err, storage.ErrConflict) {
		l.log.Warn("edit lost race with catch-up", logx.Int64("id", id))
		return false, fmt.Errorf("transaction %d: %w", id, ErrConflict)
	}
	if err != nil {
		return false, storeErr("update", err)
	}
	if ok {
		l.log.Info("transaction edited", logx.Int64("id", id), logx.Bool("schedule", ed.touchesSchedule()))
		l.publish(LedgerEvent{Op: "edit", ID: id})
	}
	return ok, nil
}

// salvage rebuilds a recurring row that failed to decode with cause, provided
// ed replaces its schedule. Anything else returns cause.
func (l *Ledger) salvage(r storage.Record, ed Edit, cause error) (Transaction, error) {
	replaces := ed.Interval != nil || (ed.Recurring != nil && !*ed.Recurring)
	if !r.IsRecurring || !replaces || !IsRecoverable(cause) {
		return nil, cause
	}
	e, err := entryOf(l.cal, r)
	if err != nil {
		return nil, err
	}
	l.log.Info("repairing undecodable subscription", logx.Int64("id", r.ID), logx.Err(cause))
	return Subscription{Entry: e, Origin: originOf(r)}, nil
}

func (l *Ledger) editSubscription(ctx context.Context, s Subscription, ed Edit) (Transaction, error) {
	if ed.Recurring != nil && !*ed.Recurring {
		return Plain{Entry: s.Entry}, nil
	}
	if ed.Interval == nil {
		return s, nil
	}
	iv, err := ParseInterval(*ed.Interval)
	if err != nil {
		return nil, err
	}
	ref, err := l.lastOccurrence(ctx, s)
	if err != nil {
		return nil, err
	}
	due, err := l.cal.Next(ref, iv)
	if err != nil {
		return nil, err
	}
	s.Interval = iv
	s.NextDue = due
	return s, nil
}

func (l *Ledger) editPlain(p Plain, ed Edit) (Transaction, error) {
	if ed.Recurring == nil || !*ed.Recurring {
		if ed.Interval != nil {
			return nil, fmt.Errorf("%w: interval requires a recurring transaction", ErrValidation)
		}
		return p, nil
	}
	if ed.Interval == nil {
		return nil, fmt.Errorf("%w: interval is required for a recurring transaction", ErrValidation)
	}
	iv, err := ParseInterval(*ed.Interval)
	if err != nil {
		return nil, err
	}
	due, err := l.cal.Next(p.At, iv)
	if err != nil {
		return nil, err
	}
	return Subscription{Entry: p.Entry, Interval: iv, NextDue: due}, nil
}

// lastOccurrence is the timestamp of the newest child of s, or s.At.
func (l *Ledger) lastOccurrence(ctx context.Context, s Subscription) (at time.Time, err error) {
	at = s.At
	kids, err := l.Children(ctx, s.ID)
	if err != nil {
		return at, err
	}
	for _, c := range kids {
		if c.At.After(at) {
			at = c.At
		}
	}
	return at, nil
}

// Delete removes one transaction. Deleting a subscription removes its
// children too.
func (l *Ledger) Delete(ctx context.Context, id int64) (bool, error) {
	t, err := l.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	var pe *ParseError
	var ue *UnsupportedIntervalError
	if err != nil && !errors.As(err, &pe) && !errors.As(err, &ue) {
		return false, err
	}
	if _, ok := t.(Subscription); ok || err != nil {
		// Undecodable rows may still be subscriptions.
		return l.deleteCascade(ctx, id)
	}
	ok, err := l.store.Delete(ctx, id)
	if err != nil {
		return false, storeErr("delete", err)
	}
	if ok {
		l.log.Info("transaction deleted", logx.Int64("id", id))
		l.publish(LedgerEvent{Op: "delete", ID: id, Removed: 1})
	}
	return ok, nil
}

// DeleteSubscription removes subscription id together with every transaction
// spawned from it, as one operation. It reports false when nothing matched.
func (l *Ledger) DeleteSubscription(ctx context.Context, id int64) (bool, error) {
	t, err := l.Get(ctx, id)
	if err == nil {
		if _, isChild := t.(Child); isChild {
			return false, fmt.Errorf("transaction %d: %w", id, ErrNotSubscription)
		}
	}
	return l.deleteCascade(ctx, id)
}

func (l *Ledger) deleteCascade(ctx context.Context, id int64) (bool, error) {
	n, err := l.store.DeleteCascade(ctx, id)
	if err != nil {
		return false, storeErr("delete cascade", err)
	}
	if n == 0 {
		return false, nil
	}
	l.log.Info("subscription deleted", logx.Int64("id", id), logx.Int64("removed", n))
	l.publish(LedgerEvent{Op: "delete", ID: id, Removed: n})
	return true, nil
}

func (l *Ledger) publish(ev LedgerEvent) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeLedgerChanged, Data: ev})
}

func withID(t Transaction, id int64) Transaction {
	switch v := t.(type) {
	case Subscription:
		v.ID = id
		v.storedDue = ""
		return v
	case Child:
		v.ID = id
		return v
	case Plain:
		v.ID = id
		return v
	}
	return t
}
