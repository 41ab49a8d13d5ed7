package recurrence

import (
	"strings"
	"time"

	"finrecur/internal/storage"

	"github.com/shopspring/decimal"
)

// Transaction is a decoded transaction row. It is one of Subscription, Child
// or Plain.
type Transaction interface {
	Base() Entry
	isTransaction()
}

// Entry holds the ordinary ledger fields shared by every variant.
type Entry struct {
	ID            int64
	Amount        decimal.Decimal
	Kind          string
	Category      string
	Description   string
	At            time.Time
	AccountRef    int64
	InstrumentRef *int64
}

func (e Entry) Base() Entry { return e }

// Subscription is a recurring template.
type Subscription struct {
	Entry
	Interval Interval
	NextDue  time.Time
	// Origin is set only for legacy recurring rows that already point at
	// another subscription. Children spawned from them keep pointing there.
	Origin int64

	// storedDue is next_due exactly as read from the store, used as the
	// compare-and-set value when advancing.
	storedDue string
}

// RootID is the parent ref every child spawned from s carries.
func (s Subscription) RootID() int64 {
	if s.Origin != 0 {
		return s.Origin
	}
	return s.ID
}

// Child is a one-time entry materialized by a catch-up pass. Interval is
// descriptive only.
type Child struct {
	Entry
	Interval Interval
	Parent   int64
}

// Plain is an ordinary ledger entry.
type Plain struct {
	Entry
}

func (Subscription) isTransaction() {}
func (Child) isTransaction()        {}
func (Plain) isTransaction()        {}

// Decode converts a stored row into its variant.
func Decode(cal Calendar, r storage.Record) (Transaction, error) {
	e, err := entryOf(cal, r)
	if err != nil {
		return nil, err
	}

	switch {
	case r.IsRecurring:
		iv, err := ParseInterval(deref(r.IntervalKind))
		if err != nil {
			return nil, err
		}
		due, err := cal.parseField("next_due", deref(r.NextDue))
		if err != nil {
			return nil, err
		}
		sub := Subscription{Entry: e, Interval: iv, NextDue: due, storedDue: deref(r.NextDue)}
		sub.Origin = originOf(r)
		return sub, nil
	case r.ParentRef != nil:
		// A child keeps whatever interval label it was spawned with.
		return Child{
			Entry:    e,
			Interval: Interval(strings.ToLower(strings.TrimSpace(deref(r.IntervalKind)))),
			Parent:   *r.ParentRef,
		}, nil
	default:
		return Plain{Entry: e}, nil
	}
}

func entryOf(cal Calendar, r storage.Record) (Entry, error) {
	at, err := cal.parseField("timestamp", r.Timestamp)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:            r.ID,
		Amount:        r.Amount,
		Kind:          r.Kind,
		Category:      r.Category,
		Description:   r.Description,
		At:            at,
		AccountRef:    r.AccountRef,
		InstrumentRef: r.InstrumentRef,
	}, nil
}

// originOf is the legacy parent ref a recurring row carries, zero for none.
func originOf(r storage.Record) int64 {
	if r.ParentRef != nil && *r.ParentRef != r.ID {
		return *r.ParentRef
	}
	return 0
}

// Encode converts a variant back into a row. Non-recurring rows never carry
// next_due, and only children carry an interval label.
func Encode(cal Calendar, t Transaction) storage.Record {
	e := t.Base()
	r := storage.Record{
		ID:            e.ID,
		Amount:        e.Amount,
		Kind:          e.Kind,
		Category:      e.Category,
		Description:   e.Description,
		Timestamp:     cal.Format(e.At),
		AccountRef:    e.AccountRef,
		InstrumentRef: e.InstrumentRef,
	}
	switch v := t.(type) {
	case Subscription:
		r.IsRecurring = true
		r.IntervalKind = ptr(v.Interval.String())
		r.NextDue = ptr(cal.Format(v.NextDue))
		if v.Origin != 0 {
			r.ParentRef = ptr(v.Origin)
		}
	case Child:
		if v.Interval != "" {
			r.IntervalKind = ptr(v.Interval.String())
		}
		r.ParentRef = ptr(v.Parent)
	}
	return r
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptr[T any](v T) *T { return &v }
