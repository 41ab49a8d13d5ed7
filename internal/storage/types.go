package storage

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by CommitCatchUp and UpdateSchedule when the
	// persisted next_due no longer matches the value the caller read.
	ErrConflict = errors.New("record changed concurrently")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver      string
	Path        string        // sqlite only
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one row of the transactions table.
//
// Timestamps are kept in their stored canonical text form; interpreting them
// is the caller's job. Nullable columns are pointers.
type Record struct {
	ID          int64
	Amount      decimal.Decimal
	Kind        string
	Category    string
	Description string
	Timestamp   string

	AccountRef    int64
	InstrumentRef *int64

	IsRecurring  bool
	IntervalKind *string
	NextDue      *string
	ParentRef    *int64
}

// ListFilter narrows List results.
type ListFilter struct {
	// ParentsOnly keeps subscriptions and plain rows, hiding spawned children.
	ParentsOnly bool
	// RecurringOnly keeps subscriptions only.
	RecurringOnly bool
	Limit         int
}

// CatchUp is the unit of work persisted by one catch-up pass over a single
// subscription.
type CatchUp struct {
	SubscriptionID int64
	PrevNextDue    string
	NextDue        string
	Children       []Record
}
