package recurrence

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a transaction id does not resolve to a row.
	ErrNotFound = errors.New("transaction not found")
	// ErrNotSubscription is returned when a subscription-only operation targets a plain or child row.
	ErrNotSubscription = errors.New("transaction is not a subscription")
	// ErrValidation wraps input validation failures.
	ErrValidation = errors.New("validation error")
	// ErrAlreadyAdvanced means another pass already moved next_due past the value this pass read.
	ErrAlreadyAdvanced = errors.New("subscription already advanced")
	// ErrConflict means a schedule edit lost a race with a catch-up pass; nothing was written.
	ErrConflict = errors.New("transaction changed concurrently")
)

// ParseError reports a timestamp that is not in the canonical format.
type ParseError struct {
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("parse timestamp %q: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("parse %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnsupportedIntervalError reports an interval kind outside the closed enumeration.
type UnsupportedIntervalError struct {
	Value string
}

func (e *UnsupportedIntervalError) Error() string {
	return fmt.Sprintf("unsupported interval %q", e.Value)
}

// StoreError wraps a persistence failure with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store " + e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsRecoverable reports whether err only affects a single subscription for one
// pass (malformed data) as opposed to a store failure.
func IsRecoverable(err error) bool {
	var pe *ParseError
	var ue *UnsupportedIntervalError
	return errors.As(err, &pe) || errors.As(err, &ue)
}
