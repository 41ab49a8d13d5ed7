package recurrence

import (
	"errors"
	"strings"
	"time"
)

// Layout is the canonical timestamp format of stored rows (dd/MM/yyyy HH:mm).
const Layout = "02/01/2006 15:04"

// Calendar interprets canonical timestamps in a fixed location and performs
// calendar-aware interval arithmetic. The zero value uses time.Local.
type Calendar struct {
	Loc *time.Location
}

func NewCalendar(loc *time.Location) Calendar { return Calendar{Loc: loc} }

func (c Calendar) loc() *time.Location {
	if c.Loc == nil {
		return time.Local
	}
	return c.Loc
}

// Parse reads a canonical timestamp. Surrounding whitespace is tolerated,
// anything else that does not match Layout is a *ParseError.
func (c Calendar) Parse(s string) (time.Time, error) {
	t, err := time.ParseInLocation(Layout, strings.TrimSpace(s), c.loc())
	if err != nil {
		return time.Time{}, &ParseError{Value: s, Err: err}
	}
	return t, nil
}

func (c Calendar) parseField(field, s string) (time.Time, error) {
	t, err := c.Parse(s)
	var pe *ParseError
	if errors.As(err, &pe) {
		pe.Field = field
	}
	return t, err
}

func (c Calendar) Format(t time.Time) string {
	return t.In(c.loc()).Format(Layout)
}

// Next returns the occurrence one interval after t.
//
// Monthly and yearly steps clip the day to the end of the target month, so
// 31/01 + 1 month is 29/02 in a leap year and 29/02 + 1 year is 28/02.
func (c Calendar) Next(t time.Time, iv Interval) (time.Time, error) {
	t = t.In(c.loc())
	switch iv {
	case Minutely:
		return t.Add(time.Minute), nil
	case Daily:
		return t.AddDate(0, 0, 1), nil
	case Weekly:
		return t.AddDate(0, 0, 7), nil
	case Monthly:
		return addMonths(t, 1), nil
	case Yearly:
		return addMonths(t, 12), nil
	default:
		return time.Time{}, &UnsupportedIntervalError{Value: string(iv)}
	}
}

// NextRun is the string form of Next: it parses ts, validates kind and
// returns the next occurrence in canonical format.
func (c Calendar) NextRun(ts, kind string) (string, error) {
	t, err := c.Parse(ts)
	if err != nil {
		return "", err
	}
	iv, err := ParseInterval(kind)
	if err != nil {
		return "", err
	}
	next, err := c.Next(t, iv)
	if err != nil {
		return "", err
	}
	return c.Format(next), nil
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(firstOfMonth time.Time) int {
	return firstOfMonth.AddDate(0, 1, -1).Day()
}
