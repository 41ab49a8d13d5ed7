package recurrence

import (
	"strings"
	"time"
)

// Interval is the recurrence period of a subscription.
type Interval string

const (
	Minutely Interval = "minutely"
	Daily    Interval = "daily"
	Weekly   Interval = "weekly"
	Monthly  Interval = "monthly"
	Yearly   Interval = "yearly"
)

// Priority lists every supported interval from tightest to widest.
var Priority = []Interval{Minutely, Daily, Weekly, Monthly, Yearly}

// ParseInterval normalizes raw (case-insensitive, surrounding spaces ignored).
func ParseInterval(raw string) (Interval, error) {
	iv := Interval(strings.ToLower(strings.TrimSpace(raw)))
	if !iv.Valid() {
		return "", &UnsupportedIntervalError{Value: raw}
	}
	return iv, nil
}

func (i Interval) Valid() bool {
	switch i {
	case Minutely, Daily, Weekly, Monthly, Yearly:
		return true
	default:
		return false
	}
}

func (i Interval) String() string { return string(i) }

// Approx returns the fixed-length approximation of one period
// (monthly = 30 days, yearly = 365 days). It is used for sizing the wake
// cadence, never for computing due timestamps.
func (i Interval) Approx() (time.Duration, error) {
	switch i {
	case Minutely:
		return time.Minute, nil
	case Daily:
		return 24 * time.Hour, nil
	case Weekly:
		return 7 * 24 * time.Hour, nil
	case Monthly:
		return 30 * 24 * time.Hour, nil
	case Yearly:
		return 365 * 24 * time.Hour, nil
	default:
		return 0, &UnsupportedIntervalError{Value: string(i)}
	}
}

// Cadence returns the wake cadence for i, capped at limit when limit > 0.
func (i Interval) Cadence(limit time.Duration) (time.Duration, error) {
	d, err := i.Approx()
	if err != nil {
		return 0, err
	}
	if limit > 0 && d > limit {
		return limit, nil
	}
	return d, nil
}
