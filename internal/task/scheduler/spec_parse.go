package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ParsedCadence is a parsed cadence string.
//
// Supported forms:
//   - Go duration: "55m", "2h30m", "168h"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - "@every <duration>" as accepted by cron
//   - Day suffix: "7d", "30d"
//
// An optional "every:" or "interval:" prefix is ignored.
type ParsedCadence struct {
	Every  time.Duration
	Source string // "duration" | "hhmm" | "days"
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reDays = regexp.MustCompile(`^\s*(\d{1,4})d\s*$`)
)

// ParseCadence parses a wake cadence such as scheduler.max_cadence.
func ParseCadence(raw string) (ParsedCadence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedCadence{}, fmt.Errorf("cadence required")
	}

	low := strings.ToLower(s)
	for _, p := range []string{"every:", "interval:", "@every"} {
		if strings.HasPrefix(low, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	if s == "" {
		return ParsedCadence{}, fmt.Errorf("cadence required after prefix in %q", raw)
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedCadence{}, err
		}
		return ParsedCadence{Every: d, Source: "hhmm"}, nil
	}
	if m := reDays.FindStringSubmatch(s); len(m) == 2 {
		var n int
		for i := 0; i < len(m[1]); i++ {
			n = n*10 + int(m[1][i]-'0')
		}
		if n <= 0 {
			return ParsedCadence{}, fmt.Errorf("cadence must be > 0")
		}
		return ParsedCadence{Every: time.Duration(n) * 24 * time.Hour, Source: "days"}, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return ParsedCadence{}, fmt.Errorf(
			"invalid cadence %q (use HH:MM like '02:30', days like '7d', or duration like '55m')", raw,
		)
	}
	if d < minCadence {
		return ParsedCadence{}, fmt.Errorf("cadence must be >= %s", minCadence)
	}
	return ParsedCadence{Every: d, Source: "duration"}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	// hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("cadence must be > 0")
	}
	return d, nil
}
