package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string found at path. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// RetryDelays returns retry_base and retry_max_delay with defaults applied.
func (n NotifierConfig) RetryDelays() (base, maxDelay time.Duration, err error) {
	if base, err = ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return 0, 0, err
	}
	if maxDelay, err = ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return 0, 0, err
	}
	return base, maxDelay, nil
}

// BusyTimeoutOrDefault returns storage.busy_timeout, default 5s.
func (s StorageConfig) BusyTimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, 5*time.Second)
}
