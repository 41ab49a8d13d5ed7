package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate rejects configs the runtime cannot apply.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn: required for driver %q (or set %s)", c.Storage.Driver, EnvStorageDSN))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if n := c.Notifier; n != nil {
		if n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			errs = append(errs, errors.New("notifier: queue_size, rate_per_sec and retry_max must be >= 0"))
		}
		if _, err := ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
			errs = append(errs, err)
		}
		if n.Telegram.Enabled {
			if strings.TrimSpace(n.Telegram.Token) == "" {
				errs = append(errs, fmt.Errorf("notifier.telegram.token: required (or set %s)", EnvTelegramToken))
			}
			if n.Telegram.ChatID == 0 {
				errs = append(errs, errors.New("notifier.telegram.chat_id: required"))
			}
		}
	}
	return errors.Join(errs...)
}
