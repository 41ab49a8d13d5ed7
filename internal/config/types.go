package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`

	// Notifier may be omitted; it then defaults to enabled with a log sink only.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the wake trigger.
//
// Defaults (when fields are omitted/zero):
//   - timezone: local
//   - catch_up_on_start: true
//   - max_cadence: "0s" (no cap; wake at the shortest active interval)
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is also the zone stored timestamps are read in.
	Timezone string `json:"timezone,omitempty"`

	// CatchUpOnStart runs one pass right after startup.
	CatchUpOnStart *bool `json:"catch_up_on_start,omitempty"`

	// MaxCadence caps the wake period, e.g. "1h" or "01:00".
	MaxCadence string `json:"max_cadence,omitempty"`
}

// StorageConfig selects the transaction store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./finrecur.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; FINRECUR_STORAGE_DSN wins
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// NotifierConfig controls change notifications.
type NotifierConfig struct {
	Enabled       bool           `json:"enabled"`
	QueueSize     int            `json:"queue_size,omitempty"`
	RatePerSec    int            `json:"rate_per_sec,omitempty"`
	RetryMax      int            `json:"retry_max,omitempty"`
	RetryBase     string         `json:"retry_base,omitempty"`
	RetryMaxDelay string         `json:"retry_max_delay,omitempty"`
	Telegram      TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool `json:"enabled"`
	// Token is never logged; FINRECUR_TELEGRAM_TOKEN wins.
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:       true,
		QueueSize:     128,
		RatePerSec:    1,
		RetryMax:      3,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
	}
}

// NotifierOrDefault returns the notifier section with defaults applied.
func (c *Config) NotifierOrDefault() NotifierConfig {
	if c == nil || c.Notifier == nil {
		return DefaultNotifier()
	}
	return *c.Notifier
}

// CatchUpOnStartOrDefault reports catch_up_on_start, default true.
func (c SchedulerConfig) CatchUpOnStartOrDefault() bool {
	if c.CatchUpOnStart == nil {
		return true
	}
	return *c.CatchUpOnStart
}
