package config

import (
	"sort"
	"strings"

	logx "finrecur/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for the reload log. Secrets (telegram token, storage DSN)
// are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oSch, nSch := oldCfg.Scheduler, newCfg.Scheduler
	if oSch.Enabled != nSch.Enabled ||
		strings.TrimSpace(oSch.Timezone) != strings.TrimSpace(nSch.Timezone) ||
		oSch.CatchUpOnStartOrDefault() != nSch.CatchUpOnStartOrDefault() ||
		strings.TrimSpace(oSch.MaxCadence) != strings.TrimSpace(nSch.MaxCadence) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", nSch.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(nSch.Timezone)),
			logx.Bool("scheduler.catch_up_on_start", nSch.CatchUpOnStartOrDefault()),
			logx.String("scheduler.max_cadence", strings.TrimSpace(nSch.MaxCadence)),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(ost.Driver) != strings.TrimSpace(nst.Driver) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(nst.Path) ||
		strings.TrimSpace(ost.BusyTimeout) != strings.TrimSpace(nst.BusyTimeout) ||
		ost.DSN != nst.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nst.DSN) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nst.BusyTimeout)),
		)
	}

	on, nn := oldCfg.NotifierOrDefault(), newCfg.NotifierOrDefault()
	if on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.queue_size", nn.QueueSize),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Int("notifier.retry_max", nn.RetryMax),
			logx.Bool("notifier.telegram.enabled", nn.Telegram.Enabled),
			logx.Bool("notifier.telegram.token_set", strings.TrimSpace(nn.Telegram.Token) != ""),
			logx.Bool("notifier.telegram.chat_set", nn.Telegram.ChatID != 0),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running
// process. Storage is opened once at startup.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if s == "storage" {
			out = append(out, s)
		}
	}
	return out
}
