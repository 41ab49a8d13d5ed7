package app

import (
	"fmt"
	"strings"
	"time"

	"finrecur/internal/config"
	"finrecur/internal/notifier"
	"finrecur/internal/storage"
	"finrecur/internal/task/scheduler"
	logx "finrecur/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := sc.BusyTimeoutOrDefault()
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./finrecur.db"
	}
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        path,
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

// maxCadence parses scheduler.max_cadence; empty means no cap.
func maxCadence(cfg *config.Config) (time.Duration, error) {
	raw := strings.TrimSpace(cfg.Scheduler.MaxCadence)
	if raw == "" {
		return 0, nil
	}
	p, err := scheduler.ParseCadence(raw)
	if err != nil {
		return 0, fmt.Errorf("scheduler.max_cadence: %w", err)
	}
	return p.Every, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.NotifierOrDefault()
	base, maxDelay, err := n.RetryDelays()
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		Telegram: notifier.TelegramConfig{
			Enabled: n.Telegram.Enabled,
			Token:   n.Telegram.Token,
			ChatID:  n.Telegram.ChatID,
		},
	}, nil
}

// buildSinks always includes the log sink; Telegram is added when enabled.
func buildSinks(ncfg notifier.Config, log logx.Logger) ([]notifier.Sink, error) {
	sinks := []notifier.Sink{notifier.NewLogSink(log)}
	if ncfg.Telegram.Enabled {
		tg, err := notifier.NewTelegramSink(ncfg.Telegram)
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		sinks = append(sinks, tg)
	}
	return sinks, nil
}

// validateRuntime checks what config.Validate cannot: values parsed by the
// runtime packages.
func validateRuntime(cfg *config.Config) error {
	if _, err := maxCadence(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapNotifierConfig(cfg)
	return err
}
