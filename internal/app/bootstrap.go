package app

import (
	"fmt"
	"strings"
	"time"

	"questbot/internal/config"
	"questbot/internal/services/notify"
	"questbot/internal/services/scheduler"
	"questbot/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	out := storage.Config{Driver: "memory"}
	if cfg.Storage == nil {
		return out, nil
	}
	if d := strings.TrimSpace(cfg.Storage.Driver); d != "" {
		out.Driver = d
	}
	out.Path = strings.TrimSpace(cfg.Storage.Path)
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return out, err
	}
	out.BusyTimeout = busy
	if strings.EqualFold(out.Driver, "sqlite") && out.Path == "" {
		return out, fmt.Errorf("storage.path is required for the sqlite driver")
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	reminder, err := config.ParseDurationOrDefault("sessions.reminder_lead", cfg.Sessions.ReminderLead, time.Hour)
	if err != nil {
		return scheduler.Config{}, err
	}
	cancelLead, err := config.ParseDurationOrDefault("sessions.cancel_check_lead", cfg.Sessions.CancelCheckLead, 5*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	reconcile, err := config.ParseDurationField("sessions.reconcile_every", cfg.Sessions.ReconcileEvery)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		ReminderLead:   reminder,
		CancelLead:     cancelLead,
		ReconcileEvery: reconcile,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	out := notify.Config{}
	if cfg.Notify == nil {
		return out, nil
	}
	if cfg.Notify.RatePerSec < 0 {
		return out, fmt.Errorf("notify.rate_per_sec must be >= 0")
	}
	out.RatePerSec = cfg.Notify.RatePerSec
	timeout, err := config.ParseDurationField("notify.send_timeout", cfg.Notify.SendTimeout)
	if err != nil {
		return out, err
	}
	out.SendTimeout = timeout
	return out, nil
}

// validateConfig rejects a hot-reloaded config before it is committed.
func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Sessions.DefaultTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("sessions.default_timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if cfg.Calendar != nil && cfg.Calendar.Enabled {
		if strings.TrimSpace(cfg.Calendar.Dir) == "" {
			return fmt.Errorf("calendar.dir is required when calendar.enabled is true")
		}
		if _, err := config.ParseDurationField("calendar.event_length", cfg.Calendar.EventLength); err != nil {
			return err
		}
	}
	return nil
}
