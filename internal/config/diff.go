package config

import (
	"sort"
	"strings"

	logx "questbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.GuildChatID != newCfg.Telegram.GuildChatID ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.guild_chat_set", newCfg.Telegram.GuildChatID != 0),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File != newCfg.Logging.File {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Sessions
	if oldCfg.Sessions != newCfg.Sessions {
		changed = append(changed, "sessions")
		attrs = append(attrs,
			logx.String("sessions.default_timezone", newCfg.Sessions.DefaultTimezone),
			logx.String("sessions.reminder_lead", newCfg.Sessions.ReminderLead),
			logx.String("sessions.cancel_check_lead", newCfg.Sessions.CancelCheckLead),
			logx.String("sessions.reconcile_every", newCfg.Sessions.ReconcileEvery),
		)
	}

	// Storage
	if derefStorage(oldCfg.Storage) != derefStorage(newCfg.Storage) {
		changed = append(changed, "storage")
		s := derefStorage(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", s.Driver),
			logx.String("storage.path", s.Path),
		)
	}

	// Notify
	if derefNotify(oldCfg.Notify) != derefNotify(newCfg.Notify) {
		changed = append(changed, "notify")
		n := derefNotify(newCfg.Notify)
		attrs = append(attrs,
			logx.Int("notify.rate_per_sec", n.RatePerSec),
			logx.String("notify.send_timeout", n.SendTimeout),
		)
	}

	// Calendar
	if derefCalendar(oldCfg.Calendar) != derefCalendar(newCfg.Calendar) {
		changed = append(changed, "calendar")
		c := derefCalendar(newCfg.Calendar)
		attrs = append(attrs,
			logx.Bool("calendar.enabled", c.Enabled),
			logx.String("calendar.dir", c.Dir),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}

func derefCalendar(c *CalendarConfig) CalendarConfig {
	if c == nil {
		return CalendarConfig{}
	}
	return *c
}
