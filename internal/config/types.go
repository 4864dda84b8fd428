package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Sessions SessionsConfig `json:"sessions"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notify   *NotifyConfig   `json:"notify,omitempty"`
	Calendar *CalendarConfig `json:"calendar,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GuildChatID is the group (supergroup) the bot serves. Sessions are
	// announced there and, when the chat has topics enabled, each session
	// gets its own topic.
	GuildChatID int64 `json:"guild_chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
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

// SessionsConfig controls session scheduling behavior.
//
// All durations are Go duration strings (e.g. "5m", "1h").
//
// Defaults (when fields are omitted/zero):
//   - default_timezone: "UTC"
//   - reminder_lead: "1h"
//   - cancel_check_lead: "5m"
//   - reconcile_every: "0s" (sweep disabled)
type SessionsConfig struct {
	DefaultTimezone string `json:"default_timezone,omitempty"`

	// ReminderLead is how long before start the roster reminder goes out.
	ReminderLead string `json:"reminder_lead,omitempty"`

	// CancelCheckLead is how long before start the party-size check runs.
	CancelCheckLead string `json:"cancel_check_lead,omitempty"`

	// ReconcileEvery re-syncs timers against storage at this interval.
	// Use "0s" to disable the sweep.
	ReconcileEvery string `json:"reconcile_every,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./questbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifyConfig controls direct-message dispatch throttling.
type NotifyConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"` // Go duration string
}

// CalendarConfig controls iCalendar event export. Disabled when omitted.
type CalendarConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"`
	// EventLength is the assumed session length for exported events.
	EventLength string `json:"event_length,omitempty"` // default "4h"
}
