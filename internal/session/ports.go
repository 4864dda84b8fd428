package session

import (
	"context"
	"time"
)

// Scheduler owns the per-session timer set. Implemented by
// services/scheduler; consumed here so the manager can (re)schedule without
// importing it.
type Scheduler interface {
	// ScheduleSessionTasks installs reminder and cancel-check timers for the
	// session, tearing down any previous ones first (last-write-wins).
	ScheduleSessionTasks(sessionID string, scheduledAt time.Time)
	// CancelSessionTasks stops and discards pending timers. Idempotent.
	CancelSessionTasks(sessionID string)
}

// Notifier delivers one message per recipient, best-effort. format renders
// the per-recipient text; individual failures are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, format func(recipient string) (string, error))
}

// Announcer renders the public announcement artifact for a session.
// Both operations are best-effort externals: errors are logged by callers
// and never block state transitions.
type Announcer interface {
	// PostAnnouncement publishes the announcement and returns its id.
	PostAnnouncement(ctx context.Context, s *Session) (string, error)
	// UpdateAnnouncement re-renders it in place; reason is non-empty when the
	// session was canceled.
	UpdateAnnouncement(ctx context.Context, s *Session, reason string) error
}

// Calendar links sessions to external calendar events.
type Calendar interface {
	CreateEvent(ctx context.Context, s *Session) (eventID string, err error)
	DeleteEvent(ctx context.Context, eventID string) error
}

// Channels creates and removes the hosting channel-equivalent. The returned
// id doubles as the session id.
type Channels interface {
	CreateSessionChannel(ctx context.Context, name string) (channelID string, err error)
	RemoveSessionChannel(ctx context.Context, channelID string) error
}
