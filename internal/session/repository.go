package session

import (
	"context"
	"time"
)

// Filter narrows ListSessions queries. Zero fields match everything.
type Filter struct {
	UserID   string // sessions whose roster contains this user
	GroupID  string
	Statuses []Status
}

// Update is a partial session update; nil fields are left untouched.
type Update struct {
	Name            *string
	ScheduledAt     *time.Time
	Timezone        *string
	Status          *Status
	AnnouncementID  *string
	CalendarEventID *string
}

// Repository is the persistence boundary for sessions and rosters. The
// repository is the source of truth; scheduler timer state is derived from
// it and never persisted.
//
// UpsertRosterMember MUST be atomic per (sessionID, userID): an insert that
// would push the roster past Capacity returns ErrPartyFull rather than
// overfilling, even under concurrent requests.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, f Filter) ([]*Session, error)
	UpdateSession(ctx context.Context, id string, upd Update) (*Session, error)
	DeleteSession(ctx context.Context, id string) error

	UpsertRosterMember(ctx context.Context, sessionID string, m PartyMember) error
	RemoveRosterMember(ctx context.Context, sessionID, userID string) error

	// IsUserInActiveSession reports whether the user belongs to the roster of
	// any ACTIVE session other than excludeSessionID. Scheduled sessions do
	// not count; those conflicts go through the same-day queries below.
	IsUserInActiveSession(ctx context.Context, userID, excludeSessionID string) (bool, error)

	// IsUserHostingOnDate reports whether the user is the GM of a scheduled or
	// active session in the group on the same calendar day as date (observed
	// in tz).
	IsUserHostingOnDate(ctx context.Context, userID string, date time.Time, groupID, tz, excludeSessionID string) (bool, error)

	// IsUserMemberOnDate is the non-GM counterpart of IsUserHostingOnDate.
	IsUserMemberOnDate(ctx context.Context, userID string, date time.Time, groupID, tz, excludeSessionID string) (bool, error)

	Close() error
}
