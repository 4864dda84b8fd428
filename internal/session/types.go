package session

import (
	"time"
)

// Capacity is the maximum roster size, game master included.
const Capacity = 6

// Role is a fixed party slot. The game master slot is assigned at creation
// and never offered through the role-selection protocol.
type Role string

const (
	RoleGameMaster Role = "gm"
	RoleTank       Role = "tank"
	RoleHealer     Role = "healer"
	RoleSupport    Role = "support"
	RoleRanger     Role = "ranger"
	RoleMage       Role = "mage"
	RoleRogue      Role = "rogue"
)

// PlayerRoles lists the roles selectable by players, in display order.
func PlayerRoles() []Role {
	return []Role{RoleTank, RoleHealer, RoleSupport, RoleRanger, RoleMage, RoleRogue}
}

func (r Role) Valid() bool {
	switch r {
	case RoleGameMaster, RoleTank, RoleHealer, RoleSupport, RoleRanger, RoleMage, RoleRogue:
		return true
	}
	return false
}

// Status is the session lifecycle state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the scheduler stops caring about the session:
// no timer is ever (re)installed once the session leaves SCHEDULED.
func (s Status) Terminal() bool { return s != StatusScheduled }

// PartyMember is one roster entry. Only Role is ever mutated after creation.
type PartyMember struct {
	UserID        string
	DisplayName   string
	NotifyAddress string // DM-channel-equivalent handle
	Role          Role
	JoinedAt      time.Time
}

// Session is a single scheduled game instance.
//
// ScheduledAt is an absolute instant; Timezone is carried for display only,
// all scheduling math is instant-based.
type Session struct {
	ID              string // one-to-one with the hosting channel
	Name            string
	GroupID         string
	ScheduledAt     time.Time
	Timezone        string // IANA zone name
	AnnouncementID  string // empty until the announcement is posted
	CalendarEventID string // optional linked calendar event
	Status          Status

	// Roster is ordered by join time and unique by UserID.
	Roster []PartyMember
}

// GameMaster returns the GM roster entry. Exactly one exists while the
// session is non-terminal.
func (s *Session) GameMaster() (PartyMember, bool) {
	for _, m := range s.Roster {
		if m.Role == RoleGameMaster {
			return m, true
		}
	}
	return PartyMember{}, false
}

// Member returns the roster entry for userID, if present.
func (s *Session) Member(userID string) (PartyMember, bool) {
	for _, m := range s.Roster {
		if m.UserID == userID {
			return m, true
		}
	}
	return PartyMember{}, false
}

func (s *Session) Full() bool { return len(s.Roster) >= Capacity }

// Location resolves the session display timezone, falling back to UTC.
func (s *Session) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

// LocalStart is the scheduled instant rendered in the session timezone.
func (s *Session) LocalStart() time.Time { return s.ScheduledAt.In(s.Location()) }

// SameCalendarDay reports whether a and b fall on the same calendar day when
// observed in the given IANA zone. An unknown zone falls back to UTC.
func SameCalendarDay(a, b time.Time, tz string) bool {
	loc, err := time.LoadLocation(tz)
	if err != nil || loc == nil {
		loc = time.UTC
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
