package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"questbot/internal/session"
)

// Memory is the in-process reference implementation of session.Repository.
// A single mutex guards all state, which also makes the roster
// read-count-insert sequence atomic per call.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func NewMemory() *Memory {
	return &Memory{sessions: map[string]*session.Session{}}
}

func (r *Memory) CreateSession(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return session.Validationf("session id %q already exists", s.ID)
	}
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r *Memory) GetSession(ctx context.Context, id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *Memory) ListSessions(ctx context.Context, f session.Filter) ([]*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*session.Session
	for _, s := range r.sessions {
		if !matches(s, f) {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (r *Memory) UpdateSession(ctx context.Context, id string, upd session.Update) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	applyUpdate(s, upd)
	return cloneSession(s), nil
}

func (r *Memory) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return session.ErrNotFound
	}
	delete(r.sessions, id)
	return nil
}

func (r *Memory) UpsertRosterMember(ctx context.Context, sessionID string, m session.PartyMember) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	for i := range s.Roster {
		if s.Roster[i].UserID == m.UserID {
			// Only the role ever changes in place.
			s.Roster[i].Role = m.Role
			return nil
		}
	}
	if len(s.Roster) >= session.Capacity {
		return session.ErrPartyFull
	}
	s.Roster = append(s.Roster, m)
	return nil
}

func (r *Memory) RemoveRosterMember(ctx context.Context, sessionID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	for i := range s.Roster {
		if s.Roster[i].UserID == userID {
			s.Roster = append(s.Roster[:i], s.Roster[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *Memory) IsUserInActiveSession(ctx context.Context, userID, excludeSessionID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.ID == excludeSessionID {
			continue
		}
		if s.Status != session.StatusActive {
			continue
		}
		if _, ok := memberOf(s, userID); ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *Memory) IsUserHostingOnDate(ctx context.Context, userID string, date time.Time, groupID, tz, excludeSessionID string) (bool, error) {
	return r.onDate(userID, date, groupID, tz, excludeSessionID, true)
}

func (r *Memory) IsUserMemberOnDate(ctx context.Context, userID string, date time.Time, groupID, tz, excludeSessionID string) (bool, error) {
	return r.onDate(userID, date, groupID, tz, excludeSessionID, false)
}

func (r *Memory) onDate(userID string, date time.Time, groupID, tz, excludeSessionID string, asGM bool) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.ID == excludeSessionID || s.GroupID != groupID {
			continue
		}
		if s.Status != session.StatusScheduled && s.Status != session.StatusActive {
			continue
		}
		if !session.SameCalendarDay(s.ScheduledAt, date, tz) {
			continue
		}
		m, ok := memberOf(s, userID)
		if !ok {
			continue
		}
		if asGM == (m.Role == session.RoleGameMaster) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Memory) Close() error { return nil }

// ---- helpers ----

func matches(s *session.Session, f session.Filter) bool {
	if f.GroupID != "" && s.GroupID != f.GroupID {
		return false
	}
	if f.UserID != "" {
		if _, ok := memberOf(s, f.UserID); !ok {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if s.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func memberOf(s *session.Session, userID string) (session.PartyMember, bool) {
	for _, m := range s.Roster {
		if m.UserID == userID {
			return m, true
		}
	}
	return session.PartyMember{}, false
}

func cloneSession(s *session.Session) *session.Session {
	cp := *s
	cp.Roster = append([]session.PartyMember(nil), s.Roster...)
	return &cp
}

func applyUpdate(s *session.Session, upd session.Update) {
	if upd.Name != nil {
		s.Name = *upd.Name
	}
	if upd.ScheduledAt != nil {
		s.ScheduledAt = *upd.ScheduledAt
	}
	if upd.Timezone != nil {
		s.Timezone = *upd.Timezone
	}
	if upd.Status != nil {
		s.Status = *upd.Status
	}
	if upd.AnnouncementID != nil {
		s.AnnouncementID = *upd.AnnouncementID
	}
	if upd.CalendarEventID != nil {
		s.CalendarEventID = *upd.CalendarEventID
	}
}
