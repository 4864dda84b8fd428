package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"questbot/internal/eventbus"
	logx "questbot/pkg/logx"
)

// Manager owns the session lifecycle: creation, modification, cancellation,
// completion and role selection. It is the only writer of session state;
// the scheduler calls back into it (as its Lifecycle) for timed
// cancellation.
//
// All external effects (announcement, calendar, notifications) are
// best-effort: the authoritative repository write always happens first and
// is never blocked by them.
type Manager struct {
	repo     Repository
	sched    Scheduler
	announce Announcer
	notify   Notifier
	calendar Calendar
	channels Channels
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	newID    func() string

	// Per-session locks serialize the read-decide-write sequence of roster
	// mutation. The repository's conditional insert is the backstop. Entries
	// are dropped when the session reaches a terminal state.
	lmu   sync.Mutex
	locks map[string]*sync.Mutex
}

// ManagerDeps wires the manager's collaborators. Calendar and Channels may
// be nil; the corresponding effects are skipped. Now defaults to time.Now.
type ManagerDeps struct {
	Repo      Repository
	Scheduler Scheduler
	Announcer Announcer
	Notifier  Notifier
	Calendar  Calendar
	Channels  Channels
	Bus       eventbus.Bus
	Log       logx.Logger
	Now       func() time.Time
	NewID     func() string
}

func NewManager(d ManagerDeps) *Manager {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Manager{
		repo:     d.Repo,
		sched:    d.Scheduler,
		announce: d.Announcer,
		notify:   d.Notifier,
		calendar: d.Calendar,
		channels: d.Channels,
		bus:      d.Bus,
		log:      d.Log,
		now:      d.Now,
		locks:    map[string]*sync.Mutex{},
		newID:    d.NewID,
	}
}

// CreateParams describes a new session. Creator becomes the GM; its Role
// field is overwritten.
type CreateParams struct {
	GroupID  string
	Name     string
	When     time.Time
	Timezone string
	Creator  PartyMember
}

// Create validates, persists and schedules a new session.
//
// Validation runs before any side-effecting creation so a rejection never
// leaves orphaned channels or records behind.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if strings.TrimSpace(p.GroupID) == "" {
		return nil, Validationf("a group is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, Validationf("a session name is required")
	}
	if strings.TrimSpace(p.Creator.UserID) == "" {
		return nil, Validationf("a session host is required")
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return nil, Validationf("unknown timezone %q", p.Timezone)
	}
	if !p.When.After(m.now()) {
		return nil, Validationf("the session date must be in the future")
	}

	// Conflict check A: creator must not host another session that day.
	hosting, err := m.repo.IsUserHostingOnDate(ctx, p.Creator.UserID, p.When, p.GroupID, p.Timezone, "")
	if err != nil {
		return nil, fmt.Errorf("hosting conflict check: %w", err)
	}
	if hosting {
		return nil, Validationf("you are already hosting a session on that day")
	}
	// Conflict check B: creator must not be signed up elsewhere that day.
	member, err := m.repo.IsUserMemberOnDate(ctx, p.Creator.UserID, p.When, p.GroupID, p.Timezone, "")
	if err != nil {
		return nil, fmt.Errorf("membership conflict check: %w", err)
	}
	if member {
		return nil, Validationf("you are already in a party on that day")
	}

	id, err := m.createChannel(ctx, p.Name)
	if err != nil {
		return nil, fmt.Errorf("create session channel: %w", err)
	}

	gm := p.Creator
	gm.Role = RoleGameMaster
	gm.JoinedAt = m.now()

	s := &Session{
		ID:          id,
		Name:        p.Name,
		GroupID:     p.GroupID,
		ScheduledAt: p.When,
		Timezone:    p.Timezone,
		Status:      StatusScheduled,
		Roster:      []PartyMember{gm},
	}
	if err := m.repo.CreateSession(ctx, s); err != nil {
		// Keep channel and record in lockstep.
		m.removeChannel(ctx, id)
		return nil, fmt.Errorf("persist session: %w", err)
	}

	// Best-effort externals. The session exists regardless; missing ids can
	// be backfilled later.
	if m.calendar != nil {
		if eventID, err := m.calendar.CreateEvent(ctx, s); err != nil {
			m.log.Warn("calendar event create failed", logx.String("session", s.ID), logx.Err(err))
		} else if eventID != "" {
			if s2, err := m.repo.UpdateSession(ctx, s.ID, Update{CalendarEventID: &eventID}); err != nil {
				m.log.Warn("calendar event id write-back failed", logx.String("session", s.ID), logx.Err(err))
			} else {
				s = s2
			}
		}
	}
	if m.announce != nil {
		if annID, err := m.announce.PostAnnouncement(ctx, s); err != nil {
			m.log.Warn("announcement post failed", logx.String("session", s.ID), logx.Err(err))
		} else if annID != "" {
			if s2, err := m.repo.UpdateSession(ctx, s.ID, Update{AnnouncementID: &annID}); err != nil {
				m.log.Warn("announcement id write-back failed", logx.String("session", s.ID), logx.Err(err))
			} else {
				s = s2
			}
		}
	}

	m.sched.ScheduleSessionTasks(s.ID, s.ScheduledAt)
	m.publish(EvCreated, s, "")
	m.log.Info("session created",
		logx.String("session", s.ID),
		logx.String("group", s.GroupID),
		logx.String("name", s.Name),
		logx.Time("at", s.ScheduledAt))
	return s, nil
}

// ContinueParams starts a follow-up session carrying over the prior roster.
type ContinueParams struct {
	When     time.Time
	Timezone string
	Creator  PartyMember
}

// Continue creates a new session named after the prior one ("Name" ->
// "Name [2]") and copies over its non-GM members, minus the new creator.
// Carried-over members are re-validated against the new date; conflicting
// members are dropped and logged rather than failing the whole creation.
func (m *Manager) Continue(ctx context.Context, priorID string, p ContinueParams) (*Session, error) {
	prior, err := m.repo.GetSession(ctx, priorID)
	if err != nil {
		return nil, err
	}

	s, err := m.Create(ctx, CreateParams{
		GroupID:  prior.GroupID,
		Name:     NextName(prior.Name),
		When:     p.When,
		Timezone: p.Timezone,
		Creator:  p.Creator,
	})
	if err != nil {
		return nil, err
	}

	carried := 0
	for _, pm := range prior.Roster {
		if pm.Role == RoleGameMaster || pm.UserID == p.Creator.UserID {
			continue
		}
		if ok, why := m.carryoverAllowed(ctx, s, pm); !ok {
			m.log.Info("carried-over member dropped",
				logx.String("session", s.ID),
				logx.String("user", pm.UserID),
				logx.String("reason", why))
			continue
		}
		pm.JoinedAt = m.now()
		if err := m.repo.UpsertRosterMember(ctx, s.ID, pm); err != nil {
			m.log.Warn("carried-over member insert failed",
				logx.String("session", s.ID),
				logx.String("user", pm.UserID),
				logx.Err(err))
			continue
		}
		carried++
	}

	if carried > 0 {
		if s2, err := m.repo.GetSession(ctx, s.ID); err == nil {
			s = s2
		}
		m.updateAnnouncement(ctx, s, "")
		m.publish(EvRoster, s, "")
	}
	return s, nil
}

func (m *Manager) carryoverAllowed(ctx context.Context, s *Session, pm PartyMember) (bool, string) {
	busy, err := m.repo.IsUserInActiveSession(ctx, pm.UserID, s.ID)
	if err != nil {
		return false, "exclusivity check failed: " + err.Error()
	}
	if busy {
		return false, "already in another active session"
	}
	hosting, err := m.repo.IsUserHostingOnDate(ctx, pm.UserID, s.ScheduledAt, s.GroupID, s.Timezone, s.ID)
	if err != nil {
		return false, "hosting check failed: " + err.Error()
	}
	if hosting {
		return false, "hosting another session that day"
	}
	return true, ""
}

// ModifyParams updates name and/or schedule of a SCHEDULED session.
type ModifyParams struct {
	Name *string
	When *time.Time
}

// Modify renames and/or reschedules. A date change re-runs the same-day
// validity checks for the GM and reinstalls the timers.
func (m *Manager) Modify(ctx context.Context, id string, p ModifyParams) (*Session, error) {
	s, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusScheduled {
		return nil, Validationf("only scheduled sessions can be modified")
	}

	upd := Update{}
	if p.Name != nil {
		if strings.TrimSpace(*p.Name) == "" {
			return nil, Validationf("a session name is required")
		}
		upd.Name = p.Name
	}
	rescheduled := false
	if p.When != nil {
		when := *p.When
		if !when.After(m.now()) {
			return nil, Validationf("the session date must be in the future")
		}
		gm, ok := s.GameMaster()
		if !ok {
			return nil, fmt.Errorf("session %s has no game master", s.ID)
		}
		hosting, err := m.repo.IsUserHostingOnDate(ctx, gm.UserID, when, s.GroupID, s.Timezone, s.ID)
		if err != nil {
			return nil, fmt.Errorf("hosting conflict check: %w", err)
		}
		if hosting {
			return nil, Validationf("you are already hosting a session on that day")
		}
		memberElsewhere, err := m.repo.IsUserMemberOnDate(ctx, gm.UserID, when, s.GroupID, s.Timezone, s.ID)
		if err != nil {
			return nil, fmt.Errorf("membership conflict check: %w", err)
		}
		if memberElsewhere {
			return nil, Validationf("you are already in a party on that day")
		}
		upd.ScheduledAt = &when
		rescheduled = true
	}

	if upd.Name == nil && upd.ScheduledAt == nil {
		return s, nil
	}

	s, err = m.repo.UpdateSession(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	if rescheduled {
		m.sched.ScheduleSessionTasks(s.ID, s.ScheduledAt)
	}
	m.updateAnnouncement(ctx, s, "")
	m.publish(EvModified, s, "")
	m.log.Info("session modified", logx.String("session", s.ID), logx.Bool("rescheduled", rescheduled))
	return s, nil
}

// Cancel tears a session down: timers first, then the authoritative status
// write, then best-effort externals (calendar, announcement, member
// notifications), and finally record deletion. Notification failures never
// block deletion.
func (m *Manager) Cancel(ctx context.Context, id, reason string) error {
	s, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == StatusCanceled || s.Status == StatusCompleted {
		return Validationf("the session is already %s", s.Status)
	}

	m.sched.CancelSessionTasks(id)

	st := StatusCanceled
	s, err = m.repo.UpdateSession(ctx, id, Update{Status: &st})
	if err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}

	if m.calendar != nil && s.CalendarEventID != "" {
		if err := m.calendar.DeleteEvent(ctx, s.CalendarEventID); err != nil {
			m.log.Warn("calendar event delete failed", logx.String("session", id), logx.Err(err))
		}
	}
	m.updateAnnouncement(ctx, s, reason)
	m.notifyRoster(ctx, s, reason)
	m.removeChannel(ctx, s.ID)

	// Terminal cleanup happens only after the notification attempts above.
	if err := m.repo.DeleteSession(ctx, id); err != nil {
		m.log.Warn("session record delete failed", logx.String("session", id), logx.Err(err))
	}
	m.dropLock(id)

	m.publish(EvCanceled, s, reason)
	m.log.Info("session canceled", logx.String("session", id), logx.String("reason", reason))
	return nil
}

// End marks the session completed. Permission (GM/admin) is checked by the
// command layer.
func (m *Manager) End(ctx context.Context, id string) (*Session, error) {
	s, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := Transition(s.Status, StatusCompleted)
	if err != nil {
		return nil, Validationf("the session is already %s", s.Status)
	}

	m.sched.CancelSessionTasks(id)
	s, err = m.repo.UpdateSession(ctx, id, Update{Status: &next})
	if err != nil {
		return nil, fmt.Errorf("persist completion: %w", err)
	}
	m.dropLock(id)
	m.updateAnnouncement(ctx, s, "")
	m.publish(EvCompleted, s, "")
	m.log.Info("session completed", logx.String("session", id))
	return s, nil
}

// Get returns the session with its roster.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.repo.GetSession(ctx, id)
}

// List returns sessions matching the filter.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Session, error) {
	return m.repo.ListSessions(ctx, f)
}

// CancelSession implements the scheduler's Lifecycle: the timed
// cancellation path runs the full side-effect chain above.
func (m *Manager) CancelSession(ctx context.Context, sessionID, reason string) error {
	return m.Cancel(ctx, sessionID, reason)
}

// ---- internals ----

func (m *Manager) createChannel(ctx context.Context, name string) (string, error) {
	if m.channels != nil {
		return m.channels.CreateSessionChannel(ctx, name)
	}
	if m.newID != nil {
		return m.newID(), nil
	}
	return "", fmt.Errorf("no channel provider and no id generator configured")
}

func (m *Manager) removeChannel(ctx context.Context, id string) {
	if m.channels == nil {
		return
	}
	if err := m.channels.RemoveSessionChannel(ctx, id); err != nil {
		m.log.Warn("session channel remove failed", logx.String("session", id), logx.Err(err))
	}
}

func (m *Manager) updateAnnouncement(ctx context.Context, s *Session, reason string) {
	if m.announce == nil || s.AnnouncementID == "" {
		return
	}
	if err := m.announce.UpdateAnnouncement(ctx, s, reason); err != nil {
		m.log.Warn("announcement update failed", logx.String("session", s.ID), logx.Err(err))
	}
}

func (m *Manager) notifyRoster(ctx context.Context, s *Session, reason string) {
	if m.notify == nil || len(s.Roster) == 0 {
		return
	}
	byAddr := make(map[string]PartyMember, len(s.Roster))
	recipients := make([]string, 0, len(s.Roster))
	for _, pm := range s.Roster {
		if pm.NotifyAddress == "" {
			continue
		}
		byAddr[pm.NotifyAddress] = pm
		recipients = append(recipients, pm.NotifyAddress)
	}
	local := s.LocalStart().Format("Mon Jan 2 15:04 MST")
	name := s.Name
	m.notify.Notify(ctx, recipients, func(recipient string) (string, error) {
		pm := byAddr[recipient]
		return fmt.Sprintf("%s, the session %q on %s was canceled: %s", pm.DisplayName, name, local, reason), nil
	})
}

func (m *Manager) publish(typ string, s *Session, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: eventData(s, reason)})
}

// sessionLock returns the mutation lock for a session, creating it lazily.
func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	return mu
}

func (m *Manager) dropLock(id string) {
	m.lmu.Lock()
	delete(m.locks, id)
	m.lmu.Unlock()
}
