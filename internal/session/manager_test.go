package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"questbot/internal/session"
	"questbot/internal/storage"
)

var base = time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)

type fakeSched struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	canceled  []string
}

func newFakeSched() *fakeSched {
	return &fakeSched{scheduled: map[string]time.Time{}}
}

func (f *fakeSched) ScheduleSessionTasks(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[id] = at
}

func (f *fakeSched) CancelSessionTasks(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
}

type env struct {
	repo  *storage.Memory
	sched *fakeSched
	mgr   *session.Manager
	now   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{repo: storage.NewMemory(), sched: newFakeSched(), now: base}
	ids := 0
	e.mgr = session.NewManager(session.ManagerDeps{
		Repo:      e.repo,
		Scheduler: e.sched,
		Now:       func() time.Time { return e.now },
		NewID:     func() string { ids++; return fmt.Sprintf("s-%d", ids) },
	})
	return e
}

func isValidation(err error) bool {
	_, ok := session.IsValidation(err)
	return ok
}

func member(id string) session.PartyMember {
	return session.PartyMember{UserID: id, DisplayName: "user " + id, NotifyAddress: id}
}

func (e *env) create(t *testing.T, name, creator string, when time.Time) *session.Session {
	t.Helper()
	s, err := e.mgr.Create(context.Background(), session.CreateParams{
		GroupID:  "guild",
		Name:     name,
		When:     when,
		Timezone: "UTC",
		Creator:  member(creator),
	})
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	return s
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cases := []session.CreateParams{
		{GroupID: "guild", Name: "", When: base.Add(time.Hour), Timezone: "UTC", Creator: member("u1")},
		{GroupID: "", Name: "Quest", When: base.Add(time.Hour), Timezone: "UTC", Creator: member("u1")},
		{GroupID: "guild", Name: "Quest", When: base.Add(-time.Hour), Timezone: "UTC", Creator: member("u1")},
		{GroupID: "guild", Name: "Quest", When: base.Add(time.Hour), Timezone: "Mars/Olympus", Creator: member("u1")},
		{GroupID: "guild", Name: "Quest", When: base.Add(time.Hour), Timezone: "UTC"},
	}
	for i, p := range cases {
		if _, err := e.mgr.Create(ctx, p); !isValidation(err) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
	// Nothing was scheduled for rejected sessions.
	if len(e.sched.scheduled) != 0 {
		t.Fatalf("timers installed for rejected sessions: %v", e.sched.scheduled)
	}
}

func TestCreateSetsUpSession(t *testing.T) {
	e := newEnv(t)
	when := base.Add(48 * time.Hour)
	s := e.create(t, "Dragon Heist", "gm1", when)

	if s.Status != session.StatusScheduled {
		t.Fatalf("status = %s", s.Status)
	}
	gm, ok := s.GameMaster()
	if !ok || gm.UserID != "gm1" {
		t.Fatalf("creator is not the GM: %+v", s.Roster)
	}
	if len(s.Roster) != 1 {
		t.Fatalf("roster size = %d", len(s.Roster))
	}
	if at, ok := e.sched.scheduled[s.ID]; !ok || !at.Equal(when) {
		t.Fatalf("timers not installed for %s at %v", s.ID, when)
	}
}

func TestCreateSameDayHostingConflict(t *testing.T) {
	e := newEnv(t)
	e.create(t, "First", "gm1", base.Add(24*time.Hour))

	_, err := e.mgr.Create(context.Background(), session.CreateParams{
		GroupID: "guild", Name: "Second", When: base.Add(26 * time.Hour), Timezone: "UTC", Creator: member("gm1"),
	})
	if !isValidation(err) {
		t.Fatalf("expected validation error for same-day hosting, got %v", err)
	}

	// A different day is fine.
	e.create(t, "Third", "gm1", base.Add(72*time.Hour))
}

func TestCreateSameDayMembershipConflict(t *testing.T) {
	e := newEnv(t)
	s := e.create(t, "First", "gm1", base.Add(24*time.Hour))

	sel, err := e.mgr.SelectRole(context.Background(), s.ID, session.RoleRequest{
		UserID: "p1", DisplayName: "p1", NotifyAddress: "p1", Role: session.RoleTank,
	})
	if err != nil || sel.Outcome != session.OutcomeAddedToParty {
		t.Fatalf("join: %v %v", sel.Outcome, err)
	}

	_, err = e.mgr.Create(context.Background(), session.CreateParams{
		GroupID: "guild", Name: "Second", When: base.Add(25 * time.Hour), Timezone: "UTC", Creator: member("p1"),
	})
	if !isValidation(err) {
		t.Fatalf("expected validation error for same-day membership, got %v", err)
	}
}

func TestContinueCarriesPartyAndDropsConflicts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	prior := e.create(t, "Quest", "gm1", base.Add(24*time.Hour))
	for _, u := range []string{"p1", "p2", "p3"} {
		pm := member(u)
		pm.Role = session.RoleMage
		if err := e.repo.UpsertRosterMember(ctx, prior.ID, pm); err != nil {
			t.Fatalf("seed roster: %v", err)
		}
	}
	st := session.StatusCompleted
	if _, err := e.repo.UpdateSession(ctx, prior.ID, session.Update{Status: &st}); err != nil {
		t.Fatalf("complete prior: %v", err)
	}

	// p3 hosts a session on the continuation day and must be dropped.
	nextDay := base.Add(6 * 24 * time.Hour)
	e.create(t, "Other", "p3", nextDay.Add(-2*time.Hour))

	s, err := e.mgr.Continue(ctx, prior.ID, session.ContinueParams{
		When: nextDay, Timezone: "UTC", Creator: member("gm1"),
	})
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if s.Name != "Quest [2]" {
		t.Fatalf("name = %q", s.Name)
	}
	if _, ok := s.Member("p1"); !ok {
		t.Error("p1 not carried over")
	}
	if _, ok := s.Member("p2"); !ok {
		t.Error("p2 not carried over")
	}
	if _, ok := s.Member("p3"); ok {
		t.Error("conflicting member p3 was carried over")
	}
	if gm, _ := s.GameMaster(); gm.UserID != "gm1" {
		t.Errorf("GM = %q", gm.UserID)
	}
}

func TestModifyReschedule(t *testing.T) {
	e := newEnv(t)
	s := e.create(t, "Quest", "gm1", base.Add(24*time.Hour))

	when := base.Add(96 * time.Hour)
	s2, err := e.mgr.Modify(context.Background(), s.ID, session.ModifyParams{When: &when})
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if !s2.ScheduledAt.Equal(when) {
		t.Fatalf("ScheduledAt = %v", s2.ScheduledAt)
	}
	if at := e.sched.scheduled[s.ID]; !at.Equal(when) {
		t.Fatalf("timers not reinstalled: %v", at)
	}

	past := base.Add(-time.Hour)
	if _, err := e.mgr.Modify(context.Background(), s.ID, session.ModifyParams{When: &past}); !isValidation(err) {
		t.Fatalf("expected validation error for past date, got %v", err)
	}
}

func TestModifyRejectsNonScheduled(t *testing.T) {
	e := newEnv(t)
	s := e.create(t, "Quest", "gm1", base.Add(24*time.Hour))
	st := session.StatusActive
	if _, err := e.repo.UpdateSession(context.Background(), s.ID, session.Update{Status: &st}); err != nil {
		t.Fatal(err)
	}
	name := "Renamed"
	if _, err := e.mgr.Modify(context.Background(), s.ID, session.ModifyParams{Name: &name}); !isValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCancelRemovesSession(t *testing.T) {
	e := newEnv(t)
	s := e.create(t, "Quest", "gm1", base.Add(24*time.Hour))

	if err := e.mgr.Cancel(context.Background(), s.ID, "no time"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(e.sched.canceled) != 1 || e.sched.canceled[0] != s.ID {
		t.Fatalf("timers not canceled: %v", e.sched.canceled)
	}
	if _, err := e.mgr.Get(context.Background(), s.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("session still present: %v", err)
	}
	// Once gone, cancel again reports not found.
	if err := e.mgr.Cancel(context.Background(), s.ID, "again"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEnd(t *testing.T) {
	e := newEnv(t)
	s := e.create(t, "Quest", "gm1", base.Add(24*time.Hour))

	s2, err := e.mgr.End(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if s2.Status != session.StatusCompleted {
		t.Fatalf("status = %s", s2.Status)
	}
	if _, err := e.mgr.End(context.Background(), s.ID); !isValidation(err) {
		t.Fatalf("expected validation error on double end, got %v", err)
	}
}
