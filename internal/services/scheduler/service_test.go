package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"questbot/internal/session"
	"questbot/internal/storage"
)

var base = time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu      sync.Mutex
	batches [][]string
	texts   []string
}

func (f *fakeNotifier) Notify(_ context.Context, recipients []string, format func(string) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, recipients)
	for _, r := range recipients {
		if text, err := format(r); err == nil {
			f.texts = append(f.texts, text)
		}
	}
}

type fakeLifecycle struct {
	mu     sync.Mutex
	calls  []string
	reason string
	err    error
}

func (f *fakeLifecycle) CancelSession(_ context.Context, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID)
	f.reason = reason
	return f.err
}

func newService(t *testing.T, repo session.Repository, notif session.Notifier) *Service {
	t.Helper()
	return New(Config{}, Deps{
		Repo:     repo,
		Notifier: notif,
		Now:      func() time.Time { return base },
	})
}

func seedSession(t *testing.T, repo session.Repository, id string, at time.Time, st session.Status, members int) *session.Session {
	t.Helper()
	s := &session.Session{
		ID: id, Name: "Quest " + id, GroupID: "guild",
		ScheduledAt: at, Timezone: "UTC", Status: st,
		Roster: []session.PartyMember{{UserID: "gm-" + id, DisplayName: "GM", NotifyAddress: "gm-" + id, Role: session.RoleGameMaster}},
	}
	for i := 1; i < members; i++ {
		s.Roster = append(s.Roster, session.PartyMember{
			UserID:        fmt.Sprintf("%s-p%d", id, i),
			DisplayName:   fmt.Sprintf("player %d", i),
			NotifyAddress: fmt.Sprintf("%s-p%d", id, i),
			Role:          session.RoleMage,
		})
	}
	if err := repo.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	return s
}

func TestScheduleSessionTasks(t *testing.T) {
	s := newService(t, storage.NewMemory(), nil)

	// Both instants in the future: entry with both timers.
	s.ScheduleSessionTasks("a", base.Add(2*time.Hour))
	if !s.hasTask("a") || s.TaskCount() != 1 {
		t.Fatalf("expected one task entry, got %d", s.TaskCount())
	}
	s.tmu.Lock()
	ta := s.tasks["a"]
	s.tmu.Unlock()
	if ta.reminder == nil || ta.cancel == nil {
		t.Fatalf("expected both timers, got reminder=%v cancel=%v", ta.reminder != nil, ta.cancel != nil)
	}

	// Reminder instant already passed, cancel check still ahead.
	s.ScheduleSessionTasks("b", base.Add(30*time.Minute))
	s.tmu.Lock()
	tb := s.tasks["b"]
	s.tmu.Unlock()
	if tb.reminder != nil || tb.cancel == nil {
		t.Fatalf("expected cancel-only timers, got reminder=%v cancel=%v", tb.reminder != nil, tb.cancel != nil)
	}

	// Both instants passed: no entry at all.
	s.ScheduleSessionTasks("c", base.Add(-time.Minute))
	if s.hasTask("c") {
		t.Fatal("entry installed for a session in the past")
	}
	s.Shutdown()
}

func TestScheduleSessionTasksLastWriteWins(t *testing.T) {
	s := newService(t, storage.NewMemory(), nil)
	defer s.Shutdown()

	s.ScheduleSessionTasks("a", base.Add(2*time.Hour))
	s.ScheduleSessionTasks("a", base.Add(3*time.Hour))
	if s.TaskCount() != 1 {
		t.Fatalf("task count = %d after reschedule", s.TaskCount())
	}
	// Callbacks armed by the first call are stale, the second call's are live.
	if !s.staleCallback("a", 1) {
		t.Error("version 1 callback should be stale")
	}
	if s.staleCallback("a", 2) {
		t.Error("version 2 callback should be live")
	}
}

func TestCancelSessionTasksIdempotent(t *testing.T) {
	s := newService(t, storage.NewMemory(), nil)
	defer s.Shutdown()

	s.CancelSessionTasks("missing")

	s.ScheduleSessionTasks("a", base.Add(2*time.Hour))
	s.CancelSessionTasks("a")
	if s.TaskCount() != 0 {
		t.Fatalf("task count = %d after cancel", s.TaskCount())
	}
	s.CancelSessionTasks("a")
}

func TestCancelAndRescheduleNeverReissuesVersions(t *testing.T) {
	s := newService(t, storage.NewMemory(), nil)
	defer s.Shutdown()

	s.ScheduleSessionTasks("a", base.Add(2*time.Hour))
	s.CancelSessionTasks("a")
	s.ScheduleSessionTasks("a", base.Add(3*time.Hour))

	// A callback armed before the cancel must stay stale after the
	// reschedule; versions are never handed out twice for one session.
	if !s.staleCallback("a", 1) {
		t.Error("torn-down callback matched the new timer generation")
	}
	if s.staleCallback("a", 2) {
		t.Error("current callback reported stale")
	}

	// Teardown leaves no per-session bookkeeping behind.
	s.CancelSessionTasks("a")
	if s.TaskCount() != 0 {
		t.Fatalf("task count = %d after teardown", s.TaskCount())
	}
}

func TestInitializeExistingSessions(t *testing.T) {
	repo := storage.NewMemory()
	seedSession(t, repo, "future1", base.Add(24*time.Hour), session.StatusScheduled, 2)
	seedSession(t, repo, "future2", base.Add(48*time.Hour), session.StatusScheduled, 2)
	seedSession(t, repo, "past", base.Add(-time.Hour), session.StatusScheduled, 2)
	seedSession(t, repo, "done", base.Add(24*time.Hour), session.StatusCompleted, 2)

	s := newService(t, repo, nil)
	defer s.Shutdown()
	if err := s.InitializeExistingSessions(context.Background()); err != nil {
		t.Fatalf("InitializeExistingSessions: %v", err)
	}
	if s.TaskCount() != 2 {
		t.Fatalf("rehydrated %d sessions, want 2", s.TaskCount())
	}
	if !s.hasTask("future1") || !s.hasTask("future2") {
		t.Fatal("future sessions missing from timer map")
	}
	if s.hasTask("past") || s.hasTask("done") {
		t.Fatal("stale sessions present in timer map")
	}
}

func TestRunCancelCheckActivatesFullParty(t *testing.T) {
	repo := storage.NewMemory()
	seedSession(t, repo, "full", base.Add(time.Hour), session.StatusScheduled, session.Capacity)

	s := newService(t, repo, nil)
	defer s.Shutdown()
	s.runCancelCheck(context.Background(), "full")

	got, err := repo.GetSession(context.Background(), "full")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
}

func TestRunCancelCheckCancelsUnderfilled(t *testing.T) {
	repo := storage.NewMemory()
	seedSession(t, repo, "small", base.Add(time.Hour), session.StatusScheduled, 3)

	s := newService(t, repo, nil)
	defer s.Shutdown()
	lc := &fakeLifecycle{}
	s.BindLifecycle(lc)

	s.runCancelCheck(context.Background(), "small")
	if len(lc.calls) != 1 || lc.calls[0] != "small" {
		t.Fatalf("lifecycle calls = %v", lc.calls)
	}
	if !strings.Contains(lc.reason, "3 of 6") {
		t.Fatalf("reason = %q", lc.reason)
	}
	// The rich path succeeded; no forced status write happened.
	got, err := repo.GetSession(context.Background(), "small")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusScheduled {
		t.Fatalf("status = %s, lifecycle owns the write", got.Status)
	}
}

func TestRunCancelCheckForcesStatusOnLifecycleFailure(t *testing.T) {
	repo := storage.NewMemory()
	seedSession(t, repo, "stuck", base.Add(time.Hour), session.StatusScheduled, 2)

	s := newService(t, repo, nil)
	defer s.Shutdown()
	s.BindLifecycle(&fakeLifecycle{err: errors.New("announcement edit failed")})

	s.runCancelCheck(context.Background(), "stuck")
	got, err := repo.GetSession(context.Background(), "stuck")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusCanceled {
		t.Fatalf("status = %s, want forced canceled", got.Status)
	}
}

func TestRunCancelCheckSkipsNonScheduled(t *testing.T) {
	repo := storage.NewMemory()
	seedSession(t, repo, "done", base.Add(time.Hour), session.StatusActive, 2)

	s := newService(t, repo, nil)
	defer s.Shutdown()
	lc := &fakeLifecycle{}
	s.BindLifecycle(lc)

	s.runCancelCheck(context.Background(), "done")
	if len(lc.calls) != 0 {
		t.Fatalf("lifecycle called for non-scheduled session: %v", lc.calls)
	}
	// A vanished session is a quiet no-op as well.
	s.runCancelCheck(context.Background(), "missing")
}

func TestRunReminderNotifiesRoster(t *testing.T) {
	repo := storage.NewMemory()
	// One member without an address is skipped.
	err := repo.CreateSession(context.Background(), &session.Session{
		ID: "r1", Name: "Quest r1", GroupID: "guild",
		ScheduledAt: base.Add(time.Hour), Timezone: "UTC", Status: session.StatusScheduled,
		Roster: []session.PartyMember{
			{UserID: "gm", DisplayName: "GM", NotifyAddress: "gm", Role: session.RoleGameMaster},
			{UserID: "p1", DisplayName: "player 1", NotifyAddress: "p1", Role: session.RoleMage},
			{UserID: "p2", DisplayName: "player 2", Role: session.RoleTank},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	notif := &fakeNotifier{}
	s := newService(t, repo, notif)
	defer s.Shutdown()
	s.runReminder(context.Background(), "r1")

	if len(notif.batches) != 1 {
		t.Fatalf("batches = %d", len(notif.batches))
	}
	if got := len(notif.batches[0]); got != 2 {
		t.Fatalf("recipients = %d, want 2", got)
	}
	for _, text := range notif.texts {
		if !strings.Contains(text, "Quest r1") {
			t.Fatalf("reminder text missing session name: %q", text)
		}
	}
}

func TestRunReminderSkipsNonScheduled(t *testing.T) {
	repo := storage.NewMemory()
	seedSession(t, repo, "locked", base.Add(time.Hour), session.StatusActive, 3)

	notif := &fakeNotifier{}
	s := newService(t, repo, notif)
	defer s.Shutdown()
	s.runReminder(context.Background(), "locked")
	s.runReminder(context.Background(), "missing")

	if len(notif.batches) != 0 {
		t.Fatalf("reminders sent for non-scheduled session: %v", notif.batches)
	}
}

func TestReconcileAddsAndDrops(t *testing.T) {
	repo := storage.NewMemory()
	seedSession(t, repo, "new", base.Add(24*time.Hour), session.StatusScheduled, 2)

	s := newService(t, repo, nil)
	defer s.Shutdown()
	// A timer entry whose session no longer exists.
	s.ScheduleSessionTasks("gone", base.Add(24*time.Hour))

	s.reconcile()
	if !s.hasTask("new") {
		t.Fatal("reconcile did not pick up the new session")
	}
	if s.hasTask("gone") {
		t.Fatal("reconcile kept a timer for a vanished session")
	}
}
