package session

import (
	"context"
	"testing"
	"time"
)

// endRepo is the minimal Repository needed to drive End; the embedded nil
// interface panics on anything else.
type endRepo struct {
	Repository
	s *Session
}

func (r *endRepo) GetSession(context.Context, string) (*Session, error) { return r.s, nil }

func (r *endRepo) UpdateSession(_ context.Context, _ string, upd Update) (*Session, error) {
	if upd.Status != nil {
		r.s.Status = *upd.Status
	}
	return r.s, nil
}

type nopSched struct{}

func (nopSched) ScheduleSessionTasks(string, time.Time) {}
func (nopSched) CancelSessionTasks(string)              {}

func TestSessionLockReusedUntilDropped(t *testing.T) {
	m := NewManager(ManagerDeps{})
	mu := m.sessionLock("a")
	if m.sessionLock("a") != mu {
		t.Fatal("second lookup returned a different mutex")
	}
	m.dropLock("a")
	if m.sessionLock("a") == mu {
		t.Fatal("dropped entry was not replaced")
	}
}

func TestEndDropsSessionLock(t *testing.T) {
	repo := &endRepo{s: &Session{ID: "a", Name: "Quest", Status: StatusScheduled}}
	m := NewManager(ManagerDeps{Repo: repo, Scheduler: nopSched{}})
	m.sessionLock("a")

	if _, err := m.End(context.Background(), "a"); err != nil {
		t.Fatalf("End: %v", err)
	}
	m.lmu.Lock()
	_, kept := m.locks["a"]
	m.lmu.Unlock()
	if kept {
		t.Fatal("lock entry kept after completion")
	}
}
