package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"questbot/internal/session"
	logx "questbot/pkg/logx"
)

var base = time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)

// Both backends must satisfy the same contract; the suite runs against each.
func backends(t *testing.T) map[string]session.Repository {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "questbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return map[string]session.Repository{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func testSession(id string, at time.Time) *session.Session {
	return &session.Session{
		ID: id, Name: "Quest " + id, GroupID: "guild",
		ScheduledAt: at, Timezone: "Europe/Berlin", Status: session.StatusScheduled,
		Roster: []session.PartyMember{
			{UserID: "gm-" + id, DisplayName: "GM", NotifyAddress: "gm-" + id, Role: session.RoleGameMaster, JoinedAt: base},
		},
	}
}

func TestRepositoryCRUD(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer repo.Close()
			ctx := context.Background()

			if _, err := repo.GetSession(ctx, "missing"); !errors.Is(err, session.ErrNotFound) {
				t.Fatalf("missing get: %v", err)
			}

			s := testSession("a", base.Add(24*time.Hour))
			s.AnnouncementID = "123:456"
			if err := repo.CreateSession(ctx, s); err != nil {
				t.Fatalf("create: %v", err)
			}

			got, err := repo.GetSession(ctx, "a")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Name != s.Name || got.Timezone != s.Timezone || got.AnnouncementID != s.AnnouncementID {
				t.Fatalf("round trip mismatch: %+v", got)
			}
			if !got.ScheduledAt.Equal(s.ScheduledAt) {
				t.Fatalf("scheduled at = %v, want %v", got.ScheduledAt, s.ScheduledAt)
			}
			if len(got.Roster) != 1 || got.Roster[0].Role != session.RoleGameMaster {
				t.Fatalf("roster = %+v", got.Roster)
			}

			name2 := "Renamed"
			st := session.StatusActive
			when := base.Add(48 * time.Hour)
			upd, err := repo.UpdateSession(ctx, "a", session.Update{Name: &name2, Status: &st, ScheduledAt: &when})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if upd.Name != "Renamed" || upd.Status != session.StatusActive || !upd.ScheduledAt.Equal(when) {
				t.Fatalf("update result: %+v", upd)
			}

			if err := repo.DeleteSession(ctx, "a"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := repo.GetSession(ctx, "a"); !errors.Is(err, session.ErrNotFound) {
				t.Fatalf("get after delete: %v", err)
			}
		})
	}
}

func TestRepositoryListFilter(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer repo.Close()
			ctx := context.Background()

			a := testSession("a", base.Add(24*time.Hour))
			b := testSession("b", base.Add(48*time.Hour))
			b.Status = session.StatusActive
			c := testSession("c", base.Add(72*time.Hour))
			c.GroupID = "other"
			for _, s := range []*session.Session{a, b, c} {
				if err := repo.CreateSession(ctx, s); err != nil {
					t.Fatal(err)
				}
			}

			got, err := repo.ListSessions(ctx, session.Filter{GroupID: "guild"})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 {
				t.Fatalf("group filter: %d sessions", len(got))
			}

			got, err = repo.ListSessions(ctx, session.Filter{Statuses: []session.Status{session.StatusActive}})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].ID != "b" {
				t.Fatalf("status filter: %+v", got)
			}

			got, err = repo.ListSessions(ctx, session.Filter{UserID: "gm-a"})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].ID != "a" {
				t.Fatalf("user filter: %+v", got)
			}
		})
	}
}

func TestRepositoryRosterCapacity(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer repo.Close()
			ctx := context.Background()

			s := testSession("a", base.Add(24*time.Hour))
			if err := repo.CreateSession(ctx, s); err != nil {
				t.Fatal(err)
			}

			for i := 1; i < session.Capacity; i++ {
				err := repo.UpsertRosterMember(ctx, "a", session.PartyMember{
					UserID: fmt.Sprintf("p%d", i), DisplayName: "p", NotifyAddress: "p", Role: session.RoleMage, JoinedAt: base,
				})
				if err != nil {
					t.Fatalf("insert %d: %v", i, err)
				}
			}
			err := repo.UpsertRosterMember(ctx, "a", session.PartyMember{UserID: "overflow", Role: session.RoleTank})
			if !errors.Is(err, session.ErrPartyFull) {
				t.Fatalf("overflow insert: %v", err)
			}

			// Role updates still work at capacity.
			if err := repo.UpsertRosterMember(ctx, "a", session.PartyMember{UserID: "p1", Role: session.RoleRogue}); err != nil {
				t.Fatalf("role update at capacity: %v", err)
			}
			got, err := repo.GetSession(ctx, "a")
			if err != nil {
				t.Fatal(err)
			}
			if pm, ok := got.Member("p1"); !ok || pm.Role != session.RoleRogue {
				t.Fatalf("role update lost: %+v", pm)
			}

			// Removal frees a slot.
			if err := repo.RemoveRosterMember(ctx, "a", "p2"); err != nil {
				t.Fatal(err)
			}
			if err := repo.UpsertRosterMember(ctx, "a", session.PartyMember{UserID: "overflow", Role: session.RoleTank, JoinedAt: base}); err != nil {
				t.Fatalf("insert after removal: %v", err)
			}
		})
	}
}

func TestRepositoryConflictQueries(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer repo.Close()
			ctx := context.Background()

			// Late evening in Berlin is already the next day in UTC; the
			// day comparison must follow the session timezone.
			at := time.Date(2026, 9, 11, 23, 30, 0, 0, mustLoc(t, "Europe/Berlin"))
			s := testSession("a", at)
			if err := repo.CreateSession(ctx, s); err != nil {
				t.Fatal(err)
			}
			if err := repo.UpsertRosterMember(ctx, "a", session.PartyMember{
				UserID: "p1", DisplayName: "p", NotifyAddress: "p1", Role: session.RoleMage, JoinedAt: base,
			}); err != nil {
				t.Fatal(err)
			}

			sameDay := time.Date(2026, 9, 11, 10, 0, 0, 0, mustLoc(t, "Europe/Berlin"))
			hosting, err := repo.IsUserHostingOnDate(ctx, "gm-a", sameDay, "guild", "Europe/Berlin", "")
			if err != nil {
				t.Fatal(err)
			}
			if !hosting {
				t.Error("expected hosting conflict on the same local day")
			}
			// Excluding the session itself clears the conflict.
			hosting, err = repo.IsUserHostingOnDate(ctx, "gm-a", sameDay, "guild", "Europe/Berlin", "a")
			if err != nil {
				t.Fatal(err)
			}
			if hosting {
				t.Error("exclusion did not apply")
			}

			member, err := repo.IsUserMemberOnDate(ctx, "p1", sameDay, "guild", "Europe/Berlin", "")
			if err != nil {
				t.Fatal(err)
			}
			if !member {
				t.Error("expected membership conflict on the same local day")
			}
			// The GM does not count as a plain member, nor p1 as a host.
			member, err = repo.IsUserMemberOnDate(ctx, "gm-a", sameDay, "guild", "Europe/Berlin", "")
			if err != nil {
				t.Fatal(err)
			}
			if member {
				t.Error("GM counted as member")
			}
			hosting, err = repo.IsUserHostingOnDate(ctx, "p1", sameDay, "guild", "Europe/Berlin", "")
			if err != nil {
				t.Fatal(err)
			}
			if hosting {
				t.Error("member counted as host")
			}

			otherDay := time.Date(2026, 9, 12, 10, 0, 0, 0, mustLoc(t, "Europe/Berlin"))
			hosting, err = repo.IsUserHostingOnDate(ctx, "gm-a", otherDay, "guild", "Europe/Berlin", "")
			if err != nil {
				t.Fatal(err)
			}
			if hosting {
				t.Error("conflict reported for a different local day")
			}
		})
	}
}

func TestRepositoryActiveExclusivity(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer repo.Close()
			ctx := context.Background()

			a := testSession("a", base.Add(24*time.Hour))
			a.Status = session.StatusActive
			a.Roster = append(a.Roster, session.PartyMember{UserID: "p1", Role: session.RoleMage, JoinedAt: base})
			done := testSession("d", base.Add(24*time.Hour))
			done.Status = session.StatusCompleted
			done.Roster = append(done.Roster, session.PartyMember{UserID: "p2", Role: session.RoleMage, JoinedAt: base})
			for _, s := range []*session.Session{a, done} {
				if err := repo.CreateSession(ctx, s); err != nil {
					t.Fatal(err)
				}
			}

			busy, err := repo.IsUserInActiveSession(ctx, "p1", "")
			if err != nil {
				t.Fatal(err)
			}
			if !busy {
				t.Error("active member not reported busy")
			}
			busy, err = repo.IsUserInActiveSession(ctx, "p1", "a")
			if err != nil {
				t.Fatal(err)
			}
			if busy {
				t.Error("exclusion did not apply")
			}
			busy, err = repo.IsUserInActiveSession(ctx, "p2", "")
			if err != nil {
				t.Fatal(err)
			}
			if busy {
				t.Error("completed-session member reported busy")
			}
		})
	}
}

func TestUpsertRosterMemberConcurrent(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer repo.Close()
			ctx := context.Background()

			s := testSession("a", base.Add(24*time.Hour))
			for i := 1; i < session.Capacity-1; i++ {
				s.Roster = append(s.Roster, session.PartyMember{
					UserID: fmt.Sprintf("p%d", i), DisplayName: "player", Role: session.RoleMage, JoinedAt: base,
				})
			}
			if err := repo.CreateSession(ctx, s); err != nil {
				t.Fatal(err)
			}

			// One free slot, many concurrent inserts: the conditional insert
			// must admit exactly one.
			const racers = 8
			errs := make([]error, racers)
			var wg sync.WaitGroup
			wg.Add(racers)
			for i := 0; i < racers; i++ {
				go func(i int) {
					defer wg.Done()
					errs[i] = repo.UpsertRosterMember(ctx, "a", session.PartyMember{
						UserID: fmt.Sprintf("racer%d", i), DisplayName: "racer", Role: session.RoleTank, JoinedAt: base,
					})
				}(i)
			}
			wg.Wait()

			inserted := 0
			for i, err := range errs {
				switch {
				case err == nil:
					inserted++
				case errors.Is(err, session.ErrPartyFull):
				default:
					t.Errorf("racer%d: %v", i, err)
				}
			}
			if inserted != 1 {
				t.Errorf("inserted = %d, want exactly 1", inserted)
			}
			got, err := repo.GetSession(ctx, "a")
			if err != nil {
				t.Fatal(err)
			}
			if len(got.Roster) != session.Capacity {
				t.Fatalf("roster size = %d, want %d", len(got.Roster), session.Capacity)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}
