package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"questbot/internal/eventbus"
	"questbot/internal/session"
	logx "questbot/pkg/logx"
)

// fireReminder is the reminder timer callback. A version mismatch means the
// timer set was torn down or replaced after this timer was armed.
func (s *Service) fireReminder(sessionID string, ver uint64) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in reminder handler",
				logx.String("session", sessionID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if s.staleCallback(sessionID, ver) {
		return
	}
	// Clear the reminder slot whatever happens; a failed reminder is not
	// retried.
	defer s.clearReminder(sessionID, ver)

	ctx, cancel := s.handlerCtx()
	defer cancel()
	s.runReminder(ctx, sessionID)
}

// runReminder re-fetches fresh state and DMs every roster member. A session
// deleted since scheduling is logged and skipped, never an error.
func (s *Service) runReminder(ctx context.Context, sessionID string) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.log.Debug("reminder fired for missing session", logx.String("session", sessionID))
		} else {
			s.log.Warn("reminder session fetch failed", logx.String("session", sessionID), logx.Err(err))
		}
		return
	}
	if sess.Status != session.StatusScheduled {
		s.log.Debug("reminder skipped, session no longer scheduled",
			logx.String("session", sessionID), logx.String("status", string(sess.Status)))
		return
	}
	if s.notify == nil {
		return
	}

	byAddr := make(map[string]session.PartyMember, len(sess.Roster))
	recipients := make([]string, 0, len(sess.Roster))
	for _, m := range sess.Roster {
		if m.NotifyAddress == "" {
			continue
		}
		byAddr[m.NotifyAddress] = m
		recipients = append(recipients, m.NotifyAddress)
	}
	name := sess.Name
	local := sess.LocalStart().Format("15:04 MST")
	s.notify.Notify(ctx, recipients, func(recipient string) (string, error) {
		m := byAddr[recipient]
		return fmt.Sprintf("%s, your session %q starts at %s. Gather your dice!", m.DisplayName, name, local), nil
	})
	s.log.Info("reminders dispatched", logx.String("session", sessionID), logx.Int("recipients", len(recipients)))
}

// fireCancelCheck is the cancellation-check timer callback. It never
// reschedules itself; the task entry is removed regardless of outcome.
func (s *Service) fireCancelCheck(sessionID string, ver uint64) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in cancel-check handler",
				logx.String("session", sessionID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if s.staleCallback(sessionID, ver) {
		return
	}
	defer s.clearTask(sessionID, ver)

	ctx, cancel := s.handlerCtx()
	defer cancel()
	s.runCancelCheck(ctx, sessionID)
}

// runCancelCheck decides ACTIVE vs CANCELED from fresh repository state.
func (s *Service) runCancelCheck(ctx context.Context, sessionID string) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.log.Debug("cancel check fired for missing session", logx.String("session", sessionID))
		} else {
			s.log.Warn("cancel check session fetch failed", logx.String("session", sessionID), logx.Err(err))
		}
		return
	}
	if sess.Status != session.StatusScheduled {
		return
	}

	if len(sess.Roster) >= session.Capacity {
		s.activate(ctx, sess)
		return
	}

	reason := fmt.Sprintf("only %d of %d party slots were filled", len(sess.Roster), session.Capacity)
	s.lcMu.Lock()
	lc := s.lifecycle
	s.lcMu.Unlock()

	var cancelErr error
	if lc == nil {
		cancelErr = errors.New("no lifecycle bound")
	} else {
		cancelErr = lc.CancelSession(ctx, sessionID, reason)
	}
	if cancelErr != nil {
		// Degraded fallback: the status write must not get stuck in
		// SCHEDULED past start time, even when the rich path failed.
		s.log.Error("cancellation workflow failed, forcing status write",
			logx.String("session", sessionID), logx.Err(cancelErr))
		st := session.StatusCanceled
		if _, err := s.repo.UpdateSession(ctx, sessionID, session.Update{Status: &st}); err != nil {
			s.log.Error("forced cancellation write failed", logx.String("session", sessionID), logx.Err(err))
		}
	}
}

// activate flips a full-roster session to ACTIVE and refreshes the
// announcement.
func (s *Service) activate(ctx context.Context, sess *session.Session) {
	st := session.StatusActive
	updated, err := s.repo.UpdateSession(ctx, sess.ID, session.Update{Status: &st})
	if err != nil {
		s.log.Error("activation write failed", logx.String("session", sess.ID), logx.Err(err))
		return
	}
	if s.announce != nil && updated.AnnouncementID != "" {
		if err := s.announce.UpdateAnnouncement(ctx, updated, ""); err != nil {
			s.log.Warn("activation announcement update failed", logx.String("session", sess.ID), logx.Err(err))
		}
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: session.EvActivated, Data: session.EventData{
			SessionID: updated.ID,
			GroupID:   updated.GroupID,
			Name:      updated.Name,
			Status:    updated.Status,
			Roster:    len(updated.Roster),
		}})
	}
	s.log.Info("session activated, party full", logx.String("session", sess.ID))
}

// ---- task entry bookkeeping ----

func (s *Service) staleCallback(sessionID string, ver uint64) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	t, ok := s.tasks[sessionID]
	return !ok || t.ver != ver
}

// clearReminder empties the reminder slot and prunes the entry when no
// cancellation timer remains.
func (s *Service) clearReminder(sessionID string, ver uint64) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	t, ok := s.tasks[sessionID]
	if !ok || t.ver != ver {
		return
	}
	t.reminder = nil
	if t.cancel == nil {
		delete(s.tasks, sessionID)
	}
}

// clearTask removes the whole entry (the cancel-check timer is the last one
// to fire and never reschedules).
func (s *Service) clearTask(sessionID string, ver uint64) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	t, ok := s.tasks[sessionID]
	if !ok || t.ver != ver {
		return
	}
	if t.reminder != nil {
		_ = t.reminder.Stop()
	}
	delete(s.tasks, sessionID)
}
