package session

import (
	"context"
	"errors"
	"fmt"

	logx "questbot/pkg/logx"
)

// RoleRequest is one press of a role button.
type RoleRequest struct {
	UserID        string
	DisplayName   string
	NotifyAddress string
	Role          Role
}

// SelectRole applies a role-selection request against the session roster.
//
// The decision order is load-bearing; first match wins:
//
//  1. session no longer SCHEDULED          -> locked
//  2. start time passed                    -> expired
//  3. GM slot requested                    -> invalid
//  4. requester already in roster          -> GM: invalid; else toggle off / change role
//  5. requester in another active session  -> already_in_session
//  6. requester hosts same-day session     -> hosting_same_day
//  7. roster at capacity                   -> party_full
//  8. insert                               -> added_to_party
//
// The per-session lock serializes the read-decide-write sequence; the
// repository's conditional insert closes the remaining window against
// overfill.
func (m *Manager) SelectRole(ctx context.Context, sessionID string, req RoleRequest) (RoleSelection, error) {
	if !req.Role.Valid() {
		return RoleSelection{Outcome: OutcomeInvalid}, nil
	}

	mu := m.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return RoleSelection{}, err
	}

	if s.Status != StatusScheduled {
		return RoleSelection{Outcome: OutcomeLocked}, nil
	}
	if !s.ScheduledAt.After(m.now()) {
		return RoleSelection{Outcome: OutcomeExpired}, nil
	}
	if req.Role == RoleGameMaster {
		return RoleSelection{Outcome: OutcomeInvalid}, nil
	}

	if cur, ok := s.Member(req.UserID); ok {
		if cur.Role == RoleGameMaster {
			// The GM slot is fixed at creation; the host can neither demote
			// nor remove themselves through the role buttons.
			return RoleSelection{Outcome: OutcomeInvalid}, nil
		}
		if cur.Role == req.Role {
			// Same button twice: leave the party.
			if err := m.repo.RemoveRosterMember(ctx, sessionID, req.UserID); err != nil {
				return RoleSelection{}, fmt.Errorf("remove roster member: %w", err)
			}
			m.afterRosterChange(ctx, sessionID)
			return RoleSelection{Outcome: OutcomeRemovedFromParty, Member: cur}, nil
		}
		cur.Role = req.Role
		if err := m.repo.UpsertRosterMember(ctx, sessionID, cur); err != nil {
			return RoleSelection{}, fmt.Errorf("update roster role: %w", err)
		}
		m.afterRosterChange(ctx, sessionID)
		return RoleSelection{Outcome: OutcomeRoleChanged, Member: cur}, nil
	}

	busy, err := m.repo.IsUserInActiveSession(ctx, req.UserID, sessionID)
	if err != nil {
		return RoleSelection{}, fmt.Errorf("exclusivity check: %w", err)
	}
	if busy {
		return RoleSelection{Outcome: OutcomeAlreadyInSession}, nil
	}

	hosting, err := m.repo.IsUserHostingOnDate(ctx, req.UserID, s.ScheduledAt, s.GroupID, s.Timezone, sessionID)
	if err != nil {
		return RoleSelection{}, fmt.Errorf("hosting check: %w", err)
	}
	if hosting {
		return RoleSelection{Outcome: OutcomeHostingSameDay}, nil
	}

	if s.Full() {
		return RoleSelection{Outcome: OutcomePartyFull}, nil
	}

	nm := PartyMember{
		UserID:        req.UserID,
		DisplayName:   req.DisplayName,
		NotifyAddress: req.NotifyAddress,
		Role:          req.Role,
		JoinedAt:      m.now(),
	}
	if err := m.repo.UpsertRosterMember(ctx, sessionID, nm); err != nil {
		if errors.Is(err, ErrPartyFull) {
			// Lost the race against a concurrent join.
			return RoleSelection{Outcome: OutcomePartyFull}, nil
		}
		return RoleSelection{}, fmt.Errorf("insert roster member: %w", err)
	}
	m.afterRosterChange(ctx, sessionID)
	return RoleSelection{Outcome: OutcomeAddedToParty, Member: nm}, nil
}

// afterRosterChange refreshes the announcement and publishes the roster
// event. Failures here are cosmetic.
func (m *Manager) afterRosterChange(ctx context.Context, sessionID string) {
	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		m.log.Debug("roster refresh failed", logx.String("session", sessionID), logx.Err(err))
		return
	}
	m.updateAnnouncement(ctx, s, "")
	m.publish(EvRoster, s, "")
}
