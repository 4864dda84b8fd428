package session

// RoleOutcome is the discriminated result of a role-selection request.
// The manager only returns the tag plus the member acted upon; mapping to
// user-facing text is the transport's job.
type RoleOutcome string

const (
	// OutcomeLocked: the session already left SCHEDULED.
	OutcomeLocked RoleOutcome = "locked"
	// OutcomeExpired: the session start time has passed.
	OutcomeExpired RoleOutcome = "expired"
	// OutcomeInvalid: the GM slot was requested.
	OutcomeInvalid RoleOutcome = "invalid"
	// OutcomeAlreadyInSession: requester belongs to another active session.
	OutcomeAlreadyInSession RoleOutcome = "already_in_session"
	// OutcomeHostingSameDay: requester hosts another session that day.
	OutcomeHostingSameDay RoleOutcome = "hosting_same_day"
	// OutcomePartyFull: roster already at capacity.
	OutcomePartyFull RoleOutcome = "party_full"

	OutcomeAddedToParty     RoleOutcome = "added_to_party"
	OutcomeRemovedFromParty RoleOutcome = "removed_from_party"
	OutcomeRoleChanged      RoleOutcome = "role_changed"
)

// Mutating reports whether the outcome changed the roster.
func (o RoleOutcome) Mutating() bool {
	switch o {
	case OutcomeAddedToParty, OutcomeRemovedFromParty, OutcomeRoleChanged:
		return true
	}
	return false
}

// RoleSelection is the result of Manager.SelectRole.
type RoleSelection struct {
	Outcome RoleOutcome
	// Member is the roster record acted upon (zero for non-mutating outcomes).
	Member PartyMember
}
