package session

// Event types published on the process bus. Data is always EventData.
const (
	EvCreated   = "session.created"
	EvModified  = "session.modified"
	EvActivated = "session.activated"
	EvCanceled  = "session.canceled"
	EvCompleted = "session.completed"
	EvRoster    = "session.roster_changed"
)

// EventData is the bus payload for session lifecycle events.
type EventData struct {
	SessionID string
	GroupID   string
	Name      string
	Status    Status
	Reason    string // canceled only
	Roster    int
}

// eventData snapshots the fields worth publishing.
func eventData(s *Session, reason string) EventData {
	return EventData{
		SessionID: s.ID,
		GroupID:   s.GroupID,
		Name:      s.Name,
		Status:    s.Status,
		Reason:    reason,
		Roster:    len(s.Roster),
	}
}
