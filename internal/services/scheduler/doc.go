// Package scheduler owns the per-session timer set: one optional reminder
// timer and one optional cancellation-check timer per scheduled session.
//
// Timer state is purely derived: it is never persisted and is rebuilt from
// the repository on startup (InitializeExistingSessions) and by a periodic
// reconcile sweep. Re-scheduling is last-write-wins; each timer generation
// carries a process-unique version that invalidates torn-down callbacks.
package scheduler
