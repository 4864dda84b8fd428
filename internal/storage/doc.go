// Package storage provides the session.Repository implementations.
//
// Drivers:
//   - "memory": in-process reference implementation (also the test double)
//   - "sqlite": SQLite database file via modernc.org/sqlite
//
// The repository is the source of truth for sessions and rosters; the
// scheduler's timer map is derived state rebuilt from here on restart.
package storage
