package storage

import (
	"errors"
	"strings"
	"time"

	"questbot/internal/session"
	logx "questbot/pkg/logx"
)

// Config configures storage.
//
// If Driver is empty, "memory" is used.
type Config struct {
	Driver      string
	Path        string        // sqlite only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured repository.
func Open(cfg Config, log logx.Logger) (session.Repository, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
