package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"questbot/internal/session"
	logx "questbot/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	group_id          TEXT NOT NULL,
	scheduled_at      TEXT NOT NULL,
	timezone          TEXT NOT NULL,
	announcement_id   TEXT NOT NULL DEFAULT '',
	calendar_event_id TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_group ON sessions(group_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS roster (
	session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	user_id        TEXT NOT NULL,
	display_name   TEXT NOT NULL,
	notify_address TEXT NOT NULL DEFAULT '',
	role           TEXT NOT NULL,
	joined_at      TEXT NOT NULL,
	PRIMARY KEY (session_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_roster_user ON roster(user_id);
`

type sqliteRepo struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (session.Repository, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also serializes the roster capacity check.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteRepo{db: db, log: log}, nil
}

func (r *sqliteRepo) Close() error { return r.db.Close() }

func (r *sqliteRepo) CreateSession(ctx context.Context, s *session.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(id, name, group_id, scheduled_at, timezone, announcement_id, calendar_event_id, status)
		 VALUES(?,?,?,?,?,?,?,?)`,
		s.ID, s.Name, s.GroupID, fmtTime(s.ScheduledAt), s.Timezone, s.AnnouncementID, s.CalendarEventID, string(s.Status),
	)
	if err != nil {
		return err
	}
	for _, m := range s.Roster {
		if err := insertMember(ctx, tx, s.ID, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *sqliteRepo) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, group_id, scheduled_at, timezone, announcement_id, calendar_event_id, status
		 FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if s.Roster, err = r.loadRoster(ctx, id); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *sqliteRepo) ListSessions(ctx context.Context, f session.Filter) ([]*session.Session, error) {
	q := `SELECT DISTINCT s.id, s.name, s.group_id, s.scheduled_at, s.timezone, s.announcement_id, s.calendar_event_id, s.status
	      FROM sessions s`
	var args []any
	var where []string
	if f.UserID != "" {
		q += ` JOIN roster r ON r.session_id = s.id`
		where = append(where, "r.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.GroupID != "" {
		where = append(where, "s.group_id = ?")
		args = append(args, f.GroupID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "s.status IN ("+strings.Join(ph, ",")+")")
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY s.scheduled_at"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, s := range out {
		if s.Roster, err = r.loadRoster(ctx, s.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *sqliteRepo) UpdateSession(ctx context.Context, id string, upd session.Update) (*session.Session, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.ScheduledAt != nil {
		add("scheduled_at", fmtTime(*upd.ScheduledAt))
	}
	if upd.Timezone != nil {
		add("timezone", *upd.Timezone)
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.AnnouncementID != nil {
		add("announcement_id", *upd.AnnouncementID)
	}
	if upd.CalendarEventID != nil {
		add("calendar_event_id", *upd.CalendarEventID)
	}
	if len(sets) > 0 {
		args = append(args, id)
		res, err := r.db.ExecContext(ctx, "UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, session.ErrNotFound
		}
	}
	return r.GetSession(ctx, id)
}

func (r *sqliteRepo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	_, _ = r.db.ExecContext(ctx, `DELETE FROM roster WHERE session_id = ?`, id)
	return nil
}

// UpsertRosterMember updates the role in place for an existing member, or
// inserts a new one if the roster has room. The capacity check and insert
// run inside one transaction on the single writer connection, so two
// concurrent joins cannot both pass the check.
func (r *sqliteRepo) UpsertRosterMember(ctx context.Context, sessionID string, m session.PartyMember) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return session.ErrNotFound
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE roster SET role = ? WHERE session_id = ? AND user_id = ?`,
		string(m.Role), sessionID, m.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM roster WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
			return err
		}
		if count >= session.Capacity {
			return session.ErrPartyFull
		}
		if err := insertMember(ctx, tx, sessionID, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *sqliteRepo) RemoveRosterMember(ctx context.Context, sessionID, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM roster WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	return err
}

func (r *sqliteRepo) IsUserInActiveSession(ctx context.Context, userID, excludeSessionID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM roster r JOIN sessions s ON s.id = r.session_id
		 WHERE r.user_id = ? AND s.id != ? AND s.status = 'active'`,
		userID, excludeSessionID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *sqliteRepo) IsUserHostingOnDate(ctx context.Context, userID string, date time.Time, groupID, tz, excludeSessionID string) (bool, error) {
	return r.onDate(ctx, userID, date, groupID, tz, excludeSessionID, true)
}

func (r *sqliteRepo) IsUserMemberOnDate(ctx context.Context, userID string, date time.Time, groupID, tz, excludeSessionID string) (bool, error) {
	return r.onDate(ctx, userID, date, groupID, tz, excludeSessionID, false)
}

// onDate narrows candidates in SQL and does the calendar-day comparison in
// Go, where the IANA zone rules live.
func (r *sqliteRepo) onDate(ctx context.Context, userID string, date time.Time, groupID, tz, excludeSessionID string, asGM bool) (bool, error) {
	roleCond := "r.role = 'gm'"
	if !asGM {
		roleCond = "r.role != 'gm'"
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.scheduled_at FROM sessions s JOIN roster r ON r.session_id = s.id
		 WHERE r.user_id = ? AND s.group_id = ? AND s.id != ?
		   AND s.status IN ('scheduled','active') AND `+roleCond,
		userID, groupID, excludeSessionID)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return false, err
		}
		at, err := parseTime(raw)
		if err != nil {
			r.log.Warn("bad scheduled_at in sessions table", logx.String("value", raw), logx.Err(err))
			continue
		}
		if session.SameCalendarDay(at, date, tz) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var s session.Session
	var at, status string
	err := row.Scan(&s.ID, &s.Name, &s.GroupID, &at, &s.Timezone, &s.AnnouncementID, &s.CalendarEventID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.ScheduledAt, err = parseTime(at); err != nil {
		return nil, fmt.Errorf("parse scheduled_at: %w", err)
	}
	s.Status = session.Status(status)
	return &s, nil
}

func (r *sqliteRepo) loadRoster(ctx context.Context, sessionID string) ([]session.PartyMember, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, display_name, notify_address, role, joined_at
		 FROM roster WHERE session_id = ? ORDER BY joined_at, user_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.PartyMember
	for rows.Next() {
		var m session.PartyMember
		var role, joined string
		if err := rows.Scan(&m.UserID, &m.DisplayName, &m.NotifyAddress, &role, &joined); err != nil {
			return nil, err
		}
		m.Role = session.Role(role)
		if m.JoinedAt, err = parseTime(joined); err != nil {
			return nil, fmt.Errorf("parse joined_at: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func insertMember(ctx context.Context, tx *sql.Tx, sessionID string, m session.PartyMember) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO roster(session_id, user_id, display_name, notify_address, role, joined_at)
		 VALUES(?,?,?,?,?,?)`,
		sessionID, m.UserID, m.DisplayName, m.NotifyAddress, string(m.Role), fmtTime(m.JoinedAt))
	return err
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
