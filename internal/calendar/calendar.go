// Package calendar exports sessions as iCalendar event files, the linked
// "external calendar event" of a session. One .ics file per event, named by
// its UID.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"questbot/internal/session"
	logx "questbot/pkg/logx"
)

// Config controls the export target.
type Config struct {
	Dir         string
	EventLength time.Duration // default 4h
}

type Service struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	if cfg.Dir == "" {
		return nil, errors.New("calendar dir is required")
	}
	if cfg.EventLength <= 0 {
		cfg.EventLength = 4 * time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}, nil
}

// CreateEvent writes a VEVENT for the session and returns its UID.
func (s *Service) CreateEvent(ctx context.Context, sess *session.Session) (string, error) {
	uid := uuid.NewString()

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//questbot//EN")

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, sess.Name)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, sess.ScheduledAt)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, sess.ScheduledAt.Add(s.cfg.EventLength))
	ve.Props.SetText(ical.PropDescription, fmt.Sprintf("Tabletop session in group %s", sess.GroupID))
	cal.Children = append(cal.Children, ve)

	f, err := os.Create(s.path(uid))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := ical.NewEncoder(f).Encode(cal); err != nil {
		_ = os.Remove(s.path(uid))
		return "", fmt.Errorf("encode event: %w", err)
	}
	s.log.Debug("calendar event written", logx.String("uid", uid), logx.String("session", sess.ID))
	return uid, nil
}

// DeleteEvent removes the event file. Missing files are fine.
func (s *Service) DeleteEvent(ctx context.Context, eventID string) error {
	err := os.Remove(s.path(eventID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Service) path(uid string) string {
	return filepath.Join(s.cfg.Dir, uid+".ics")
}
