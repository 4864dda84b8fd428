package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"questbot/internal/session"
	kit "questbot/internal/transport"
	logx "questbot/pkg/logx"
)

const helpText = `Session commands:

/newsession Name | 2026-01-02 18:00 | Europe/Berlin
    Schedule a session. The timezone is optional.
/continuesession 2026-01-09 18:00
    Schedule the next installment, carrying over the party.
/reschedule 2026-01-03 19:00
    Move the session to a new date.
/rename New name
    Rename the session.
/cancelsession [reason]
    Cancel the session and notify the party.
/endsession
    Mark the session as played.
/sessions
    List upcoming sessions.

Commands that target an existing session must be run inside its topic.
Join a party by pressing a role button under the announcement; press it
again to leave, or press another role to switch.`

func (r *Router) cmdHelp(ctx context.Context, msg *kit.Message) {
	r.reply(ctx, msg, helpText)
}

func (r *Router) cmdNewSession(ctx context.Context, msg *kit.Message, args string) {
	parts := splitFields(args)
	if len(parts) < 2 {
		r.reply(ctx, msg, "Usage: /newsession Name | 2026-01-02 18:00 | Europe/Berlin")
		return
	}
	name := parts[0]
	tz := r.cfg.DefaultTimezone
	if len(parts) >= 3 && parts[2] != "" {
		tz = parts[2]
	}
	when, err := parseWhen(parts[1], tz)
	if err != nil {
		r.reply(ctx, msg, err.Error())
		return
	}

	s, err := r.mgr.Create(ctx, session.CreateParams{
		GroupID:  strconv.FormatInt(msg.ChatID, 10),
		Name:     name,
		When:     when,
		Timezone: tz,
		Creator:  memberFrom(msg),
	})
	if err != nil {
		r.replyErr(ctx, msg, err)
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("%q is scheduled for %s. You are the %s.",
		s.Name, s.LocalStart().Format("Monday, Jan 2 at 15:04 MST"), roleLabel(session.RoleGameMaster)))
}

func (r *Router) cmdContinueSession(ctx context.Context, msg *kit.Message, args string) {
	priorID, ok := r.sessionID(ctx, msg)
	if !ok {
		return
	}
	parts := splitFields(args)
	if len(parts) < 1 || parts[0] == "" {
		r.reply(ctx, msg, "Usage: /continuesession 2026-01-09 18:00 | Europe/Berlin")
		return
	}
	prior, err := r.mgr.Get(ctx, priorID)
	if err != nil {
		r.replyErr(ctx, msg, err)
		return
	}
	tz := prior.Timezone
	if len(parts) >= 2 && parts[1] != "" {
		tz = parts[1]
	}
	when, err := parseWhen(parts[0], tz)
	if err != nil {
		r.reply(ctx, msg, err.Error())
		return
	}

	s, err := r.mgr.Continue(ctx, priorID, session.ContinueParams{
		When:     when,
		Timezone: tz,
		Creator:  memberFrom(msg),
	})
	if err != nil {
		r.replyErr(ctx, msg, err)
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("%q is scheduled for %s with the party carried over.",
		s.Name, s.LocalStart().Format("Monday, Jan 2 at 15:04 MST")))
}

func (r *Router) cmdReschedule(ctx context.Context, msg *kit.Message, args string) {
	s, ok := r.gmSession(ctx, msg)
	if !ok {
		return
	}
	parts := splitFields(args)
	if len(parts) < 1 || parts[0] == "" {
		r.reply(ctx, msg, "Usage: /reschedule 2026-01-03 19:00")
		return
	}
	when, err := parseWhen(parts[0], s.Timezone)
	if err != nil {
		r.reply(ctx, msg, err.Error())
		return
	}
	s, err = r.mgr.Modify(ctx, s.ID, session.ModifyParams{When: &when})
	if err != nil {
		r.replyErr(ctx, msg, err)
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("%q moved to %s. The party will be reminded anew.",
		s.Name, s.LocalStart().Format("Monday, Jan 2 at 15:04 MST")))
}

func (r *Router) cmdRename(ctx context.Context, msg *kit.Message, args string) {
	s, ok := r.gmSession(ctx, msg)
	if !ok {
		return
	}
	name := strings.TrimSpace(args)
	if name == "" {
		r.reply(ctx, msg, "Usage: /rename New name")
		return
	}
	s, err := r.mgr.Modify(ctx, s.ID, session.ModifyParams{Name: &name})
	if err != nil {
		r.replyErr(ctx, msg, err)
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("The session is now called %q.", s.Name))
}

func (r *Router) cmdCancel(ctx context.Context, msg *kit.Message, args string) {
	s, ok := r.gmSession(ctx, msg)
	if !ok {
		return
	}
	reason := strings.TrimSpace(args)
	if reason == "" {
		reason = "canceled by the game master"
	}
	if err := r.mgr.Cancel(ctx, s.ID, reason); err != nil {
		r.replyErr(ctx, msg, err)
		return
	}
	// The topic this was typed in is deleted along with the session, so the
	// confirmation goes to the main chat.
	r.reply(ctx, &kit.Message{ChatID: msg.ChatID}, fmt.Sprintf("%q was canceled: %s", s.Name, reason))
}

func (r *Router) cmdEnd(ctx context.Context, msg *kit.Message) {
	s, ok := r.gmSession(ctx, msg)
	if !ok {
		return
	}
	s, err := r.mgr.End(ctx, s.ID)
	if err != nil {
		r.replyErr(ctx, msg, err)
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("%q is done. Thanks for playing!", s.Name))
}

func (r *Router) cmdList(ctx context.Context, msg *kit.Message) {
	list, err := r.mgr.List(ctx, session.Filter{
		GroupID:  strconv.FormatInt(msg.ChatID, 10),
		Statuses: []session.Status{session.StatusScheduled, session.StatusActive},
	})
	if err != nil {
		r.replyErr(ctx, msg, err)
		return
	}
	if len(list) == 0 {
		r.reply(ctx, msg, "No upcoming sessions. Start one with /newsession.")
		return
	}
	var b strings.Builder
	b.WriteString("Upcoming sessions:\n")
	for _, s := range list {
		fmt.Fprintf(&b, "\n%s (%d/%d) %s",
			s.Name, len(s.Roster), session.Capacity, s.LocalStart().Format("Mon Jan 2 15:04 MST"))
		if s.Status == session.StatusActive {
			b.WriteString(" [locked in]")
		}
	}
	r.reply(ctx, msg, b.String())
}

// ---- helpers ----

// sessionID resolves the session targeted by a topic-scoped command. The
// session id doubles as the topic thread id.
func (r *Router) sessionID(ctx context.Context, msg *kit.Message) (string, bool) {
	if msg.ThreadID == 0 {
		r.reply(ctx, msg, "Run this command inside the session's topic.")
		return "", false
	}
	return strconv.Itoa(msg.ThreadID), true
}

// gmSession loads the topic's session and checks the sender is its GM.
func (r *Router) gmSession(ctx context.Context, msg *kit.Message) (*session.Session, bool) {
	id, ok := r.sessionID(ctx, msg)
	if !ok {
		return nil, false
	}
	s, err := r.mgr.Get(ctx, id)
	if err != nil {
		r.replyErr(ctx, msg, err)
		return nil, false
	}
	gm, ok := s.GameMaster()
	if !ok || gm.UserID != strconv.FormatInt(msg.FromID, 10) {
		r.reply(ctx, msg, "Only the game master can do that.")
		return nil, false
	}
	return s, true
}

func (r *Router) replyErr(ctx context.Context, msg *kit.Message, err error) {
	if reason, ok := session.IsValidation(err); ok {
		r.reply(ctx, msg, capitalize(reason))
		return
	}
	switch {
	case errors.Is(err, session.ErrNotFound):
		r.reply(ctx, msg, "There is no session attached to this topic.")
	default:
		r.log.Warn("command failed", logx.Int64("user", msg.FromID), logx.Err(err))
		r.reply(ctx, msg, "Something went wrong, try again.")
	}
}

func memberFrom(msg *kit.Message) session.PartyMember {
	name := msg.FromName
	if name == "" {
		name = msg.FromUsername
	}
	id := strconv.FormatInt(msg.FromID, 10)
	return session.PartyMember{UserID: id, DisplayName: name, NotifyAddress: id}
}

// splitFields splits "a | b | c" argument lists.
func splitFields(args string) []string {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	raw := strings.Split(args, "|")
	out := make([]string, 0, len(raw))
	for _, f := range raw {
		out = append(out, strings.TrimSpace(f))
	}
	return out
}

var whenLayouts = []string{"2006-01-02 15:04", "2006-01-02T15:04", "02.01.2006 15:04"}

func parseWhen(raw, tz string) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("Unknown timezone %q.", tz)
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range whenLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("Could not read the date %q; use 2026-01-02 18:00.", raw)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
