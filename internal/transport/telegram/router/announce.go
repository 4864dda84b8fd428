package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"questbot/internal/session"
	kit "questbot/internal/transport"
	logx "questbot/pkg/logx"
)

// Announcer posts and maintains the public announcement message of a
// session in the guild chat. Announcement ids are "chatID:messageID".
type Announcer struct {
	adapter     kit.Adapter
	guildChatID int64
	log         logx.Logger
}

func NewAnnouncer(adapter kit.Adapter, guildChatID int64, log logx.Logger) *Announcer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Announcer{adapter: adapter, guildChatID: guildChatID, log: log}
}

func (a *Announcer) PostAnnouncement(ctx context.Context, s *session.Session) (string, error) {
	opt := &kit.SendOptions{DisablePreview: true}
	if s.Status == session.StatusScheduled {
		opt.ReplyMarkupAdapter = roleKeyboard(s.ID)
	}
	ref, err := a.adapter.SendText(ctx, kit.ChatTarget{ChatID: a.guildChatID}, renderAnnouncement(s, ""), opt)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", ref.ChatID, ref.MessageID), nil
}

func (a *Announcer) UpdateAnnouncement(ctx context.Context, s *session.Session, reason string) error {
	ref, err := parseAnnouncementID(s.AnnouncementID)
	if err != nil {
		return err
	}
	opt := &kit.SendOptions{DisablePreview: true}
	// Role buttons disappear once the roster is locked.
	if s.Status == session.StatusScheduled {
		opt.ReplyMarkupAdapter = roleKeyboard(s.ID)
	}
	return a.adapter.EditText(ctx, ref, renderAnnouncement(s, reason), opt)
}

func parseAnnouncementID(id string) (kit.MessageRef, error) {
	chatStr, msgStr, ok := strings.Cut(id, ":")
	if !ok {
		return kit.MessageRef{}, fmt.Errorf("malformed announcement id %q", id)
	}
	chatID, err := strconv.ParseInt(chatStr, 10, 64)
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("malformed announcement id %q", id)
	}
	msgID, err := strconv.Atoi(msgStr)
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("malformed announcement id %q", id)
	}
	return kit.MessageRef{ChatID: chatID, MessageID: msgID}, nil
}

// roleKeyboard builds the inline role buttons. Callback data is
// "role|<sessionID>|<role>".
func roleKeyboard(sessionID string) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	roles := session.PlayerRoles()
	row := make([]tele.InlineButton, 0, len(roles))
	for _, r := range roles {
		row = append(row, tele.InlineButton{
			Text: roleLabel(r),
			Data: "role|" + sessionID + "|" + string(r),
		})
		if len(row) == 3 {
			rm.InlineKeyboard = append(rm.InlineKeyboard, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rm.InlineKeyboard = append(rm.InlineKeyboard, row)
	}
	return rm
}

func roleLabel(r session.Role) string {
	switch r {
	case session.RoleGameMaster:
		return "Game Master"
	case session.RoleTank:
		return "Tank"
	case session.RoleHealer:
		return "Healer"
	case session.RoleSupport:
		return "Support"
	case session.RoleRanger:
		return "Ranger"
	case session.RoleMage:
		return "Mage"
	case session.RoleRogue:
		return "Rogue"
	default:
		return string(r)
	}
}

func renderAnnouncement(s *session.Session, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n\n", s.Name, s.LocalStart().Format("Monday, Jan 2 2006 at 15:04 MST"))

	switch s.Status {
	case session.StatusScheduled:
		fmt.Fprintf(&b, "Party (%d/%d). Pick a role to join, press it again to leave.\n", len(s.Roster), session.Capacity)
	case session.StatusActive:
		b.WriteString("The party is full and the session is locked in!\n")
	case session.StatusCompleted:
		b.WriteString("This session has ended. Thanks for playing!\n")
	case session.StatusCanceled:
		b.WriteString("This session was canceled")
		if reason != "" {
			b.WriteString(": " + reason)
		}
		b.WriteString("\n")
	}

	if gm, ok := s.GameMaster(); ok {
		fmt.Fprintf(&b, "\n%s: %s\n", roleLabel(session.RoleGameMaster), gm.DisplayName)
	}
	for _, pm := range s.Roster {
		if pm.Role == session.RoleGameMaster {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", roleLabel(pm.Role), pm.DisplayName)
	}
	if s.Status == session.StatusScheduled {
		if open := session.Capacity - len(s.Roster); open > 0 {
			fmt.Fprintf(&b, "\n%d open slot(s) remaining.\n", open)
		}
	}
	return b.String()
}

// Channels maps session channels to forum topics of the guild chat. The
// returned channel id is the topic thread id in decimal; session ids are
// therefore topic ids.
type Channels struct {
	topics      kit.TopicManager
	guildChatID int64
	log         logx.Logger
}

func NewChannels(topics kit.TopicManager, guildChatID int64, log logx.Logger) *Channels {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channels{topics: topics, guildChatID: guildChatID, log: log}
}

func (c *Channels) CreateSessionChannel(ctx context.Context, name string) (string, error) {
	threadID, err := c.topics.CreateTopic(ctx, c.guildChatID, name)
	if err != nil {
		return "", err
	}
	c.log.Debug("session topic created", logx.String("name", name), logx.Int("thread", threadID))
	return strconv.Itoa(threadID), nil
}

func (c *Channels) RemoveSessionChannel(ctx context.Context, channelID string) error {
	threadID, err := strconv.Atoi(channelID)
	if err != nil {
		return fmt.Errorf("malformed channel id %q", channelID)
	}
	return c.topics.DeleteTopic(ctx, c.guildChatID, threadID)
}
