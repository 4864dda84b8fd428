// Package router turns incoming chat updates into session operations:
// slash commands manage the lifecycle, inline role buttons drive party
// signup. It is the only package that renders user-facing text.
package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"questbot/internal/session"
	kit "questbot/internal/transport"
	logx "questbot/pkg/logx"
)

type Config struct {
	GuildChatID     int64
	DefaultTimezone string        // default "UTC"
	HandlerTimeout  time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = "UTC"
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

type Router struct {
	cfg     Config
	adapter kit.Adapter
	mgr     *session.Manager
	log     logx.Logger
}

func New(cfg Config, adapter kit.Adapter, mgr *session.Manager, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{cfg: cfg.withDefaults(), adapter: adapter, mgr: mgr, log: log}
}

// Commands returns the command menu entries for the platform menu.
func (r *Router) Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "newsession", Description: "Schedule a new session: /newsession Name | 2026-01-02 18:00 | Europe/Berlin"},
		{Command: "continuesession", Description: "Schedule a follow-up carrying over the party (run in the session topic)"},
		{Command: "reschedule", Description: "Move the session to a new date (run in the session topic)"},
		{Command: "rename", Description: "Rename the session (run in the session topic)"},
		{Command: "cancelsession", Description: "Cancel the session (run in the session topic)"},
		{Command: "endsession", Description: "Mark the session as played (run in the session topic)"},
		{Command: "sessions", Description: "List upcoming sessions"},
		{Command: "help", Description: "Show usage"},
	}
}

// Run consumes updates until ctx is done. It never returns an error from a
// handler; handler panics are recovered per update.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			r.dispatch(ctx, up)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, up kit.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in update handler",
				logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(hctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(hctx, up.Callback)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, msg *kit.Message) {
	cmd, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	// The bot only serves its configured guild chat plus private chats.
	if msg.IsGroup && r.cfg.GuildChatID != 0 && msg.ChatID != r.cfg.GuildChatID {
		return
	}

	switch cmd {
	case "newsession":
		r.cmdNewSession(ctx, msg, args)
	case "continuesession":
		r.cmdContinueSession(ctx, msg, args)
	case "reschedule":
		r.cmdReschedule(ctx, msg, args)
	case "rename":
		r.cmdRename(ctx, msg, args)
	case "cancelsession":
		r.cmdCancel(ctx, msg, args)
	case "endsession":
		r.cmdEnd(ctx, msg)
	case "sessions":
		r.cmdList(ctx, msg)
	case "help", "start":
		r.cmdHelp(ctx, msg)
	}
}

// handleCallback routes inline-button presses. Role buttons carry
// "role|<sessionID>|<role>".
func (r *Router) handleCallback(ctx context.Context, cb *kit.Callback) {
	parts := strings.Split(cb.Data, "|")
	if len(parts) != 3 || parts[0] != "role" {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	sessionID, role := parts[1], session.Role(parts[2])

	sel, err := r.mgr.SelectRole(ctx, sessionID, session.RoleRequest{
		UserID:        strconv.FormatInt(cb.FromID, 10),
		DisplayName:   cb.FromName,
		NotifyAddress: strconv.FormatInt(cb.FromID, 10),
		Role:          role,
	})
	if err != nil {
		r.log.Warn("role selection failed",
			logx.String("session", sessionID), logx.Int64("user", cb.FromID), logx.Err(err))
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "Something went wrong, try again.")
		return
	}
	if sel.Outcome.Mutating() {
		r.log.Debug("roster changed",
			logx.String("session", sessionID),
			logx.String("user", sel.Member.UserID),
			logx.String("outcome", string(sel.Outcome)))
	}
	_ = r.adapter.AnswerCallback(ctx, cb.ID, outcomeText(sel, role))
}

func outcomeText(sel session.RoleSelection, role session.Role) string {
	switch sel.Outcome {
	case session.OutcomeAddedToParty:
		return "You joined as " + roleLabel(role) + "."
	case session.OutcomeRemovedFromParty:
		return "You left the party."
	case session.OutcomeRoleChanged:
		return "Your role is now " + roleLabel(role) + "."
	case session.OutcomePartyFull:
		return "The party is already full."
	case session.OutcomeAlreadyInSession:
		return "You are already in a running session."
	case session.OutcomeHostingSameDay:
		return "You are hosting another session that day."
	case session.OutcomeLocked:
		return "Signup is closed for this session."
	case session.OutcomeExpired:
		return "This session has already started."
	case session.OutcomeInvalid:
		return "That role cannot be picked."
	default:
		return ""
	}
}

// parseCommand extracts "/cmd arg text" from a message, tolerating the
// "@botname" suffix Telegram appends in groups.
func parseCommand(text string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.Index(head, "@"); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

func (r *Router) reply(ctx context.Context, msg *kit.Message, text string) {
	_, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, text, nil)
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
	}
}
