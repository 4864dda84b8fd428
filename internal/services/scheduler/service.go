package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"questbot/internal/eventbus"
	"questbot/internal/session"
	logx "questbot/pkg/logx"
)

// Config controls timer arithmetic and the reconcile sweep.
type Config struct {
	ReminderLead   time.Duration // before start; default 1h
	CancelLead     time.Duration // before start; default 5m
	ReconcileEvery time.Duration // 0 disables the sweep
	HandlerTimeout time.Duration // per timer callback; default 30s
}

func (c Config) withDefaults() Config {
	if c.ReminderLead <= 0 {
		c.ReminderLead = time.Hour
	}
	if c.CancelLead <= 0 {
		c.CancelLead = 5 * time.Minute
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// Lifecycle is the rich cancellation path, implemented by the session
// manager. Bound after construction to break the dependency cycle.
type Lifecycle interface {
	CancelSession(ctx context.Context, sessionID, reason string) error
}

// sessionTask holds the pending timers of one session. An entry exists only
// while at least one timer is pending.
type sessionTask struct {
	reminder *time.Timer
	cancel   *time.Timer
	ver      uint64
}

// Service is the process-wide session scheduler. Construct exactly one and
// share it; every subsystem that mutates session schedules must go through
// the same timer set.
type Service struct {
	cfg      Config
	repo     session.Repository
	notify   session.Notifier
	announce session.Announcer
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	lcMu      sync.Mutex
	lifecycle Lifecycle

	// tmu guards tasks and seq. Versions come from one process-wide counter,
	// so a callback from a torn-down timer can never match a later
	// generation, and no per-session bookkeeping outlives its task entry.
	tmu   sync.Mutex
	tasks map[string]*sessionTask
	seq   uint64

	runMu     sync.Mutex
	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc
}

// Deps wires the scheduler's collaborators. Now defaults to time.Now.
type Deps struct {
	Repo     session.Repository
	Notifier session.Notifier
	Announce session.Announcer
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

func New(cfg Config, d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		repo:     d.Repo,
		notify:   d.Notifier,
		announce: d.Announce,
		bus:      d.Bus,
		log:      d.Log,
		now:      d.Now,
		tasks:    map[string]*sessionTask{},
	}
}

// BindLifecycle installs the cancellation path. Must be called before any
// timer can fire (i.e. before Start / the first ScheduleSessionTasks).
func (s *Service) BindLifecycle(lc Lifecycle) {
	s.lcMu.Lock()
	s.lifecycle = lc
	s.lcMu.Unlock()
}

// Start launches the periodic reconcile sweep (if configured). Timer
// registration itself needs no Start; ScheduleSessionTasks works from
// construction on.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	if s.cfg.ReconcileEvery > 0 {
		c := cron.New()
		_, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.ReconcileEvery), s.reconcile)
		if err != nil {
			s.log.Error("reconcile schedule register failed", logx.Err(err))
		} else {
			c.Start()
			s.c = c
			s.log.Debug("reconcile sweep enabled", logx.Duration("every", s.cfg.ReconcileEvery))
		}
	}
}

// ScheduleSessionTasks installs the reminder and cancel-check timers for a
// session, tearing down any previous ones first. Calling it twice in a row
// leaves at most one of each timer pending.
func (s *Service) ScheduleSessionTasks(sessionID string, scheduledAt time.Time) {
	s.tmu.Lock()
	s.stopTimersLocked(sessionID)
	s.seq++
	ver := s.seq

	now := s.now()
	t := &sessionTask{ver: ver}

	remindAt := scheduledAt.Add(-s.cfg.ReminderLead)
	if remindAt.After(now) {
		t.reminder = time.AfterFunc(remindAt.Sub(now), func() { s.fireReminder(sessionID, ver) })
	}
	checkAt := scheduledAt.Add(-s.cfg.CancelLead)
	if checkAt.After(now) {
		t.cancel = time.AfterFunc(checkAt.Sub(now), func() { s.fireCancelCheck(sessionID, ver) })
	}

	if t.reminder == nil && t.cancel == nil {
		// Both instants already passed; keep no entry.
		s.tmu.Unlock()
		s.log.Debug("no timers installed, times already passed",
			logx.String("session", sessionID), logx.Time("at", scheduledAt))
		return
	}
	s.tasks[sessionID] = t
	s.tmu.Unlock()

	s.log.Debug("session timers installed",
		logx.String("session", sessionID),
		logx.Bool("reminder", t.reminder != nil),
		logx.Bool("cancel_check", t.cancel != nil),
		logx.Time("at", scheduledAt))
}

// CancelSessionTasks stops and discards both timers for the session.
// Idempotent on repeated calls and unknown ids.
func (s *Service) CancelSessionTasks(sessionID string) {
	s.tmu.Lock()
	removed := s.stopTimersLocked(sessionID)
	s.tmu.Unlock()
	if removed {
		s.log.Debug("session timers canceled", logx.String("session", sessionID))
	}
}

// stopTimersLocked stops pending timers and removes the entry; a callback
// already in flight sees the missing entry (or a newer version) and becomes
// a no-op. Call with tmu held.
func (s *Service) stopTimersLocked(sessionID string) bool {
	t, ok := s.tasks[sessionID]
	if !ok {
		return false
	}
	if t.reminder != nil {
		_ = t.reminder.Stop()
	}
	if t.cancel != nil {
		_ = t.cancel.Stop()
	}
	delete(s.tasks, sessionID)
	return true
}

// InitializeExistingSessions rebuilds the timer map from persisted state.
// This is the sole restart-recovery mechanism: the scheduler never persists
// timer state itself.
func (s *Service) InitializeExistingSessions(ctx context.Context) error {
	list, err := s.repo.ListSessions(ctx, session.Filter{Statuses: []session.Status{session.StatusScheduled}})
	if err != nil {
		return fmt.Errorf("list scheduled sessions: %w", err)
	}
	n := 0
	now := s.now()
	for _, sess := range list {
		if !sess.ScheduledAt.After(now) {
			continue
		}
		s.ScheduleSessionTasks(sess.ID, sess.ScheduledAt)
		n++
	}
	s.log.Info("session timers rehydrated", logx.Int("sessions", n), logx.Int("persisted", len(list)))
	return nil
}

// Shutdown stops every live timer and the reconcile sweep without mutating
// any session state.
func (s *Service) Shutdown() {
	s.runMu.Lock()
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
		s.runCtx = nil
	}
	s.runMu.Unlock()

	s.tmu.Lock()
	for id := range s.tasks {
		s.stopTimersLocked(id)
	}
	s.tmu.Unlock()
	s.log.Info("scheduler stopped")
}

// TaskCount reports how many sessions currently have pending timers.
func (s *Service) TaskCount() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.tasks)
}

// hasTask reports whether a task entry exists for the session.
func (s *Service) hasTask(sessionID string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	_, ok := s.tasks[sessionID]
	return ok
}

// reconcile re-syncs the timer map against the repository: sessions that
// gained a future schedule while we weren't looking get timers, entries
// whose session vanished are dropped. Event-driven scheduling is the
// primary mechanism; this sweep is the safety net behind it.
func (s *Service) reconcile() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in reconcile sweep", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	ctx, cancel := s.handlerCtx()
	defer cancel()

	list, err := s.repo.ListSessions(ctx, session.Filter{Statuses: []session.Status{session.StatusScheduled}})
	if err != nil {
		s.log.Warn("reconcile list failed", logx.Err(err))
		return
	}
	alive := map[string]bool{}
	now := s.now()
	added := 0
	for _, sess := range list {
		if !sess.ScheduledAt.After(now) {
			continue
		}
		alive[sess.ID] = true
		if !s.hasTask(sess.ID) {
			s.ScheduleSessionTasks(sess.ID, sess.ScheduledAt)
			added++
		}
	}

	s.tmu.Lock()
	var stale []string
	for id := range s.tasks {
		if !alive[id] {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		s.stopTimersLocked(id)
	}
	s.tmu.Unlock()

	if added > 0 || len(stale) > 0 {
		s.log.Info("reconcile sweep adjusted timers", logx.Int("added", added), logx.Int("dropped", len(stale)))
	}
}

func (s *Service) handlerCtx() (context.Context, context.CancelFunc) {
	s.runMu.Lock()
	parent := s.runCtx
	s.runMu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, s.cfg.HandlerTimeout)
}
