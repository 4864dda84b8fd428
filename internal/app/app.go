// Package app is the composition root: it maps the config file onto the
// services, owns their start/stop order, and runs the config hot-reload
// loop.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"questbot/internal/calendar"
	"questbot/internal/config"
	"questbot/internal/eventbus"
	"questbot/internal/runtime/supervisor"
	"questbot/internal/services/notify"
	"questbot/internal/services/scheduler"
	"questbot/internal/session"
	"questbot/internal/storage"
	kit "questbot/internal/transport"
	telegram "questbot/internal/transport/telegram/adapter"
	"questbot/internal/transport/telegram/router"
	logx "questbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	repo    session.Repository
	adapter kit.Adapter
	sched   *scheduler.Service
	notif   *notify.Service
	mgr     *session.Manager
	rtr     *router.Router

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	repo, err := storage.Open(storCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", storCfg.Driver))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifCfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notify.New(notifCfg, ad, log.With(logx.String("comp", "notify")))

	var cal session.Calendar
	if cfg.Calendar != nil && cfg.Calendar.Enabled {
		length, err := config.ParseDurationOrDefault("calendar.event_length", cfg.Calendar.EventLength, 4*time.Hour)
		if err != nil {
			return nil, err
		}
		c, err := calendar.New(calendar.Config{Dir: cfg.Calendar.Dir, EventLength: length},
			log.With(logx.String("comp", "calendar")))
		if err != nil {
			return nil, err
		}
		cal = c
	}

	guild := cfg.Telegram.GuildChatID
	var announcer session.Announcer
	var channels session.Channels
	if guild != 0 {
		announcer = router.NewAnnouncer(ad, guild, log.With(logx.String("comp", "announce")))
		channels = router.NewChannels(ad, guild, log.With(logx.String("comp", "channels")))
	}

	sched := scheduler.New(schedCfg, scheduler.Deps{
		Repo:     repo,
		Notifier: notif,
		Announce: announcer,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "scheduler")),
	})

	mgr := session.NewManager(session.ManagerDeps{
		Repo:      repo,
		Scheduler: sched,
		Announcer: announcer,
		Notifier:  notif,
		Calendar:  cal,
		Channels:  channels,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "session")),
		NewID:     uuid.NewString,
	})
	sched.BindLifecycle(mgr)

	rtr := router.New(router.Config{
		GuildChatID:     guild,
		DefaultTimezone: cfg.Sessions.DefaultTimezone,
	}, ad, mgr, log.With(logx.String("comp", "router")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		repo:    repo,
		adapter: ad,
		sched:   sched,
		notif:   notif,
		mgr:     mgr,
		rtr:     rtr,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Manager exposes the session manager, mainly for tests and tooling.
func (a *App) Manager() *session.Manager { return a.mgr }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	// Timers are derived state; rebuild them from storage now that the
	// transport is up and reminders can actually be delivered.
	if err := a.sched.InitializeExistingSessions(a.sup.Context()); err != nil {
		return fmt.Errorf("rehydrate session timers: %w", err)
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		a.rtr.Run(c, a.updates)
		return nil
	})

	// Best-effort platform command menu.
	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		mctx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
		if err := mu.UpdateMenuCommands(mctx, a.rtr.Commands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
		cancel()
	}

	// Debug visibility into domain events.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started")
	return nil
}

// startConfigReload runs the hot-reload fan-in: logging changes apply live,
// everything else is logged as restart-required.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				for _, s := range sections {
					switch s {
					case "logging":
						// applied live above
					default:
						a.log.Warn("config section changed; restart required to take effect",
							logx.String("section", s))
					}
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("scheduler", 2*time.Second, func(context.Context) error { a.sched.Shutdown(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.repo.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
