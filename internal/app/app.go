package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sleeptimer/internal/commands"
	"sleeptimer/internal/config"
	"sleeptimer/internal/disconnect"
	"sleeptimer/internal/eventbus"
	"sleeptimer/internal/notifier"
	"sleeptimer/internal/observability/pprof"
	rtsup "sleeptimer/internal/runtime/supervisor"
	"sleeptimer/internal/storage"
	kit "sleeptimer/internal/transport"
	"sleeptimer/internal/transport/discord"
	"sleeptimer/internal/transport/telegram"
	logx "sleeptimer/pkg/logx"
	"sleeptimer/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	// svcCtx outlives sup so the registry, notifier and adapter can drain
	// during Stop after the dispatcher and watchers are gone.
	svcCtx    context.Context
	svcCancel context.CancelFunc

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	platform kit.Platform
	notif    *notifier.Service
	reg      *disconnect.Registry
	access   *commands.Access
	router   *commands.Router
	dbg      *pprof.Server

	updates chan kit.Update
}

// New loads the config and wires every component. Nothing talks to the
// network until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	sched, err := cfg.SchedulerSettings()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", cfg.TransportName()))
	platform, err := newPlatform(cfg, sched.Location, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), platform)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := OpenStore(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store == nil {
		appLog.Warn("storage disabled; pending disconnects will not survive a restart")
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, platform, log, bus)

	reg := disconnect.New(disconnect.Config{
		FireTimeout:   sched.FireTimeout,
		SweepInterval: sched.SweepInterval,
		Location:      sched.Location,
	}, store, platform, log,
		disconnect.WithNotifier(notif),
		disconnect.WithBus(bus),
		disconnect.WithMention(platform.Mention),
	)

	access := commands.NewAccess(cfg.Access.AllowedRoles, cfg.Access.AllowedUsers, log)
	router := commands.New(commands.Options{
		Prefix:      cfg.CommandPrefix(),
		Timeout:     30 * time.Second,
		MaxDuration: sched.MaxDuration,
	}, platform, platform, reg, access, log)

	dbg := pprof.New(log, func() any { return pendingStatus(reg) })

	return &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		platform: platform,
		notif:    notif,
		reg:      reg,
		access:   access,
		router:   router,
		dbg:      dbg,
		updates:  make(chan kit.Update, 256),
	}, nil
}

func newPlatform(cfg *config.Config, loc *time.Location, log logx.Logger) (kit.Platform, error) {
	switch cfg.TransportName() {
	case config.TransportDiscord:
		ad, err := discord.New(discord.Config{Token: cfg.DiscordToken()}, log)
		if err != nil {
			return nil, err
		}
		return ad, nil
	case config.TransportTelegram:
		pt, err := pollTimeout(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.TelegramToken(),
			PollTimeout: pt,
			Location:    loc,
		}, log)
		if err != nil {
			return nil, err
		}
		return ad, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.svcCtx, a.svcCancel = context.WithCancel(context.WithoutCancel(ctx))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		ss, err := cfg.SchedulerSettings()
		if err != nil {
			return err
		}
		_, err = mapStorageConfig(cfg, ss.Location)
		return err
	})

	_, _ = systemd.Status("recovering pending disconnects")

	// The registry fires overdue records right away, so the notifier must
	// already be accepting.
	a.notif.Start(a.svcCtx)
	if err := a.reg.Start(a.svcCtx); err != nil {
		return err
	}
	if err := a.platform.Start(a.svcCtx, a.updates); err != nil {
		return err
	}

	a.dbg.Apply(a.svcCtx, mapPprofConfig(a.cfgm.Get()))

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("commands.menu", func(c context.Context) {
		if err := a.router.PublishMenu(c); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})

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
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sup.Context().Err() == nil })
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	_, _ = systemd.Status(fmt.Sprintf("%d pending disconnects", a.reg.Len()))

	a.log.Info("app started",
		logx.String("transport", a.platform.Name()),
		logx.String("prefix", a.router.Prefix()),
		logx.Int("pending", a.reg.Len()),
	)
	return nil
}

// applyConfig hot-applies logging, access and notifier settings. Sections
// that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next))
	a.dbg.Apply(a.svcCtx, mapPprofConfig(next))
	a.access.Set(next.Access.AllowedRoles, next.Access.AllowedUsers)

	prevEnabled := false
	if pc, err := mapNotifierConfig(prev); err == nil {
		prevEnabled = pc.Enabled
	}
	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(a.svcCtx)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Stop taking commands first.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// In-flight disconnects still need the notifier and the adapter.
	step("registry", 5*time.Second, func(c context.Context) error { return a.reg.Stop(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.platform.Stop(c) })
	step("pprof", 2*time.Second, func(c context.Context) error { a.dbg.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.svcCancel()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

type pendingView struct {
	Subject string    `json:"subject"`
	Scope   string    `json:"scope"`
	DueAt   time.Time `json:"due_at"`
	In      string    `json:"in"`
}

func pendingStatus(reg *disconnect.Registry) any {
	recs := reg.List("")
	out := make([]pendingView, 0, len(recs))
	for _, r := range recs {
		out = append(out, pendingView{
			Subject: r.SubjectID,
			Scope:   r.ScopeID,
			DueAt:   r.DueAt,
			In:      reg.Remaining(r).String(),
		})
	}
	return map[string]any{"pending": len(out), "records": out}
}
