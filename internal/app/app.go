// Package app wires config, logging, storage, workers and transports into
// one long-running process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guildbot/internal/config"
	"guildbot/internal/control"
	"guildbot/internal/eligibility"
	"guildbot/internal/eventbus"
	"guildbot/internal/runtime/supervisor"
	"guildbot/internal/schedule"
	kit "guildbot/internal/transport"
	"guildbot/internal/transport/httpapi"
	telegram "guildbot/internal/transport/telegram/adapter"
	"guildbot/internal/transport/telegram/router"
	"guildbot/internal/worker"
	logx "guildbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    *eventbus.MemBus
	stores *Stores

	reg     *worker.Registry
	surface *control.Surface
	sched   *schedule.Service

	tg      *telegram.Adapter
	router  *router.Router
	api     *httpapi.Server
	updates chan kit.Message
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Forward: logx.ForwardConfig{Enabled: l.Forward.Enabled, MinLevel: l.Forward.MinLevel, RatePerSec: l.Forward.RatePerSec},
	}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Forwarding starts disabled; it is enabled once the telegram target is set.
	bootCfg := mapLogConfig(cfg)
	bootCfg.Forward.Enabled = false
	logSvc, log := logx.New(bootCfg)

	stores, err := OpenStores(context.Background(), cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		stores:  stores,
		sched:   schedule.New(cfg.Schedule.Timezone, log),
		updates: make(chan kit.Message, 256),
	}

	if t := cfg.Telegram; t != nil && strings.TrimSpace(t.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
		if err != nil {
			a.closeEarly()
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{Token: t.Token, PollTimeout: pollTimeout}, log)
		if err != nil {
			a.closeEarly()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.tg = tg
		if t.LogChatID != 0 {
			logSvc.SetForwarder(telegram.LogForwarder{Sender: tg, Target: kit.ChatTarget{ChatID: t.LogChatID}})
		}
	}
	logSvc.Apply(mapLogConfig(cfg))
	return a, nil
}

func (a *App) closeEarly() {
	_ = a.stores.Close()
	_ = a.logs.Close()
}

func (a *App) features() eligibility.FeatureFlags { return FeatureFlags(a.cfgm.Get()) }

// Surface is the control surface; nil before Start.
func (a *App) Surface() *control.Surface { return a.surface }

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

func (a *App) validate(_ context.Context, cfg *config.Config) error {
	for name, raw := range map[string]string{
		"schedule.autostart":   cfg.Schedule.Autostart,
		"schedule.bless_prune": cfg.Schedule.BlessPrune,
	} {
		if raw == "" {
			continue
		}
		if _, err := schedule.ParseSchedule(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
		}
	}
	_, _, err := mapStorageConfig(cfg)
	return err
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if err := a.validate(ctx, cfg); err != nil {
		return err
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	// Workers get their own supervisor so a worker failure never cancels the app.
	workerSup := supervisor.New(a.sup.Context(), supervisor.WithLogger(a.log.With(logx.String("comp", "workers"))), supervisor.WithCancelOnError(false))
	a.reg = worker.NewRegistry(workerSup, a.newWorker, a.bus, a.log.With(logx.String("comp", "registry")))
	a.surface = control.New(control.Options{
		Workers:    a.reg,
		Directory:  a.stores.Directory,
		BlessStore: a.stores.Files,
		Features:   a.features,
		Bus:        a.bus,
		Devices:    func() []string { return DeviceIDs(a.cfgm.Get()) },
		Log:        a.log,
	})

	if a.tg != nil {
		t := cfg.Telegram
		a.router = router.New(router.Options{
			Sender:  a.tg,
			Control: a.surface,
			Journal: a.stores.Journal,
			Owners:  t.OwnerUserIDs,
			Log:     a.log,
		})
		if err := a.tg.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, a.updates)
		})
		a.sup.Go("commands.menu", func(c context.Context) error {
			if err := a.tg.UpdateMenuCommands(c, a.router.Commands()); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
			return nil
		})
		if t.LogChatID != 0 {
			events, unsub := a.bus.Subscribe(32)
			alerts := &router.Alerter{
				Sender: a.tg,
				Target: kit.ChatTarget{ChatID: t.LogChatID},
				Marks:  a.stores.Journal,
				Log:    a.log.With(logx.String("comp", "alerts")),
			}
			a.sup.Go("alerts", func(c context.Context) error {
				defer unsub()
				return alerts.Run(c, events)
			})
		}
	}

	if h := cfg.HTTP; h != nil && strings.TrimSpace(h.Addr) != "" {
		a.api = httpapi.New(httpapi.Options{
			Addr:      h.Addr,
			Token:     h.Token,
			Control:   a.surface,
			Journal:   a.stores.Journal,
			Profiling: h.Pprof,
			Log:       a.log,
		})
		if err := a.api.Start(); err != nil {
			return err
		}
	}

	a.applySchedule(cfg)
	a.sched.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.String("device", e.Device))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("devices", len(cfg.Devices.Ports)), logx.Bool("telegram", a.tg != nil), logx.Bool("http", a.api != nil))
	return nil
}

// applyConfig pushes a reloaded config into the live components. Features
// are read per cycle and need no push; device and storage changes need a
// restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, _ := config.SummarizeConfigChange(prev, next)
	for _, s := range sections {
		switch s {
		case "storage", "directory", "telegram", "http":
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))
	if a.router != nil && next.Telegram != nil {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}
	a.applySchedule(next)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: strings.Join(sections, ",")})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeEarly()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Workers finish their current primitive call and persist before exiting.
	step("workers", 15*time.Second, func(c context.Context) error { return a.reg.StopAll(c) })
	step("http", 2*time.Second, func(c context.Context) error {
		if a.api == nil {
			return nil
		}
		return a.api.Stop(c)
	})
	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.tg == nil {
			return nil
		}
		a.logs.SetForwarder(nil)
		return a.tg.Stop(c)
	})

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.stores.Close() })

	a.log.Info("stopped", logx.Uint64("bus_dropped", a.bus.Dropped()))
	return a.logs.Close()
}
