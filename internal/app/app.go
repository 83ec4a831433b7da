// Package app wires configuration, logging, storage, the notification
// dispatcher and its channels, the scheduler and the HTTP server, and applies
// config reloads to all of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trellis/internal/config"
	"trellis/internal/eventbus"
	"trellis/internal/httpserver"
	"trellis/internal/i18n"
	"trellis/internal/middleware"
	"trellis/internal/notify"
	rtsup "trellis/internal/runtime/supervisor"
	"trellis/internal/scheduler"
	"trellis/internal/storage"
	logx "trellis/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	tr    *i18n.Translator

	registry *middleware.Registry
	notif    *notify.Dispatcher
	sched    *scheduler.Service
	http     *httpserver.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	a, err := build(cfg, cfgm, logSvc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	return a, nil
}

func build(cfg *config.Config, cfgm *config.ConfigManager, logSvc *logx.Service, log logx.Logger) (*App, error) {
	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tr, err := i18n.Load(cfg.I18n.Dir, cfg.I18n.Default)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.tr = tr

	a.registry = newRegistry(cfg, log.With(logx.String("comp", "middleware")), a.token)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.notif = notify.NewDispatcher(ncfg, log.With(logx.String("comp", "notifier")), a.bus, a.store)
	a.applyChannels(cfg)
	if logSvc != nil {
		logSvc.SetForwarder(logx.ForwarderFunc(a.forwardLog))
	}

	a.sched = scheduler.New(scheduler.Options{
		Sender:   a.notif,
		Routes:   func() notify.Notifiable { return defaultRoutes(a.cfgm.Get()) },
		Log:      log.With(logx.String("comp", "scheduler")),
		Bus:      a.bus,
		Timezone: cfg.App.Timezone,
	})
	if err := a.sched.Apply(mapSchedules(cfg)); err != nil {
		a.closeStore()
		return nil, err
	}

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.http, err = httpserver.New(hcfg, httpserver.Deps{
		Registry:   a.registry,
		Dispatcher: a.notif,
		Store:      a.store,
		Scheduler:  a.sched,
		Routes:     func() notify.Routes { return defaultRoutes(a.cfgm.Get()) },
		Locale:     a.tr.Match,
		Log:        log,
	})
	if err != nil {
		a.closeStore()
		return nil, err
	}
	return a, nil
}

// newRegistry builds a registry with the built-ins, cfg's priority and groups.
func newRegistry(cfg *config.Config, log logx.Logger, token func(string) (string, bool)) *middleware.Registry {
	r := middleware.NewRegistry(log)
	middleware.RegisterBuiltins(r, middleware.BuiltinOptions{Log: log, Token: token})
	r.SetPriority(priorityOf(cfg))
	r.SetGroups(cfg.Middleware.Groups)
	return r
}

// token looks a bearer secret up in the live config.
func (a *App) token(name string) (string, bool) {
	return tokenIn(a.cfgm.Get(), name)
}

func tokenIn(cfg *config.Config, name string) (string, bool) {
	if cfg == nil {
		return "", false
	}
	v, ok := cfg.HTTP.Tokens[name]
	return v, ok && v != ""
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
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

// Addr is the HTTP listen address once started.
func (a *App) Addr() string { return a.http.Addr() }

// validate dry-runs a candidate config against fresh components so a reload
// that cannot be applied is rejected before commit.
func validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.App.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("app.timezone: invalid %q: %w", tz, err))
		}
	}
	if err := scheduler.New(scheduler.Options{}).Apply(mapSchedules(cfg)); err != nil {
		errs = append(errs, err)
	}
	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		errs = append(errs, err)
	} else {
		reg := newRegistry(cfg, logx.Nop(), func(name string) (string, bool) { return tokenIn(cfg, name) })
		if _, err := httpserver.New(hcfg, httpserver.Deps{Registry: reg}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.sched.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	if a.bus != nil {
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
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

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
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
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

	a.log.Info("app started", logx.String("addr", a.cfgm.Get().HTTP.Addr))
	return nil
}

// applyConfig applies a committed config to every live component.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLogging(newCfg))

	a.registry.SetPriority(priorityOf(newCfg))
	a.registry.SetGroups(newCfg.Middleware.Groups)

	a.applyChannels(newCfg)

	prevEnabled := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		if prevEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if err := a.sched.Apply(mapSchedules(newCfg)); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	}
	a.sched.SetTimezone(newCfg.App.Timezone)

	if hcfg, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else if err := a.http.Reconfigure(ctx, hcfg); err != nil {
		a.log.Warn("http routes rejected; keeping previous", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: "config.reloaded", Time: time.Now(), Data: sections})

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown step bounded by max so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
