// Package app wires the news pipeline together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"newsbot/internal/admin"
	"newsbot/internal/config"
	"newsbot/internal/delivery"
	"newsbot/internal/dispatcher"
	"newsbot/internal/eventbus"
	"newsbot/internal/fetcher"
	"newsbot/internal/httpapi"
	"newsbot/internal/ledger"
	"newsbot/internal/registry"
	"newsbot/internal/runtime/supervisor"
	"newsbot/internal/scheduler"
	"newsbot/internal/stats"
	"newsbot/internal/storage"
	kit "newsbot/internal/transport"
	"newsbot/internal/transport/telegram"
	"newsbot/internal/transport/telegram/router"
	logx "newsbot/pkg/logx"
)

// Mode selects how much of the app New builds.
type Mode int

const (
	// ModeServe builds everything: polling, timers, HTTP API.
	ModeServe Mode = iota
	// ModeOneShot builds the send path but no polling, timers or HTTP API.
	ModeOneShot
	// ModeOffline opens storage only; Telegram is never contacted.
	ModeOffline
)

type App struct {
	mode Mode

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB

	adapter *telegram.Adapter
	out     kit.Sender

	reg   *registry.Registry
	disp  *dispatcher.Dispatcher
	stats *stats.Accumulator
	admin *admin.Service
	sched *scheduler.Service
	cmdm  *router.Manager
	http  *httpapi.Server

	updates chan kit.Update
}

// New loads the config at cfgPath and builds the components for mode.
// Errors here are startup-fatal.
func New(ctx context.Context, cfgPath string, mode Mode) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	durs, err := cfg.ParseDurations()
	if err != nil {
		return nil, err
	}

	var (
		ad     *telegram.Adapter
		sender kit.Sender
	)
	if mode != ModeOffline {
		ad, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: durs.PollTimeout,
		}, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = ad
	}

	logSvc, root := logx.New(mapLogConfig(cfg), sender)
	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	log := root.With(logx.String("comp", "app"))

	db, err := storage.Open(ctx, mapStorageConfig(cfg, durs), root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	st := stats.New(time.Now())
	reg := registry.New(db, root)

	a := &App{
		mode:    mode,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		db:      db,
		adapter: ad,
		out:     sender,
		reg:     reg,
		stats:   st,
		updates: make(chan kit.Update, 256),
	}

	var disp admin.Dispatcher
	if mode != ModeOffline {
		a.disp = dispatcher.New(
			dispatcher.Config{ItemDelay: durs.ItemDelay, Filter: mapFilter(cfg)},
			reg,
			fetcher.New(mapFetcherConfig(cfg, durs), nil, nil, root),
			ledger.New(db, root),
			delivery.New(mapDeliveryConfig(cfg), ad, root),
			st,
			root,
			dispatcher.WithEventBus(bus),
			dispatcher.WithLease(db, 0),
		)
		disp = a.disp
	}
	a.admin = admin.New(reg, disp, st, db, bus, root)

	if mode == ModeServe {
		loc, err := cfg.Location()
		if err != nil {
			_ = db.Close()
			_ = logSvc.Close()
			return nil, err
		}
		a.sched = scheduler.New(scheduler.Config{Location: loc}, root)
		if err := a.registerTimers(cfg); err != nil {
			_ = db.Close()
			_ = logSvc.Close()
			return nil, err
		}

		a.cmdm = router.NewManager(root, ad, cfg.Telegram.OwnerUserIDs)
		a.cmdm.SetCommands(router.AdminCommands(a.admin))

		if cfg.HTTP.Enabled {
			a.http = httpapi.New(httpapi.Config{Addr: cfg.HTTP.Addr, Token: cfg.HTTP.Token, Pprof: cfg.HTTP.Pprof}, a.admin, root,
				httpapi.WithSchedule(a.sched))
		}
	}
	return a, nil
}

// Admin is the operation surface shared by every front end.
func (a *App) Admin() *admin.Service { return a.admin }

func (a *App) Logger() logx.Logger { return a.log }

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

// Start runs the long-lived parts of a ModeServe app.
func (a *App) Start(ctx context.Context) error {
	if a.mode != ModeServe {
		return errors.New("app: Start requires ModeServe")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	menuCtx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	if err := a.cmdm.UpdateMenu(menuCtx); err != nil {
		a.log.Warn("telegram menu update failed", logx.Err(err))
	}
	cancel()

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if a.cfgm.Get().Scheduler.Enabled {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Info("scheduler disabled via config")
	}

	if a.http != nil {
		a.sup.Go("http.api", a.http.Start)
	}

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
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("destinations", len(a.cfgm.Get().Telegram.Destinations)),
		logx.Bool("http", a.http != nil),
	)
	return nil
}

// applyConfig applies the live parts of a reloaded config and logs the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(next))
	a.disp.SetFilter(mapFilter(next))
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)

	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the app down. Each step is bounded so one component can't stall
// the whole stop; the caller's deadline is never extended.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		sdNotify(a.log, daemon.SdNotifyStopping)
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Runs send through the adapter and record into storage, so both wait
	// for them. Manual runs are not tracked by the scheduler.
	if a.sched != nil {
		step("scheduler", 30*time.Second, a.sched.Stop)
	}
	if a.disp != nil {
		step("dispatcher", 30*time.Second, a.disp.Close)
	}
	if a.http != nil {
		step("http", 2*time.Second, a.http.Stop)
	}
	if a.adapter != nil && a.sup != nil {
		step("adapter", 2*time.Second, a.adapter.Stop)
	}
	if a.sup != nil {
		step("supervisor", 3*time.Second, a.sup.Wait)
	}
	step("storage", time.Second, func(context.Context) error { return a.db.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
