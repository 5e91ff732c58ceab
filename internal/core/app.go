package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goalbot/internal/adapters/telegram"
	"goalbot/internal/agent"
	"goalbot/internal/config"
	"goalbot/internal/engine"
	"goalbot/internal/eventbus"
	"goalbot/internal/notifier"
	"goalbot/internal/observability/pprof"
	"goalbot/internal/runtime/supervisor"
	"goalbot/internal/scheduler"
	"goalbot/internal/server"
	"goalbot/internal/storage"
	"goalbot/pkg/logx"
)

// Version is stamped via -ldflags at build time.
var Version = "dev"

// App owns the full service graph: config manager, logging, storage,
// event bus, agent registry, engine, scheduler, notifier and the control
// API server. Construction wires everything; Start brings the services up
// in dependency order and Stop unwinds them in reverse.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store
	reg   *agent.Registry

	eng   *engine.Engine
	sched *scheduler.Service
	notif *notifier.Service
	srv   *server.Server
	prof  *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logs, log := logx.New(loggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		reg:     agent.NewRegistry(),
	}

	storeCfg, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(storeCfg, logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.eng = engine.New(engCfg, a.store, a.reg, a.bus, logs.Logger().With(logx.String("comp", "engine")))

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.store, a.eng, logs.Logger().With(logx.String("comp", "scheduler")))

	if cfg.Notifier != nil && cfg.Notifier.Enabled {
		teleCfg, err := telegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		adapter, err := telegram.New(teleCfg, logs.Logger().With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		notifCfg, err := notifierConfig(cfg.Notifier)
		if err != nil {
			return nil, err
		}
		a.notif = notifier.New(notifCfg, adapter, a.bus, logs.Logger().With(logx.String("comp", "notifier")))
	}

	if cfg.Server.Enabled {
		srvCfg, err := serverConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.srv = server.New(srvCfg, server.HandlersDeps{
			Store:     a.store,
			Scheduler: a.sched,
			Engine:    a.eng,
			Log:       logs.Logger().With(logx.String("comp", "server")),
			Version:   Version,
		})
	}

	if cfg.Debug != nil && cfg.Debug.Pprof.Enabled {
		a.prof = pprof.New(pprofConfig(cfg.Debug), logs.Logger().With(logx.String("comp", "pprof")))
	}

	return a, nil
}

// Agents exposes the registry so the entrypoint can install agent
// implementations before Start.
func (a *App) Agents() *agent.Registry { return a.reg }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(false))

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	a.eng.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	if a.notif != nil {
		a.notif.Start(a.sup.Context())
	}
	if a.srv != nil {
		if err := a.srv.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		a.log.Info("control api listening", logx.String("addr", a.srv.Addr()))
	}
	if a.prof != nil {
		if err := a.prof.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start pprof: %w", err)
		}
	}

	sub := a.cfgm.Subscribe()
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(ctx, sub)
	})
	a.sup.Go("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})

	a.log.Info("app started", logx.String("version", Version))
	return nil
}

// reloadLoop applies hot-reloadable settings from the config watcher:
// logging sinks and level, scheduler cadence, notifier throughput. Engine
// budgets and the server listener stay fixed until restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts, keep only the newest.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}

			sections, fields := config.SummarizeConfigChange(last, cfg)
			last = cfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}

			a.logs.Apply(loggingConfig(cfg))

			if schedCfg, err := schedulerConfig(cfg); err != nil {
				a.log.Warn("scheduler config not applied", logx.Err(err))
			} else {
				a.sched.Apply(schedCfg)
			}

			if a.notif != nil {
				if notifCfg, err := notifierConfig(cfg.Notifier); err != nil {
					a.log.Warn("notifier config not applied", logx.Err(err))
				} else {
					a.notif.Apply(notifCfg)
				}
			}

			a.log.Info("config reloaded",
				append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded shutdown steps so one stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(ctx context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}

	if a.srv != nil {
		step("server", 6*time.Second, a.srv.Stop)
	}
	if a.prof != nil {
		step("pprof", 2*time.Second, a.prof.Stop)
	}
	step("scheduler", 3*time.Second, a.sched.Stop)
	// Engine last among run producers: scheduler is down, so Stop only
	// waits for in-flight runs to observe cancellation and finalize.
	step("engine", 15*time.Second, a.eng.Stop)
	if a.notif != nil {
		step("notifier", 5*time.Second, func(c context.Context) error {
			a.notif.Stop(c)
			return nil
		})
	}
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

// Done closes when the supervised run context ends, either by Stop or by
// a fatal supervised error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}
