// Package app assembles the scenedeck process: configuration, logging,
// storage, the game-server client, the schedule service and the ad-hoc timer
// manager. There is deliberately no package-level state; the process entry
// point builds one App and passes it around.
package app

import (
	"context"
	"fmt"
	"sync"

	"scenedeck/internal/clock"
	"scenedeck/internal/config"
	"scenedeck/internal/eventbus"
	"scenedeck/internal/gameserver"
	"scenedeck/internal/notify"
	"scenedeck/internal/scheduler"
	"scenedeck/internal/storage"
	"scenedeck/internal/timers"
	"scenedeck/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	client *gameserver.Client
	notif  *notify.Service
	sched  *scheduler.Service
	timers *timers.Manager
	bus    eventbus.Bus

	mu      sync.Mutex
	cancel  context.CancelFunc
	bgWG    sync.WaitGroup
	started bool
}

func New(cfgPath string) (*App, error) {
	boot := logx.NewConsole("info")

	cfgm := config.NewManager(cfgPath, boot.With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required (driver %q disables it)", cfg.Storage.Driver)
	}

	dialTimeout, err := config.Duration("game_server.dial_timeout", cfg.GameServer.DialTimeout)
	if err != nil {
		return nil, err
	}
	reqTimeout, err := config.Duration("game_server.request_timeout", cfg.GameServer.RequestTimeout)
	if err != nil {
		return nil, err
	}
	client := gameserver.New(gameserver.Config{
		URL:            cfg.GameServer.URL,
		Token:          cfg.GameServer.Token,
		DialTimeout:    dialTimeout,
		RequestTimeout: reqTimeout,
	}, log.With(logx.String("comp", "gameserver")))

	notif, err := notify.New(notifyConfig(cfg), log.With(logx.String("comp", "notify")))
	if err != nil {
		return nil, fmt.Errorf("init notifications: %w", err)
	}

	bus := eventbus.New()

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, client,
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithClock(clock.System{}),
		scheduler.WithEventBus(bus),
	)

	timerCfg, err := timersConfig(cfg)
	if err != nil {
		return nil, err
	}
	tm := timers.New(timerCfg, notif, store,
		timers.WithLogger(log.With(logx.String("comp", "timers"))),
		timers.WithClock(clock.System{}),
		timers.WithEventBus(bus),
	)

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logs,
		store:  store,
		client: client,
		notif:  notif,
		sched:  sched,
		timers: tm,
		bus:    bus,
	}, nil
}

// Scheduler exposes the schedule service to the caller-facing layer.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Timers exposes the ad-hoc timer manager to the caller-facing layer.
func (a *App) Timers() *timers.Manager { return a.timers }

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	if a.cfgm.Get().Scheduler.Enabled {
		if err := a.sched.Start(ctx); err != nil {
			cancel()
			return err
		}
	} else {
		a.log.Info("scheduler disabled by config")
	}
	if err := a.timers.Start(ctx); err != nil {
		a.sched.Stop()
		cancel()
		return err
	}

	a.bgWG.Add(2)
	go func() {
		defer a.bgWG.Done()
		_ = a.cfgm.Watch(bgCtx)
	}()
	go func() {
		defer a.bgWG.Done()
		a.reloadLoop(bgCtx)
	}()
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		a.forwardRetirements(bgCtx)
	}()

	a.started = true
	a.log.Info("scenedeck started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false

	if a.cancel != nil {
		a.cancel()
	}
	a.sched.Stop()
	a.timers.Stop()
	_ = a.client.Close()
	a.bgWG.Wait()
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing storage failed", logx.Err(err))
	}
	a.log.Info("scenedeck stopped")
	_ = a.logs.Close()
	return nil
}

// reloadLoop applies committed config changes to the running services.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})

	if schedCfg, err := schedulerConfig(cfg); err != nil {
		a.log.Warn("scheduler config rejected", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
	}
	if timerCfg, err := timersConfig(cfg); err != nil {
		a.log.Warn("timers config rejected", logx.Err(err))
	} else {
		a.timers.Apply(timerCfg)
	}
	a.notif.Apply(notifyConfig(cfg))
	a.log.Info("config applied")
}

// forwardRetirements tells the operator chat when a schedule permanently
// retires; transient fire failures stay in the logs only.
func (a *App) forwardRetirements(ctx context.Context) {
	events, unsub := a.bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeScheduleRetired {
				continue
			}
			se, ok := ev.Data.(eventbus.ScheduleEvent)
			if !ok {
				continue
			}
			msg := fmt.Sprintf("Schedule %s finished: no further occurrences.", se.ScheduleID)
			if err := a.notif.Send(ctx, msg); err != nil && err != notify.ErrDisabled {
				a.log.Warn("retirement notification failed",
					logx.String("schedule", se.ScheduleID), logx.Err(err))
			}
		}
	}
}

// ---- config mapping ----

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	every, err := config.DurationOr("scheduler.reconcile_every", cfg.Scheduler.ReconcileEvery, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, ReconcileEvery: every}, nil
}

func timersConfig(cfg *config.Config) (timers.Config, error) {
	minDur, err := config.Duration("timers.min_duration", cfg.Timers.MinDuration)
	if err != nil {
		return timers.Config{}, err
	}
	maxDur, err := config.Duration("timers.max_duration", cfg.Timers.MaxDuration)
	if err != nil {
		return timers.Config{}, err
	}
	return timers.Config{MinDuration: minDur, MaxDuration: maxDur, MaxTimers: cfg.Timers.MaxTimers}, nil
}

func notifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		Enabled:    cfg.Notify.Enabled,
		Token:      cfg.Notify.Token,
		ChatID:     cfg.Notify.ChatID,
		RatePerSec: cfg.Notify.RatePerSec,
	}
}
