// Package app wires the configuration, storage, gateway and engines together
// and owns the process lifecycle.
package app

import (
	"context"
	"sync"
	"time"

	"memberbot/internal/billing"
	"memberbot/internal/broadcast"
	"memberbot/internal/config"
	"memberbot/internal/escalate"
	"memberbot/internal/gateway"
	"memberbot/internal/gateway/telegram"
	"memberbot/internal/reconcile"
	"memberbot/internal/reminder"
	"memberbot/internal/scheduler"
	"memberbot/internal/store"
	"memberbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	db  *store.DB
	gw  *telegram.Adapter
	esc *escalate.Notifier

	subs   *reconcile.Service
	rem    *reminder.Engine
	bcast  *broadcast.Service
	intake *billing.Intake
	sched  *scheduler.Service

	// provider is optional; when set, PlanRenewals refreshes stale billing
	// dates through it.
	provider billing.Provider

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New loads the config, opens storage and constructs every service. Nothing
// runs until Start.
func New(cfgPath string, provider billing.Provider) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := telegram.New(tgCfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	esc := escalate.New(mapEscalateConfig(cfg), gw, log.With(logx.String("comp", "escalate")))

	remCfg, err := mapReminderConfig(cfg)
	if err != nil {
		return nil, err
	}
	rem := reminder.New(remCfg, db, gw, provider, esc, log.With(logx.String("comp", "reminder")))

	recCfg, err := mapReconcileConfig(cfg)
	if err != nil {
		return nil, err
	}
	subs := reconcile.New(recCfg, db, gw, rem, esc, log.With(logx.String("comp", "reconcile")))

	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	bcast := broadcast.New(bcCfg, db, gw, esc, log.With(logx.String("comp", "broadcast")))

	inCfg, err := mapBillingConfig(cfg)
	if err != nil {
		return nil, err
	}
	intake := billing.NewIntake(inCfg, db, subs, esc, log.With(logx.String("comp", "billing")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		db:       db,
		gw:       gw,
		esc:      esc,
		subs:     subs,
		rem:      rem,
		bcast:    bcast,
		intake:   intake,
		sched:    sched,
		provider: provider,
	}, nil
}

// Accessors for outer surfaces (webhook handler, admin tooling).

func (a *App) Intake() *billing.Intake           { return a.intake }
func (a *App) Subscriptions() *reconcile.Service { return a.subs }
func (a *App) Broadcasts() *broadcast.Service    { return a.bcast }
func (a *App) Logger() logx.Logger               { return a.log }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx = runCtx
	a.runCancel = cancel

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.ValidateReload(a.cfgm.Get(), cfg); err != nil {
			return err
		}
		// Every mapper parses its duration fields; run them all so a bad
		// reload is rejected wholesale.
		if _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapReconcileConfig(cfg); err != nil {
			return err
		}
		if _, err := mapReminderConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBroadcastConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBillingConfig(cfg); err != nil {
			return err
		}
		if tz := cfg.Scheduler.Timezone; tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return err
			}
		}
		return nil
	})

	// Join detection feeds the reconciler before polling starts.
	a.gw.OnJoin(func(c context.Context, telegramID int64, res gateway.Resource) {
		if _, err := a.subs.MarkJoined(c, telegramID, res); err != nil {
			a.log.Warn("mark joined failed", logx.Int64("user", telegramID), logx.Err(err))
		}
	})

	if err := a.registerSchedules(a.cfgm.Get()); err != nil {
		return err
	}
	a.sched.Start(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.gw.Start()
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.log.Info("memberbot started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("shutting down")
	a.sched.Stop(ctx)
	a.gw.Stop()
	if a.runCancel != nil {
		a.runCancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := a.db.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	_ = a.logs.Close()
	return nil
}
