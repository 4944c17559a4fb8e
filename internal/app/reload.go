package app

import (
	"context"
	"strings"
	"time"

	"memberbot/internal/config"
	"memberbot/pkg/logx"
)

// reloadLoop applies validated config updates to the running services. The
// validator has already parsed every duration, so mapper errors here are
// logged-and-skipped rather than fatal.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the latest config matters.
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
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("applying config changes", fields...)
			lastApplied = newCfg

			a.applyConfig(newCfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))
	a.esc.Apply(mapEscalateConfig(cfg))

	if c, err := mapReconcileConfig(cfg); err == nil {
		a.subs.ApplyConfig(c)
	} else {
		a.log.Warn("invalid reconcile config; keeping previous", logx.Err(err))
	}
	if c, err := mapReminderConfig(cfg); err == nil {
		a.rem.ApplyConfig(c)
	} else {
		a.log.Warn("invalid reminder config; keeping previous", logx.Err(err))
	}
	if c, err := mapBroadcastConfig(cfg); err == nil {
		a.bcast.Apply(c)
	} else {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	}
	if c, err := mapBillingConfig(cfg); err == nil {
		a.intake.ApplyConfig(c)
	} else {
		a.log.Warn("invalid billing config; keeping previous", logx.Err(err))
	}
	if c, err := mapSchedulerConfig(cfg); err == nil {
		a.sched.Apply(c)
		if a.runCtx != nil {
			if c.Enabled {
				// No-op when already running; covers enabling via reload.
				a.sched.Start(a.runCtx)
			} else {
				stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				a.sched.Stop(stopCtx)
				cancel()
			}
		}
	} else {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	}
	// Registration upserts by name, so cadence changes simply re-register.
	if err := a.registerSchedules(cfg); err != nil {
		a.log.Warn("invalid cadence config; keeping previous", logx.Err(err))
	}
}
