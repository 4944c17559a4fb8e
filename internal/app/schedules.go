package app

import (
	"context"
	"time"

	"memberbot/internal/config"
)

// Cadence defaults. Interval ticks carry the engine forward; daily jobs do
// planning and housekeeping.
const (
	defaultDispatchReminders    = time.Minute
	defaultDrainBilling         = 10 * time.Second
	defaultDrainBroadcasts      = 30 * time.Second
	defaultSweepStaleBroadcasts = 10 * time.Minute
	defaultPlanRenewals         = "10:00"
	defaultSweepExpired         = "01:00"
	defaultCleanup              = "02:00"
)

func (a *App) registerSchedules(cfg *config.Config) error {
	cad := cfg.Scheduler.Cadences

	intervals := []struct {
		name    string
		raw     string
		def     time.Duration
		timeout time.Duration
		job     func(ctx context.Context) error
	}{
		{"reminders.dispatch", cad.DispatchReminders, defaultDispatchReminders, 0, a.rem.DispatchDue},
		{"billing.drain", cad.DrainBilling, defaultDrainBilling, 0, a.intake.DrainPending},
		// Broadcast drains can legitimately outlive the default task timeout
		// on a large audience; give them a generous dedicated one.
		{"broadcast.drain", cad.DrainBroadcasts, defaultDrainBroadcasts, 30 * time.Minute, a.bcast.DrainPending},
		{"broadcast.stale", cad.SweepStaleBroadcasts, defaultSweepStaleBroadcasts, 0, a.bcast.SweepStale},
	}
	for _, it := range intervals {
		every, err := config.ParseDurationOrDefault("scheduler.cadences."+it.name, it.raw, it.def)
		if err != nil {
			return err
		}
		if err := a.sched.RegisterPeriodic(it.name, every, it.timeout, it.job); err != nil {
			return err
		}
	}

	dailies := []struct {
		name string
		raw  string
		def  string
		job  func(ctx context.Context) error
	}{
		{"reminders.plan-renewals", cad.PlanRenewals, defaultPlanRenewals, a.rem.PlanRenewals},
		{"subscriptions.sweep-expired", cad.SweepExpired, defaultSweepExpired, a.subs.SweepExpired},
		{"retention.cleanup", cad.Cleanup, defaultCleanup, a.runCleanup},
	}
	for _, it := range dailies {
		at := it.raw
		if at == "" {
			at = it.def
		}
		if err := a.sched.RegisterDaily(it.name, at, 15*time.Minute, it.job); err != nil {
			return err
		}
	}
	return nil
}

// runCleanup bundles the retention sweeps into one daily pass.
func (a *App) runCleanup(ctx context.Context) error {
	if err := a.rem.CleanupOld(ctx); err != nil {
		return err
	}
	if err := a.bcast.PruneOld(ctx); err != nil {
		return err
	}
	return a.intake.Cleanup(ctx)
}
