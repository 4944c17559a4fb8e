package app

import (
	"strconv"
	"time"

	"memberbot/internal/billing"
	"memberbot/internal/broadcast"
	"memberbot/internal/config"
	"memberbot/internal/escalate"
	"memberbot/internal/gateway/telegram"
	"memberbot/internal/reconcile"
	"memberbot/internal/reminder"
	"memberbot/internal/scheduler"
	"memberbot/internal/store"
	"memberbot/pkg/logx"
)

// Config-file sections carry durations as strings; these mappers turn them
// into the typed configs each service takes. Parse errors surface here so a
// hot reload with a bad duration is rejected before anything is applied.

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	call, err := config.ParseDurationOrDefault("telegram.call_timeout", cfg.Telegram.CallTimeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		CallTimeout: call,
		ChannelID:   cfg.Telegram.ChannelID,
		ChatID:      cfg.Telegram.ChatID,
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapEscalateConfig(cfg *config.Config) escalate.Config {
	return escalate.Config{
		AdminChatID: cfg.Telegram.AdminChatID,
		RatePerMin:  cfg.Telegram.EscalationRatePerMin,
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, 2*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: timeout,
		Timezone:       cfg.Scheduler.Timezone,
	}, nil
}

func mapReconcileConfig(cfg *config.Config) (reconcile.Config, error) {
	var offsets []time.Duration
	for i, raw := range cfg.Reminders.JoinOffsets {
		d, err := config.ParseDurationField(joinOffsetPath(i), raw)
		if err != nil {
			return reconcile.Config{}, err
		}
		offsets = append(offsets, d)
	}
	retryDelay, err := config.ParseDurationField("reminders.payment_retry_delay", cfg.Reminders.PaymentRetryDelay)
	if err != nil {
		return reconcile.Config{}, err
	}
	return reconcile.Config{
		JoinNudgeOffsets:        offsets,
		JoinMaxAttempts:         cfg.Reminders.JoinMaxAttempts,
		PaymentRetryDelay:       retryDelay,
		PaymentRetryMaxAttempts: cfg.Reminders.PaymentRetryMaxAttempts,
	}, nil
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	lead, err := config.ParseDurationField("reminders.renewal_window", cfg.Reminders.RenewalWindow)
	if err != nil {
		return reminder.Config{}, err
	}
	horizon, err := config.ParseDurationField("reminders.plan_horizon", cfg.Reminders.PlanHorizon)
	if err != nil {
		return reminder.Config{}, err
	}
	retention, err := config.ParseDurationField("reminders.retention", cfg.Reminders.Retention)
	if err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{
		RenewalLead: lead,
		PlanHorizon: horizon,
		Retention:   retention,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	blockDelay, err := config.ParseDurationField("broadcast.block_delay", cfg.Broadcast.BlockDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	staleAfter, err := config.ParseDurationField("broadcast.stale_after", cfg.Broadcast.StaleAfter)
	if err != nil {
		return broadcast.Config{}, err
	}
	retention, err := config.ParseDurationField("broadcast.retention", cfg.Broadcast.Retention)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		RatePerSec: cfg.Broadcast.RatePerSec,
		BlockDelay: blockDelay,
		StaleAfter: staleAfter,
		Retention:  retention,
	}, nil
}

func mapBillingConfig(cfg *config.Config) (billing.IntakeConfig, error) {
	retention, err := config.ParseDurationField("billing.retention", cfg.Billing.Retention)
	if err != nil {
		return billing.IntakeConfig{}, err
	}
	return billing.IntakeConfig{
		DrainBatch:       cfg.Billing.DrainBatch,
		MaxEventAttempts: cfg.Billing.MaxEventAttempts,
		Retention:        retention,
	}, nil
}

func joinOffsetPath(i int) string {
	return "reminders.join_offsets[" + strconv.Itoa(i) + "]"
}
