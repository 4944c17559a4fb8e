package config

import (
	"fmt"
	"strings"
)

// Validate checks the static shape of a parsed config: required fields
// present and every duration / HH:MM field parseable. It does not touch the
// network or filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required")
	}
	if cfg.Telegram.AdminChatID == 0 {
		return fmt.Errorf("telegram.admin_chat_id: required")
	}
	if cfg.Telegram.ChannelID == 0 && cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram: at least one of channel_id/chat_id required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required")
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"telegram.call_timeout", cfg.Telegram.CallTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.default_timeout", cfg.Scheduler.DefaultTimeout},
		{"scheduler.cadences.dispatch_reminders", cfg.Scheduler.Cadences.DispatchReminders},
		{"scheduler.cadences.drain_billing", cfg.Scheduler.Cadences.DrainBilling},
		{"scheduler.cadences.drain_broadcasts", cfg.Scheduler.Cadences.DrainBroadcasts},
		{"scheduler.cadences.sweep_stale_broadcasts", cfg.Scheduler.Cadences.SweepStaleBroadcasts},
		{"broadcast.block_delay", cfg.Broadcast.BlockDelay},
		{"broadcast.stale_after", cfg.Broadcast.StaleAfter},
		{"broadcast.retention", cfg.Broadcast.Retention},
		{"reminders.payment_retry_delay", cfg.Reminders.PaymentRetryDelay},
		{"reminders.renewal_window", cfg.Reminders.RenewalWindow},
		{"reminders.plan_horizon", cfg.Reminders.PlanHorizon},
		{"reminders.retention", cfg.Reminders.Retention},
		{"billing.retention", cfg.Billing.Retention},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	for i, raw := range cfg.Reminders.JoinOffsets {
		if _, err := ParseDurationField(fmt.Sprintf("reminders.join_offsets[%d]", i), raw); err != nil {
			return err
		}
	}

	dailies := []struct{ path, raw string }{
		{"scheduler.cadences.plan_renewals", cfg.Scheduler.Cadences.PlanRenewals},
		{"scheduler.cadences.sweep_expired", cfg.Scheduler.Cadences.SweepExpired},
		{"scheduler.cadences.cleanup", cfg.Scheduler.Cadences.Cleanup},
	}
	for _, d := range dailies {
		if err := validateHHMM(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Broadcast.RatePerSec < 0 {
		return fmt.Errorf("broadcast.rate_per_sec: must be >= 0")
	}
	if cfg.Billing.DrainBatch < 0 {
		return fmt.Errorf("billing.drain_batch: must be >= 0")
	}
	return nil
}

// ValidateReload rejects changes that cannot be applied to a running process.
// The bot token and storage path are bound at startup; editing them in place
// would silently leave the old connection in use.
func ValidateReload(oldCfg, newCfg *Config) error {
	if err := Validate(newCfg); err != nil {
		return err
	}
	if oldCfg == nil {
		return nil
	}
	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) {
		return fmt.Errorf("telegram.token: change requires restart")
	}
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) {
		return fmt.Errorf("storage.path: change requires restart")
	}
	return nil
}

func validateHHMM(path, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return fmt.Errorf("%s: invalid time %q: %w", path, raw, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("%s: invalid time %q", path, raw)
	}
	return nil
}
