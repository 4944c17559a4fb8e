package config

import (
	"reflect"
	"sort"
	"strings"

	"memberbot/pkg/logx"
)

// SummarizeChange returns the list of changed sections plus safe structured
// attrs for logging. Secrets (the bot token) are never included; only a
// changed/unchanged bit is surfaced for them.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed",
				strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token)),
			logx.Int64("telegram.admin_chat_id", newCfg.Telegram.AdminChatID),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_changed",
				strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path)),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Bool("scheduler.cadences_changed", oldCfg.Scheduler.Cadences != newCfg.Scheduler.Cadences),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
			logx.String("broadcast.stale_after", strings.TrimSpace(newCfg.Broadcast.StaleAfter)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.Int("reminders.join_offsets", len(newCfg.Reminders.JoinOffsets)),
			logx.Int("reminders.join_max_attempts", newCfg.Reminders.JoinMaxAttempts),
			logx.String("reminders.renewal_window", strings.TrimSpace(newCfg.Reminders.RenewalWindow)),
		)
	}

	if oldCfg.Billing != newCfg.Billing {
		changed = append(changed, "billing")
		attrs = append(attrs,
			logx.Int("billing.drain_batch", newCfg.Billing.DrainBatch),
			logx.Int("billing.max_event_attempts", newCfg.Billing.MaxEventAttempts),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
