package config

// Config is the full bot configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "24h"). Daily cadences are "HH:MM" in the
// scheduler timezone.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Reminders RemindersConfig `json:"reminders"`
	Billing   BillingConfig   `json:"billing"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout; CallTimeout bounds single API calls.
	PollTimeout string `json:"poll_timeout,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"`
	// AdminChatID receives escalations; ChannelID/ChatID are the paid resources.
	AdminChatID int64 `json:"admin_chat_id"`
	ChannelID   int64 `json:"channel_id"`
	ChatID      int64 `json:"chat_id"`
	// EscalationRatePerMin caps admin notifications (0 = default).
	EscalationRatePerMin int `json:"escalation_rate_per_min,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled        bool           `json:"enabled"`
	Workers        int            `json:"workers,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
	DefaultTimeout string         `json:"default_timeout,omitempty"`
	Cadences       CadencesConfig `json:"cadences,omitempty"`
}

// CadencesConfig overrides the default tick schedule. Interval fields are
// durations; daily fields are "HH:MM".
type CadencesConfig struct {
	DispatchReminders    string `json:"dispatch_reminders,omitempty"`     // default "1m"
	DrainBilling         string `json:"drain_billing,omitempty"`          // default "10s"
	DrainBroadcasts      string `json:"drain_broadcasts,omitempty"`       // default "30s"
	SweepStaleBroadcasts string `json:"sweep_stale_broadcasts,omitempty"` // default "10m"
	PlanRenewals         string `json:"plan_renewals,omitempty"`          // default "10:00"
	SweepExpired         string `json:"sweep_expired,omitempty"`          // default "01:00"
	Cleanup              string `json:"cleanup,omitempty"`                // default "02:00"
}

type BroadcastConfig struct {
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	BlockDelay string `json:"block_delay,omitempty"`
	StaleAfter string `json:"stale_after,omitempty"`
	Retention  string `json:"retention,omitempty"`
}

type RemindersConfig struct {
	// JoinOffsets are delays after activation for each join nudge.
	JoinOffsets             []string `json:"join_offsets,omitempty"`
	JoinMaxAttempts         int      `json:"join_max_attempts,omitempty"`
	PaymentRetryDelay       string   `json:"payment_retry_delay,omitempty"`
	PaymentRetryMaxAttempts int      `json:"payment_retry_max_attempts,omitempty"`
	// RenewalWindow is the lead time for renewal notices.
	RenewalWindow string `json:"renewal_window,omitempty"`
	PlanHorizon   string `json:"plan_horizon,omitempty"`
	Retention     string `json:"retention,omitempty"`
}

type BillingConfig struct {
	DrainBatch       int    `json:"drain_batch,omitempty"`
	MaxEventAttempts int    `json:"max_event_attempts,omitempty"`
	Retention        string `json:"retention,omitempty"`
}
