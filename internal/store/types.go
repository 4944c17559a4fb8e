package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type SubscriptionState string

const (
	StateInactive         SubscriptionState = "inactive"
	StateActive           SubscriptionState = "active"
	StatePaused           SubscriptionState = "paused"
	StateCancelledPending SubscriptionState = "cancelled_pending"
	StateExpired          SubscriptionState = "expired"
)

// Subscriber is the local view of one member's subscription lifecycle.
// State-field writes belong to the reconciler; everyone else reads.
type Subscriber struct {
	ID         int64
	TelegramID int64
	Username   string
	FirstName  string

	State     SubscriptionState
	AutoRenew bool

	PeriodEnd     *time.Time
	NextBillingAt *time.Time

	CustomerRef     string
	SubscriptionRef string

	JoinedChannel bool
	JoinedChat    bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

type ReminderKind string

const (
	ReminderJoinNudge        ReminderKind = "join_nudge"
	ReminderRenewalNotice    ReminderKind = "renewal_notice"
	ReminderPaymentRetry     ReminderKind = "payment_retry"
	ReminderExpirationNotice ReminderKind = "expiration_notice"
)

type Reminder struct {
	ID           int64
	SubscriberID int64
	Kind         ReminderKind

	ScheduledAt time.Time
	SentAt      *time.Time

	Attempts    int
	MaxAttempts int
	Active      bool

	// Payload carries opaque kind-specific data (JSON).
	Payload string

	CreatedAt time.Time
}

type BroadcastStatus string

const (
	BroadcastPending    BroadcastStatus = "pending"
	BroadcastProcessing BroadcastStatus = "processing"
	BroadcastCompleted  BroadcastStatus = "completed"
	BroadcastFailed     BroadcastStatus = "failed"
)

type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
)

// BroadcastJob is a one-time bulk message against an audience snapshot.
// TotalRecipients is fixed at creation and never changes afterwards.
type BroadcastJob struct {
	ID     int64
	Title  string
	Blocks string // JSON array of content blocks

	Status          BroadcastStatus
	TotalRecipients int
	SentCount       int
	FailedCount     int
	RunLog          string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type QueueItem struct {
	ID           int64
	JobID        int64
	SubscriberID int64
	TelegramID   int64

	Status QueueStatus
	Error  string
	SentAt *time.Time
}

// Recipient is one audience-snapshot row materialized at broadcast creation.
type Recipient struct {
	SubscriberID int64
	TelegramID   int64
}

// BillingEvent is one inbox row. The inbox is append-only and accepts
// duplicates; processing is idempotent downstream.
type BillingEvent struct {
	ID            int64
	SubscriberRef string
	EventType     string
	Payload       string // JSON, decoded by the billing package

	Processed bool
	Attempts  int
	Note      string

	ReceivedAt  time.Time
	ProcessedAt *time.Time
}
