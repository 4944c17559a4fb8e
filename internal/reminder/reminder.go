// Package reminder schedules and dispatches bounded-retry nudge messages.
//
// The engine only bounds attempts; it never requeues internally. A failed
// send is retried on the next dispatch tick until attempts run out, at which
// point the reminder deactivates and one escalation fires.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"memberbot/internal/billing"
	"memberbot/internal/escalate"
	"memberbot/internal/gateway"
	"memberbot/internal/store"
	"memberbot/pkg/logx"
)

type Config struct {
	DispatchBatch int

	// RenewalLead is how far before the next billing date the renewal notice
	// goes out; PlanHorizon is how far ahead one daily planning pass looks.
	RenewalLead time.Duration
	PlanHorizon time.Duration

	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.DispatchBatch <= 0 {
		c.DispatchBatch = 100
	}
	if c.RenewalLead <= 0 {
		c.RenewalLead = 7 * 24 * time.Hour
	}
	if c.PlanHorizon <= 0 {
		c.PlanHorizon = 24 * time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

type Engine struct {
	mu  sync.Mutex
	cfg Config

	db       *store.DB
	gw       gateway.Gateway
	provider billing.Provider
	esc      *escalate.Notifier
	log      logx.Logger

	now func() time.Time
}

func New(cfg Config, db *store.DB, gw gateway.Gateway, provider billing.Provider, esc *escalate.Notifier, log logx.Logger) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		db:       db,
		gw:       gw,
		provider: provider,
		esc:      esc,
		log:      log,
		now:      time.Now,
	}
}

func (e *Engine) ApplyConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Schedule creates one reminder.
func (e *Engine) Schedule(ctx context.Context, subscriberID int64, kind store.ReminderKind, when time.Time, maxAttempts int) (int64, error) {
	id, err := e.db.CreateReminder(ctx, store.Reminder{
		SubscriberID: subscriberID,
		Kind:         kind,
		ScheduledAt:  when,
		MaxAttempts:  maxAttempts,
	})
	if err != nil {
		return 0, err
	}
	e.log.Debug("reminder scheduled",
		logx.Int64("reminder", id), logx.Int64("subscriber", subscriberID),
		logx.String("kind", string(kind)), logx.Time("at", when))
	return id, nil
}

// Cancel deactivates active reminders of the given kind (empty kind = all).
// Used when the triggering condition no longer holds.
func (e *Engine) Cancel(ctx context.Context, subscriberID int64, kind store.ReminderKind) (int64, error) {
	n, err := e.db.CancelReminders(ctx, subscriberID, kind)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.Debug("reminders cancelled",
			logx.Int64("subscriber", subscriberID), logx.String("kind", string(kind)), logx.Int64("count", n))
	}
	return n, nil
}

// DispatchDue sends every eligible reminder once. One recipient's failure
// never affects the rest of the batch.
func (e *Engine) DispatchDue(ctx context.Context) error {
	cfg := e.config()
	now := e.now()
	due, err := e.db.DueReminders(ctx, now, cfg.DispatchBatch)
	if err != nil {
		return err
	}
	for _, r := range due {
		e.dispatchOne(ctx, r)
	}
	return nil
}

func (e *Engine) dispatchOne(ctx context.Context, r store.Reminder) {
	sub, err := e.db.SubscriberByID(ctx, r.SubscriberID)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Error("reminder references unknown subscriber; deactivating",
			logx.Int64("reminder", r.ID), logx.Int64("subscriber", r.SubscriberID))
		_ = e.db.DeactivateReminder(ctx, r.ID)
		return
	}
	if err != nil {
		e.log.Error("reminder subscriber lookup failed", logx.Int64("reminder", r.ID), logx.Err(err))
		return
	}

	msg, err := e.render(ctx, r, sub)
	if err != nil {
		e.log.Error("reminder render failed", logx.Int64("reminder", r.ID), logx.Err(err))
		e.recordFailure(ctx, r, sub, err)
		return
	}

	if err := e.send(ctx, sub.TelegramID, msg); err != nil {
		if errors.Is(err, gateway.ErrPermanent) {
			// The recipient is unreachable for good; retrying is pointless.
			_ = e.db.DeactivateReminder(ctx, r.ID)
			e.log.Warn("reminder recipient unreachable; deactivated",
				logx.Int64("reminder", r.ID), logx.Int64("telegram_id", sub.TelegramID), logx.Err(err))
			e.escalateExhausted(ctx, r, sub)
			return
		}
		e.log.Warn("reminder send failed",
			logx.Int64("reminder", r.ID), logx.Int64("telegram_id", sub.TelegramID), logx.Err(err))
		e.recordFailure(ctx, r, sub, err)
		return
	}

	now := e.now()
	if err := e.db.MarkReminderSent(ctx, r.ID, now); err != nil {
		e.log.Error("reminder mark sent failed", logx.Int64("reminder", r.ID), logx.Err(err))
		return
	}
	e.log.Info("reminder sent",
		logx.Int64("reminder", r.ID), logx.Int64("telegram_id", sub.TelegramID), logx.String("kind", string(r.Kind)))

	// The final join nudge went out and the subscriber still has not joined:
	// hand the case to a human.
	if r.Kind == store.ReminderJoinNudge && r.Attempts+1 >= r.MaxAttempts &&
		(!sub.JoinedChannel || !sub.JoinedChat) {
		e.esc.Notify(ctx, fmt.Sprintf(
			"🚨 Subscriber %s (telegram %d) paid but has not joined after %d nudges.",
			sub.FirstName, sub.TelegramID, r.MaxAttempts))
	}
}

func (e *Engine) recordFailure(ctx context.Context, r store.Reminder, sub store.Subscriber, cause error) {
	attempts, err := e.db.BumpReminderAttempt(ctx, r.ID)
	if err != nil {
		e.log.Error("reminder attempt bump failed", logx.Int64("reminder", r.ID), logx.Err(err))
		return
	}
	if attempts >= r.MaxAttempts {
		if err := e.db.DeactivateReminder(ctx, r.ID); err != nil {
			e.log.Error("reminder deactivate failed", logx.Int64("reminder", r.ID), logx.Err(err))
			return
		}
		e.escalateExhausted(ctx, r, sub)
	}
}

func (e *Engine) escalateExhausted(ctx context.Context, r store.Reminder, sub store.Subscriber) {
	e.esc.Notify(ctx, fmt.Sprintf(
		"🚨 Reminder %s for subscriber %s (telegram %d) exhausted %d attempts without delivery.",
		r.Kind, sub.FirstName, sub.TelegramID, r.MaxAttempts))
}

func (e *Engine) send(ctx context.Context, telegramID int64, msg gateway.Message) error {
	for i, block := range msg.Blocks {
		if i > 0 {
			// Small intra-recipient gap between blocks of one reminder.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(150 * time.Millisecond):
			}
		}
		if err := e.gw.Send(ctx, telegramID, block); err != nil {
			return err
		}
	}
	return nil
}

// PlanRenewals is the daily planning pass: it refreshes billing dates that
// are missing locally and schedules a renewal notice RenewalLead before each
// upcoming charge, at most one active notice per subscriber.
func (e *Engine) PlanRenewals(ctx context.Context) error {
	cfg := e.config()
	now := e.now()

	e.refreshBillingDates(ctx)

	// next_billing_at in (now+lead, now+lead+horizon] puts the notice time
	// inside (now, now+horizon].
	candidates, err := e.db.RenewalCandidates(ctx, now.Add(cfg.RenewalLead), cfg.PlanHorizon)
	if err != nil {
		return err
	}
	planned := 0
	for _, sub := range candidates {
		if sub.NextBillingAt == nil {
			continue
		}
		exists, err := e.db.HasActiveReminder(ctx, sub.ID, store.ReminderRenewalNotice, now)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		at := sub.NextBillingAt.Add(-cfg.RenewalLead)
		if _, err := e.Schedule(ctx, sub.ID, store.ReminderRenewalNotice, at, 1); err != nil {
			return err
		}
		planned++
	}
	if planned > 0 {
		e.log.Info("renewal notices planned", logx.Int("count", planned))
	}
	return nil
}

// refreshBillingDates pulls the provider's view for subscribers whose local
// next-billing date is missing. Best effort; failures wait for the next pass.
func (e *Engine) refreshBillingDates(ctx context.Context) {
	if e.provider == nil {
		return
	}
	stale, err := e.db.SubscribersMissingBillingDate(ctx, 50)
	if err != nil {
		e.log.Error("stale billing date query failed", logx.Err(err))
		return
	}
	for _, sub := range stale {
		info, err := e.provider.GetSubscription(ctx, sub.SubscriptionRef)
		if err != nil {
			e.log.Warn("provider subscription lookup failed",
				logx.Int64("subscriber", sub.ID), logx.String("ref", sub.SubscriptionRef), logx.Err(err))
			continue
		}
		if info.NextBillingAt == nil && info.PeriodEnd == nil {
			continue
		}
		_, err = e.db.MutateSubscriber(ctx, sub.ID, func(u *store.Subscriber) error {
			if info.PeriodEnd != nil {
				u.PeriodEnd = info.PeriodEnd
			}
			if info.NextBillingAt != nil {
				u.NextBillingAt = info.NextBillingAt
			}
			return nil
		})
		if err != nil {
			e.log.Error("billing date refresh write failed", logx.Int64("subscriber", sub.ID), logx.Err(err))
		}
	}
}

// CleanupOld purges inactive reminders past the retention window.
func (e *Engine) CleanupOld(ctx context.Context) error {
	cfg := e.config()
	n, err := e.db.DeleteInactiveRemindersBefore(ctx, e.now().Add(-cfg.Retention))
	if err != nil {
		return err
	}
	if n > 0 {
		e.log.Info("old reminders purged", logx.Int64("deleted", n))
	}
	return nil
}
