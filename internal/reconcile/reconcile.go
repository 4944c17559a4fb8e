// Package reconcile keeps the local subscription state machine consistent
// with the external billing event stream and with wall-clock expiration.
//
// All effects derive from the subscriber's current state plus the event's
// declared target state, never from event counting, so redelivered events are
// harmless. User actions (pause/cancel/resume) flow through the same per-row
// transaction as billing events to avoid lost updates.
package reconcile

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

// ErrInvalidTransition is returned for user actions that do not apply to the
// subscriber's current state (e.g. pausing an inactive subscription).
var ErrInvalidTransition = errors.New("reconcile: invalid state transition")

// ErrUnknownSubscriber marks events referencing nobody we know. The intake
// retries these a bounded number of times before parking them.
var ErrUnknownSubscriber = errors.New("reconcile: unknown subscriber")

// ReminderPlanner is the slice of the reminder engine the reconciler needs.
type ReminderPlanner interface {
	Schedule(ctx context.Context, subscriberID int64, kind store.ReminderKind, when time.Time, maxAttempts int) (int64, error)
	Cancel(ctx context.Context, subscriberID int64, kind store.ReminderKind) (int64, error)
}

type Config struct {
	JoinNudgeOffsets        []time.Duration
	JoinMaxAttempts         int
	PaymentRetryDelay       time.Duration
	PaymentRetryMaxAttempts int

	// DefaultPeriod backstops events that omit the period end.
	DefaultPeriod time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.JoinNudgeOffsets) == 0 {
		c.JoinNudgeOffsets = []time.Duration{24 * time.Hour, 48 * time.Hour}
	}
	if c.JoinMaxAttempts <= 0 {
		c.JoinMaxAttempts = 3
	}
	if c.PaymentRetryDelay <= 0 {
		c.PaymentRetryDelay = 24 * time.Hour
	}
	if c.PaymentRetryMaxAttempts <= 0 {
		c.PaymentRetryMaxAttempts = 3
	}
	if c.DefaultPeriod <= 0 {
		c.DefaultPeriod = 30 * 24 * time.Hour
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	db        *store.DB
	gw        gateway.Gateway
	reminders ReminderPlanner
	esc       *escalate.Notifier
	log       logx.Logger

	now func() time.Time
}

func New(cfg Config, db *store.DB, gw gateway.Gateway, reminders ReminderPlanner, esc *escalate.Notifier, log logx.Logger) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		db:        db,
		gw:        gw,
		reminders: reminders,
		esc:       esc,
		log:       log,
		now:       time.Now,
	}
}

func (s *Service) Apply(ctx context.Context, ev billing.Event) error {
	switch e := ev.(type) {
	case billing.CheckoutCompleted:
		return s.applyCheckoutCompleted(ctx, e)
	case billing.InvoicePaid:
		return s.applyInvoicePaid(ctx, e)
	case billing.InvoiceFailed:
		return s.applyInvoiceFailed(ctx, e)
	case billing.SubscriptionUpdated:
		return s.applySubscriptionUpdated(ctx, e)
	default:
		return fmt.Errorf("reconcile: unhandled event type %q", ev.Type())
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ApplyConfig swaps tunables at runtime.
func (s *Service) ApplyConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// ---- billing events ----

func (s *Service) applyCheckoutCompleted(ctx context.Context, ev billing.CheckoutCompleted) error {
	cfg := s.config()
	sub, err := s.db.SubscriberByTelegramID(ctx, ev.TelegramID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: telegram_id %d", ErrUnknownSubscriber, ev.TelegramID)
	}
	if err != nil {
		return err
	}

	// Redelivery of the same checkout: already active on this subscription.
	if sub.State == store.StateActive && sub.SubscriptionRef == ev.SubscriptionRef {
		return nil
	}

	now := s.now()
	periodEnd := ev.PeriodEnd
	if periodEnd == nil {
		pe := now.Add(cfg.DefaultPeriod)
		periodEnd = &pe
	}

	updated, err := s.db.MutateSubscriber(ctx, sub.ID, func(u *store.Subscriber) error {
		u.State = store.StateActive
		u.AutoRenew = true
		u.CustomerRef = ev.CustomerRef
		u.SubscriptionRef = ev.SubscriptionRef
		u.PeriodEnd = periodEnd
		if ev.NextBillingAt != nil {
			u.NextBillingAt = ev.NextBillingAt
		} else {
			u.NextBillingAt = periodEnd
		}
		return nil
	})
	if err != nil {
		return err
	}

	// A fresh activation supersedes any pending billing nudges.
	if _, err := s.reminders.Cancel(ctx, updated.ID, store.ReminderPaymentRetry); err != nil {
		return err
	}
	if _, err := s.reminders.Cancel(ctx, updated.ID, store.ReminderRenewalNotice); err != nil {
		return err
	}

	// Nudge the subscriber to join the private resources until they do.
	if !updated.JoinedChannel || !updated.JoinedChat {
		for _, off := range cfg.JoinNudgeOffsets {
			if _, err := s.reminders.Schedule(ctx, updated.ID, store.ReminderJoinNudge, now.Add(off), cfg.JoinMaxAttempts); err != nil {
				return err
			}
		}
	}

	s.log.Info("subscription activated",
		logx.Int64("subscriber", updated.ID), logx.Int64("telegram_id", updated.TelegramID),
		logx.String("subscription_ref", ev.SubscriptionRef))
	return nil
}

func (s *Service) applyInvoicePaid(ctx context.Context, ev billing.InvoicePaid) error {
	sub, err := s.db.SubscriberByRef(ctx, ev.SubscriptionRef)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: ref %s", ErrUnknownSubscriber, ev.SubscriptionRef)
	}
	if err != nil {
		return err
	}

	updated, err := s.db.MutateSubscriber(ctx, sub.ID, func(u *store.Subscriber) error {
		// A successful renewal clears paused/cancelled_pending.
		u.State = store.StateActive
		u.AutoRenew = true
		if ev.PeriodEnd != nil {
			u.PeriodEnd = ev.PeriodEnd
		}
		if ev.NextBillingAt != nil {
			u.NextBillingAt = ev.NextBillingAt
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Payment went through: any retry nudge is moot. Cancel is idempotent.
	if _, err := s.reminders.Cancel(ctx, updated.ID, store.ReminderPaymentRetry); err != nil {
		return err
	}

	s.log.Info("invoice paid",
		logx.Int64("subscriber", updated.ID), logx.String("ref", ev.SubscriptionRef))
	return nil
}

func (s *Service) applyInvoiceFailed(ctx context.Context, ev billing.InvoiceFailed) error {
	cfg := s.config()
	sub, err := s.db.SubscriberByRef(ctx, ev.SubscriptionRef)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: ref %s", ErrUnknownSubscriber, ev.SubscriptionRef)
	}
	if err != nil {
		return err
	}

	if sub.State != store.StateActive {
		// Nothing to chase: access already paused/cancelled/expired.
		return nil
	}

	now := s.now()
	// One active retry nudge at a time; redelivered failures are no-ops.
	exists, err := s.db.HasActiveReminder(ctx, sub.ID, store.ReminderPaymentRetry, now)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := s.reminders.Schedule(ctx, sub.ID, store.ReminderPaymentRetry, now.Add(cfg.PaymentRetryDelay), cfg.PaymentRetryMaxAttempts); err != nil {
		return err
	}

	s.log.Warn("invoice failed; payment retry reminder scheduled",
		logx.Int64("subscriber", sub.ID), logx.String("ref", ev.SubscriptionRef))
	return nil
}

func (s *Service) applySubscriptionUpdated(ctx context.Context, ev billing.SubscriptionUpdated) error {
	sub, err := s.db.SubscriberByRef(ctx, ev.SubscriptionRef)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: ref %s", ErrUnknownSubscriber, ev.SubscriptionRef)
	}
	if err != nil {
		return err
	}

	switch ev.Status {
	case "paused":
		if sub.State != store.StateActive && sub.State != store.StatePaused {
			return nil
		}
		_, err := s.db.MutateSubscriber(ctx, sub.ID, func(u *store.Subscriber) error {
			u.State = store.StatePaused
			u.AutoRenew = false
			reconcileDates(u, ev.PeriodEnd, ev.NextBillingAt)
			return nil
		})
		if err == nil {
			s.log.Info("subscription paused", logx.Int64("subscriber", sub.ID))
		}
		return err

	case "active":
		if sub.State != store.StatePaused && sub.State != store.StateCancelledPending {
			return nil
		}
		_, err := s.db.MutateSubscriber(ctx, sub.ID, func(u *store.Subscriber) error {
			u.State = store.StateActive
			u.AutoRenew = true
			reconcileDates(u, ev.PeriodEnd, ev.NextBillingAt)
			return nil
		})
		if err == nil {
			s.log.Info("subscription resumed", logx.Int64("subscriber", sub.ID))
		}
		return err

	case "cancelled":
		return s.applyBillingCancel(ctx, sub, ev)

	default:
		s.log.Debug("subscription update ignored",
			logx.Int64("subscriber", sub.ID), logx.String("status", ev.Status))
		return nil
	}
}

// applyBillingCancel handles provider-side cancellation. When the period end
// is known (from the event or locally), access persists until the expiration
// sweep. When it is genuinely unknown, membership is cleared defensively and
// the subscriber must re-join through the normal flow.
func (s *Service) applyBillingCancel(ctx context.Context, sub store.Subscriber, ev billing.SubscriptionUpdated) error {
	if sub.State == store.StateExpired || sub.State == store.StateInactive {
		return nil
	}

	periodEnd := ev.PeriodEnd
	if periodEnd == nil {
		periodEnd = sub.PeriodEnd
	}
	periodKnown := periodEnd != nil

	now := s.now()
	updated, err := s.db.MutateSubscriber(ctx, sub.ID, func(u *store.Subscriber) error {
		u.State = store.StateCancelledPending
		u.AutoRenew = false
		if periodKnown {
			u.PeriodEnd = periodEnd
		} else {
			// No period end to wait for: the next sweep pass expires them.
			pe := now
			u.PeriodEnd = &pe
			u.JoinedChannel = false
			u.JoinedChat = false
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !periodKnown {
		s.revokeAccess(ctx, sub)
	}

	s.log.Info("subscription cancelled",
		logx.Int64("subscriber", updated.ID), logx.Bool("period_end_known", periodKnown))
	return nil
}

// ---- user actions ----

func (s *Service) Pause(ctx context.Context, telegramID int64) (store.Subscriber, error) {
	return s.userTransition(ctx, telegramID, func(u *store.Subscriber) error {
		if u.State != store.StateActive {
			return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, u.State)
		}
		u.State = store.StatePaused
		u.AutoRenew = false
		return nil
	})
}

func (s *Service) Cancel(ctx context.Context, telegramID int64) (store.Subscriber, error) {
	return s.userTransition(ctx, telegramID, func(u *store.Subscriber) error {
		if u.State != store.StateActive && u.State != store.StatePaused {
			return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, u.State)
		}
		// Access continues until period end; membership flags untouched.
		u.State = store.StateCancelledPending
		u.AutoRenew = false
		return nil
	})
}

func (s *Service) Resume(ctx context.Context, telegramID int64) (store.Subscriber, error) {
	return s.userTransition(ctx, telegramID, func(u *store.Subscriber) error {
		if u.State != store.StatePaused && u.State != store.StateCancelledPending {
			return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, u.State)
		}
		u.State = store.StateActive
		u.AutoRenew = true
		return nil
	})
}

func (s *Service) userTransition(ctx context.Context, telegramID int64, fn func(*store.Subscriber) error) (store.Subscriber, error) {
	sub, err := s.db.SubscriberByTelegramID(ctx, telegramID)
	if err != nil {
		return store.Subscriber{}, err
	}
	return s.db.MutateSubscriber(ctx, sub.ID, fn)
}

// MarkJoined records that a subscriber joined a managed resource. Once both
// flags are set, pending join nudges are cancelled (their precondition is
// satisfied).
func (s *Service) MarkJoined(ctx context.Context, telegramID int64, res gateway.Resource) (store.Subscriber, error) {
	sub, err := s.db.SubscriberByTelegramID(ctx, telegramID)
	if err != nil {
		return store.Subscriber{}, err
	}
	updated, err := s.db.MutateSubscriber(ctx, sub.ID, func(u *store.Subscriber) error {
		switch res {
		case gateway.ResourceChannel:
			u.JoinedChannel = true
		case gateway.ResourceChat:
			u.JoinedChat = true
		default:
			return fmt.Errorf("reconcile: unknown resource %q", res)
		}
		return nil
	})
	if err != nil {
		return store.Subscriber{}, err
	}
	if updated.JoinedChannel && updated.JoinedChat {
		if _, err := s.reminders.Cancel(ctx, updated.ID, store.ReminderJoinNudge); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// ---- expiration sweep ----

// SweepExpired is the only path that converts access-granting states to
// expired purely on time. It runs as one batched pass: select everyone past
// their period end, revoke the resources they still hold, then flip the whole
// batch in a single statement. Each expired subscriber also gets a one-shot
// expiration notice through the reminder engine.
func (s *Service) SweepExpired(ctx context.Context) error {
	now := s.now()
	expired, err := s.db.ExpiredSubscribers(ctx, now)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(expired))
	for _, sub := range expired {
		s.revokeAccess(ctx, sub)
		if _, err := s.reminders.Schedule(ctx, sub.ID, store.ReminderExpirationNotice, now, 1); err != nil {
			s.log.Warn("expiration notice not scheduled",
				logx.Int64("subscriber", sub.ID), logx.Err(err))
		}
		ids = append(ids, sub.ID)
	}
	if err := s.db.ExpireSubscribers(ctx, ids, now); err != nil {
		return err
	}

	s.log.Info("expiration sweep finished", logx.Int("expired", len(expired)))
	s.esc.Notify(ctx, fmt.Sprintf("⏳ Expiration sweep: %d subscription(s) expired and access revoked.", len(expired)))
	return nil
}

// revokeAccess removes the subscriber from resources they still hold.
// Failures are logged, not fatal: the membership flags are cleared regardless
// and a later manual kick is the operator's recovery path.
func (s *Service) revokeAccess(ctx context.Context, sub store.Subscriber) {
	if sub.JoinedChannel {
		if err := s.gw.RevokeMembership(ctx, sub.TelegramID, gateway.ResourceChannel); err != nil {
			s.log.Warn("channel revoke failed",
				logx.Int64("telegram_id", sub.TelegramID), logx.Err(err))
		}
	}
	if sub.JoinedChat {
		if err := s.gw.RevokeMembership(ctx, sub.TelegramID, gateway.ResourceChat); err != nil {
			s.log.Warn("chat revoke failed",
				logx.Int64("telegram_id", sub.TelegramID), logx.Err(err))
		}
	}
}

func reconcileDates(u *store.Subscriber, periodEnd, nextBillingAt *time.Time) {
	if periodEnd != nil {
		u.PeriodEnd = periodEnd
	}
	if nextBillingAt != nil {
		u.NextBillingAt = nextBillingAt
	}
}
