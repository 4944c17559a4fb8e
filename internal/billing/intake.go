package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"memberbot/internal/escalate"
	"memberbot/internal/store"
	"memberbot/pkg/logx"
)

type IntakeConfig struct {
	DrainBatch       int
	MaxEventAttempts int
	Retention        time.Duration
}

func (c IntakeConfig) withDefaults() IntakeConfig {
	if c.DrainBatch <= 0 {
		c.DrainBatch = 5
	}
	if c.MaxEventAttempts <= 0 {
		c.MaxEventAttempts = 5
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

// Applier consumes decoded billing events. Implemented by the reconciler.
type Applier interface {
	Apply(ctx context.Context, ev Event) error
}

// Intake owns the billing-event inbox: appends inbound events and drains them
// to the applier in receipt order.
type Intake struct {
	mu  sync.Mutex
	cfg IntakeConfig

	db      *store.DB
	applier Applier
	esc     *escalate.Notifier
	log     logx.Logger
}

func NewIntake(cfg IntakeConfig, db *store.DB, applier Applier, esc *escalate.Notifier, log logx.Logger) *Intake {
	return &Intake{cfg: cfg.withDefaults(), db: db, applier: applier, esc: esc, log: log}
}

func (in *Intake) ApplyConfig(cfg IntakeConfig) {
	in.mu.Lock()
	in.cfg = cfg.withDefaults()
	in.mu.Unlock()
}

func (in *Intake) config() IntakeConfig {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cfg
}

// Accept appends one inbound event. Duplicates are fine; the applier is
// idempotent.
func (in *Intake) Accept(ctx context.Context, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	id, err := in.db.AppendBillingEvent(ctx, ev.Ref(), ev.Type(), payload)
	if err != nil {
		return err
	}
	in.log.Debug("billing event accepted",
		logx.Int64("event", id), logx.String("type", ev.Type()), logx.String("ref", ev.Ref()))
	return nil
}

// DrainPending processes one batch of unprocessed events in receipt order.
// An event is marked processed only after the applier succeeds; failures
// leave it pending for the next tick until the attempt budget runs out.
func (in *Intake) DrainPending(ctx context.Context) error {
	events, err := in.db.PendingBillingEvents(ctx, in.config().DrainBatch)
	if err != nil {
		return err
	}
	for _, raw := range events {
		in.processOne(ctx, raw)
	}
	return nil
}

func (in *Intake) processOne(ctx context.Context, raw store.BillingEvent) {
	ev, err := Decode(raw.EventType, raw.Payload)
	if err != nil {
		// A malformed payload never heals; park it immediately.
		in.park(ctx, raw, err)
		return
	}

	if err := in.applier.Apply(ctx, ev); err != nil {
		attempts, berr := in.db.BumpBillingEventAttempt(ctx, raw.ID)
		if berr != nil {
			in.log.Error("billing event attempt bump failed", logx.Int64("event", raw.ID), logx.Err(berr))
			return
		}
		if attempts >= in.config().MaxEventAttempts {
			in.park(ctx, raw, fmt.Errorf("gave up after %d attempts: %w", attempts, err))
			return
		}
		in.log.Warn("billing event apply failed; will retry",
			logx.Int64("event", raw.ID), logx.String("type", raw.EventType),
			logx.Int("attempts", attempts), logx.Err(err))
		return
	}

	if err := in.db.MarkBillingEventProcessed(ctx, raw.ID, time.Now()); err != nil {
		// Worst case the event is re-applied next tick; Apply is idempotent.
		in.log.Error("billing event mark processed failed", logx.Int64("event", raw.ID), logx.Err(err))
		return
	}
	in.log.Info("billing event applied",
		logx.Int64("event", raw.ID), logx.String("type", raw.EventType), logx.String("ref", raw.SubscriberRef))
}

func (in *Intake) park(ctx context.Context, raw store.BillingEvent, cause error) {
	note := cause.Error()
	if err := in.db.MarkBillingEventUnprocessable(ctx, raw.ID, note, time.Now()); err != nil {
		in.log.Error("billing event park failed", logx.Int64("event", raw.ID), logx.Err(err))
		return
	}
	in.log.Error("billing event unprocessable",
		logx.Int64("event", raw.ID), logx.String("type", raw.EventType), logx.Err(cause))
	in.esc.Notify(ctx, fmt.Sprintf(
		"⚠️ Billing event #%d (%s, ref %s) could not be processed: %s",
		raw.ID, raw.EventType, raw.SubscriberRef, note))
}

// Cleanup purges processed events older than the retention window.
func (in *Intake) Cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-in.config().Retention)
	n, err := in.db.DeleteProcessedEventsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		in.log.Info("billing inbox cleaned", logx.Int64("deleted", n))
	}
	return nil
}
