// Package billing models the external billing provider: the event stream it
// pushes at us, the queryable subscription status, and the durable inbox the
// reconciler drains.
//
// Events arrive at-least-once and out of order. Payloads are decoded into a
// typed union exactly once, at the drain boundary; nothing downstream touches
// raw JSON.
package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	TypeCheckoutCompleted   = "checkout_completed"
	TypeInvoicePaid         = "invoice_paid"
	TypeInvoiceFailed       = "invoice_failed"
	TypeSubscriptionUpdated = "subscription_updated"
)

// Event is the tagged union of billing event kinds. Each variant carries only
// the fields its kind guarantees.
type Event interface {
	// Type returns the wire event type.
	Type() string
	// Ref returns the external reference used to locate the subscriber.
	Ref() string
}

// CheckoutCompleted fires when a new checkout finishes: the subscriber paid
// for the first time (or re-subscribed after expiry).
type CheckoutCompleted struct {
	TelegramID      int64      `json:"telegram_id"`
	CustomerRef     string     `json:"customer_ref"`
	SubscriptionRef string     `json:"subscription_ref"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
	NextBillingAt   *time.Time `json:"next_billing_at,omitempty"`
}

func (CheckoutCompleted) Type() string { return TypeCheckoutCompleted }
func (e CheckoutCompleted) Ref() string {
	if e.SubscriptionRef != "" {
		return e.SubscriptionRef
	}
	if e.CustomerRef != "" {
		return e.CustomerRef
	}
	return strconv.FormatInt(e.TelegramID, 10)
}

// InvoicePaid fires on every successful charge, including renewals.
type InvoicePaid struct {
	SubscriptionRef string     `json:"subscription_ref"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
	NextBillingAt   *time.Time `json:"next_billing_at,omitempty"`
	AmountPaid      int64      `json:"amount_paid,omitempty"` // minor units
	Currency        string     `json:"currency,omitempty"`
}

func (InvoicePaid) Type() string  { return TypeInvoicePaid }
func (e InvoicePaid) Ref() string { return e.SubscriptionRef }

// InvoiceFailed fires when a renewal charge is declined.
type InvoiceFailed struct {
	SubscriptionRef string `json:"subscription_ref"`
	AmountDue       int64  `json:"amount_due,omitempty"`
	Currency        string `json:"currency,omitempty"`
}

func (InvoiceFailed) Type() string  { return TypeInvoiceFailed }
func (e InvoiceFailed) Ref() string { return e.SubscriptionRef }

// SubscriptionUpdated fires when the provider-side subscription object
// changes: paused, resumed, cancelled (possibly at period end), deleted.
type SubscriptionUpdated struct {
	SubscriptionRef   string     `json:"subscription_ref"`
	Status            string     `json:"status"` // active, paused, cancelled
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	NextBillingAt     *time.Time `json:"next_billing_at,omitempty"`
}

func (SubscriptionUpdated) Type() string  { return TypeSubscriptionUpdated }
func (e SubscriptionUpdated) Ref() string { return e.SubscriptionRef }

// Encode serializes an event payload for the inbox.
func Encode(ev Event) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode deserializes one inbox payload into its typed variant.
func Decode(eventType, payload string) (Event, error) {
	switch eventType {
	case TypeCheckoutCompleted:
		var e CheckoutCompleted
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("billing: decode %s: %w", eventType, err)
		}
		return e, nil
	case TypeInvoicePaid:
		var e InvoicePaid
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("billing: decode %s: %w", eventType, err)
		}
		return e, nil
	case TypeInvoiceFailed:
		var e InvoiceFailed
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("billing: decode %s: %w", eventType, err)
		}
		return e, nil
	case TypeSubscriptionUpdated:
		var e SubscriptionUpdated
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("billing: decode %s: %w", eventType, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("billing: unknown event type %q", eventType)
	}
}
