package billing

import (
	"context"
	"time"
)

// Subscription is the provider's current view of one subscription.
type Subscription struct {
	Ref               string
	Status            string
	PeriodEnd         *time.Time
	NextBillingAt     *time.Time
	CancelAtPeriodEnd bool
}

// Provider is the queryable side of the billing system. Used to refresh
// billing dates when local state is stale (renewal planning).
type Provider interface {
	GetSubscription(ctx context.Context, ref string) (Subscription, error)
}
