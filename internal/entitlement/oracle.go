// Package entitlement keeps the read-side projection of billing state and
// answers whether a user may access paywalled sessions. The projection is fed
// by verified billing webhooks and backstopped by a periodic reconciliation
// scan; it is never derived from client-asserted state.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coursecast-live/internal/models"
	"coursecast-live/internal/observability/metrics"
)

// Projection stores the user -> entitlement map.
type Projection interface {
	Get(ctx context.Context, userID string) (models.Entitlement, bool, error)
	Put(ctx context.Context, entitlement models.Entitlement) error
	Delete(ctx context.Context, userID string) error
}

// Subscription is the billing provider's view of a customer's plan.
type Subscription struct {
	Plan             string
	Status           string
	CurrentPeriodEnd time.Time
}

// Oracle answers paywall checks against the projection.
type Oracle struct {
	projection Projection
	logger     *slog.Logger
	now        func() time.Time
}

// NewOracle constructs an Oracle over the given projection.
func NewOracle(projection Projection, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{projection: projection, logger: logger, now: time.Now}
}

// Allowed reports whether the user may watch a session of the given kind.
// Kinds outside the paywall are always allowed; everything else requires an
// entitlement that is active right now. A projection read failure denies
// access rather than leaking paywalled content.
func (o *Oracle) Allowed(ctx context.Context, user models.User, kind models.SessionKind) (bool, error) {
	if !kind.Paywalled() {
		metrics.Default().ObserveEntitlementCheck("open")
		return true, nil
	}
	entitlement, ok, err := o.projection.Get(ctx, user.ID)
	if err != nil {
		metrics.Default().ObserveEntitlementCheck("error")
		return false, fmt.Errorf("entitlement lookup: %w", err)
	}
	if !ok {
		metrics.Default().ObserveEntitlementCheck("missing")
		return false, nil
	}
	if !entitlement.ActiveAt(o.now()) {
		metrics.Default().ObserveEntitlementCheck("denied")
		return false, nil
	}
	metrics.Default().ObserveEntitlementCheck("allowed")
	return true, nil
}

// ApplyBillingEvent folds one verified billing event into the projection.
// Unknown event kinds are an error so the webhook surface stays a closed set.
func (o *Oracle) ApplyBillingEvent(ctx context.Context, userID, eventKind string, sub Subscription) error {
	status := sub.Status
	switch eventKind {
	case "subscription.created", "subscription.updated", "checkout.session.completed":
		if status != models.EntitlementActive && status != models.EntitlementTrialing {
			status = models.EntitlementLapsed
		}
	case "invoice.payment_succeeded":
		status = models.EntitlementActive
	case "invoice.payment_failed", "subscription.deleted":
		status = models.EntitlementLapsed
	case "customer.subscription.trial_will_end":
		// Informational only; the projection changes when the trial actually
		// converts or lapses.
		o.logger.Info("trial ending soon", "user_id", userID, "plan", sub.Plan)
		return nil
	default:
		return fmt.Errorf("unhandled billing event kind %q", eventKind)
	}
	entitlement := models.Entitlement{
		UserID:    userID,
		Plan:      sub.Plan,
		Status:    status,
		ExpiresAt: sub.CurrentPeriodEnd,
		UpdatedAt: o.now().UTC(),
	}
	if err := o.projection.Put(ctx, entitlement); err != nil {
		return fmt.Errorf("project entitlement: %w", err)
	}
	o.logger.Info("entitlement projected", "user_id", userID, "event", eventKind, "status", status, "plan", sub.Plan)
	return nil
}

// Refresh overwrites the projection with the provider's authoritative view,
// used by the reconciliation scan.
func (o *Oracle) Refresh(ctx context.Context, userID string, sub Subscription) error {
	status := sub.Status
	if status != models.EntitlementActive && status != models.EntitlementTrialing {
		status = models.EntitlementLapsed
	}
	return o.projection.Put(ctx, models.Entitlement{
		UserID:    userID,
		Plan:      sub.Plan,
		Status:    status,
		ExpiresAt: sub.CurrentPeriodEnd,
		UpdatedAt: o.now().UTC(),
	})
}
