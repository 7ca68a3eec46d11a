package controlplane

import (
	"context"
	"strings"
	"time"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/jobs"
	"github.com/RendaniSinyage/rokct/internal/lifecycle"
	"github.com/RendaniSinyage/rokct/internal/payment"
	"github.com/RendaniSinyage/rokct/internal/store"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
)

// How long a tenant may cache its subscription status.
const (
	stableStatusCache   = 24 * time.Hour
	unstableStatusCache = time.Hour
)

const retryPaymentAttempts = 3

// SubscriptionStatus is the view of sub a tenant site sees.
func SubscriptionStatus(ctx context.Context, st *store.Store, sub *store.Subscription) (*tenantrpc.SubscriptionStatus, error) {
	plan, err := st.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, rerrors.Transient("controlplane.get_subscription_status", err)
	}
	out := &tenantrpc.SubscriptionStatus{
		Status:                    string(sub.Status),
		Plan:                      sub.PlanID,
		Modules:                   []string{},
		MaxCompanies:              1,
		SubscriptionCacheDuration: int(unstableStatusCache.Seconds()),
	}
	switch sub.Status {
	case store.StatusActive, store.StatusFree, store.StatusTrialing:
		out.SubscriptionCacheDuration = int(stableStatusCache.Seconds())
	}
	if plan != nil {
		out.Modules = append(out.Modules, plan.Modules...)
		out.MaxCompanies = plan.MaxCompaniesOrDefault()
	}
	if sub.TrialEndsOn != nil {
		out.TrialEndsOn = sub.TrialEndsOn.Format(time.DateOnly)
	}
	if sub.NextBillingDate != nil {
		out.NextBillingDate = sub.NextBillingDate.Format(time.DateOnly)
	}
	return out, nil
}

// EnqueueRetryPayment queues an immediate charge for a Grace Period
// subscription. A retry already queued for the site is reused.
func EnqueueRetryPayment(ctx context.Context, st *store.Store, q *jobs.Queue, subscriptionID, requestedBy string) (string, error) {
	const op = "controlplane.retry_payment"
	sub, err := st.GetSubscription(ctx, strings.TrimSpace(subscriptionID))
	if err != nil {
		return "", rerrors.Transient(op, err)
	}
	if sub == nil {
		return "", rerrors.NotFound(op, "subscription %s not found", subscriptionID)
	}
	if sub.Status != store.StatusGracePeriod {
		return "", rerrors.Conflict(op, "subscription %s is %s, only Grace Period subscriptions can be retried", sub.ID, sub.Status)
	}
	live, err := q.HasLive(ctx, jobs.KindRetryPayment, sub.SiteName)
	if err != nil {
		return "", rerrors.Transient(op, err)
	}
	if live {
		return "", nil
	}
	return q.Enqueue(ctx, jobs.Spec{
		Kind:        jobs.KindRetryPayment,
		Subject:     sub.SiteName,
		Payload:     lifecycle.RetryPaymentPayload{SubscriptionID: sub.ID, RequestedBy: requestedBy},
		MaxAttempts: retryPaymentAttempts,
	})
}

// SaveAuthorization verifies a gateway reference and stores the reusable
// authorization on the customer who paid.
func SaveAuthorization(ctx context.Context, st *store.Store, gw payment.Gateway, reference string) (*store.Customer, error) {
	const op = "controlplane.verify_payment_authorization"
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, rerrors.Validation(op, "reference is required")
	}
	res := gw.VerifyAuthorization(ctx, reference)
	if !res.OK {
		return nil, rerrors.Validation(op, "payment authorization could not be verified: %s", res.Reason)
	}
	customer, err := st.GetCustomerByEmail(ctx, res.CustomerEmail)
	if err != nil {
		return nil, rerrors.Transient(op, err)
	}
	if customer == nil {
		return nil, rerrors.NotFound(op, "no customer with email %s", res.CustomerEmail)
	}
	if err := st.SavePaymentAuthorization(ctx, customer.ID, res.AuthorizationCode); err != nil {
		return nil, rerrors.Wrap(rerrors.KindInternal, op, err)
	}
	return customer, nil
}
