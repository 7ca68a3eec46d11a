package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/jobs"
	"github.com/RendaniSinyage/rokct/internal/metrics"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/payment"
	"github.com/RendaniSinyage/rokct/internal/store"
)

// RetryPaymentPayload is the payload of a retry_payment job.
type RetryPaymentPayload struct {
	SubscriptionID string `json:"subscription_id"`
	RequestedBy    string `json:"requested_by,omitempty"`
}

// Handlers returns the job handlers owned by the reconciler.
func (r *Reconciler) Handlers() []jobs.Handler {
	return []jobs.Handler{
		jobs.Typed(jobs.KindRetryPayment, func(ctx context.Context, _ string, p RetryPaymentPayload) error {
			return r.RetryPayment(ctx, p.SubscriptionID, p.RequestedBy)
		}),
	}
}

// FinalCost is the amount charged at renewal: the plan cost plus every
// recurring add-on of the same cycle that is active on day.
func FinalCost(plan *store.Plan, addOns []*store.SubscriptionAddOn, day time.Time) decimal.Decimal {
	total := plan.Cost
	for _, sa := range addOns {
		if sa.AddOn.BillingType != store.BillingRecurring || sa.AddOn.BillingCycle != plan.BillingCycle {
			continue
		}
		if !sa.ActiveOn(day) {
			continue
		}
		total = total.Add(sa.AddOn.Cost)
	}
	return total
}

// FormatAmount renders an amount the way customer emails show it, e.g. "60 USD".
func FormatAmount(amount decimal.Decimal, currency string) string {
	if amount.Equal(amount.Truncate(0)) {
		return amount.Truncate(0).String() + " " + currency
	}
	return amount.StringFixed(2) + " " + currency
}

// renewPaid charges an Active subscription whose billing date has come.
func (r *Reconciler) renewPaid(ctx context.Context, today time.Time, sub *store.Subscription) error {
	plan, err := r.plan(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	addOns, err := r.store.ListSubscriptionAddOns(ctx, sub.ID)
	if err != nil {
		return err
	}
	amount := FinalCost(plan, addOns, today)
	if amount.IsZero() {
		_, err := r.store.MutateSubscription(ctx, sub.ID, func(s *store.Subscription) error {
			next := plan.BillingCycle.Advance(*s.NextBillingDate)
			s.NextBillingDate = &next
			return nil
		})
		return err
	}

	customer, err := r.customer(ctx, sub)
	if err != nil {
		return err
	}
	res := r.charge(ctx, sub, customer, amount, plan.Currency)
	attemptAt := r.now().UTC()
	data := notify.PaymentData{SiteName: sub.SiteName, PlanID: plan.ID, Amount: FormatAmount(amount, plan.Currency)}

	if res.OK {
		updated, err := r.store.MutateSubscription(ctx, sub.ID, func(s *store.Subscription) error {
			next := plan.BillingCycle.Advance(*s.NextBillingDate)
			s.NextBillingDate = &next
			s.PaymentRetryAttempt = 0
			s.LastPaymentAttemptAt = &attemptAt
			return nil
		})
		if err != nil {
			return r.chargedButNotRecorded(ctx, sub, data.Amount, err)
		}
		data.NextBillingDate = updated.NextBillingDate.Format("2006-01-02")
		r.sendPaymentEmail(ctx, customer, sub, data, true)
		return nil
	}

	_, err = r.store.MutateSubscription(ctx, sub.ID, func(s *store.Subscription) error {
		s.Status = store.StatusGracePeriod
		s.PaymentRetryAttempt = 1
		s.LastPaymentAttemptAt = &attemptAt
		return nil
	})
	if err != nil {
		return err
	}
	data.Reason = res.Reason
	data.Attempt = 1
	r.sendPaymentEmail(ctx, customer, sub, data, false)
	return nil
}

// retryGrace retries the charge of a Grace Period subscription. The
// subscription is downgraded once MaxPaymentAttempts charges have failed.
func (r *Reconciler) retryGrace(ctx context.Context, today time.Time, sub *store.Subscription) error {
	customer, err := r.customer(ctx, sub)
	if err != nil {
		return err
	}
	if sub.PaymentRetryAttempt >= r.cfg.MaxPaymentAttempts {
		return r.downgrade(ctx, sub, customer, "We could not collect payment after several attempts.")
	}
	plan, err := r.plan(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	addOns, err := r.store.ListSubscriptionAddOns(ctx, sub.ID)
	if err != nil {
		return err
	}
	amount := FinalCost(plan, addOns, today)
	res := r.charge(ctx, sub, customer, amount, plan.Currency)
	attemptAt := r.now().UTC()
	data := notify.PaymentData{SiteName: sub.SiteName, PlanID: plan.ID, Amount: FormatAmount(amount, plan.Currency)}

	if res.OK {
		return r.reactivate(ctx, sub, customer, plan, today, attemptAt, data)
	}

	attempt := sub.PaymentRetryAttempt + 1
	if attempt >= r.cfg.MaxPaymentAttempts {
		return r.downgrade(ctx, sub, customer, "We could not collect payment after several attempts.")
	}
	_, err = r.store.MutateSubscription(ctx, sub.ID, func(s *store.Subscription) error {
		s.PaymentRetryAttempt = attempt
		s.LastPaymentAttemptAt = &attemptAt
		return nil
	})
	if err != nil {
		return err
	}
	data.Reason = res.Reason
	data.Attempt = attempt
	r.sendPaymentEmail(ctx, customer, sub, data, false)
	return nil
}

// reactivate returns a Grace Period subscription to Active after a
// successful charge, billing again one cycle from today.
func (r *Reconciler) reactivate(ctx context.Context, sub *store.Subscription, customer *store.Customer, plan *store.Plan,
	today, attemptAt time.Time, data notify.PaymentData) error {
	next := plan.BillingCycle.Advance(today)
	_, err := r.store.MutateSubscription(ctx, sub.ID, func(s *store.Subscription) error {
		s.Status = store.StatusActive
		s.NextBillingDate = &next
		s.PaymentRetryAttempt = 0
		s.LastPaymentAttemptAt = &attemptAt
		return nil
	})
	if err != nil {
		return r.chargedButNotRecorded(ctx, sub, data.Amount, err)
	}
	data.NextBillingDate = next.Format("2006-01-02")
	r.sendPaymentEmail(ctx, customer, sub, data, true)
	return nil
}

// downgrade moves a subscription to the free plan, remembering the plan it
// came from.
func (r *Reconciler) downgrade(ctx context.Context, sub *store.Subscription, customer *store.Customer, reason string) error {
	previous := sub.PlanID
	_, err := r.store.MutateSubscription(ctx, sub.ID, func(s *store.Subscription) error {
		s.PreviousPlanID = s.PlanID
		s.PlanID = r.cfg.FreePlanID
		s.Status = store.StatusDowngraded
		s.NextBillingDate = nil
		s.PaymentRetryAttempt = 0
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("component", "lifecycle").Str("site", sub.SiteName).Str("subscription", sub.ID).
		Str("previous_plan", previous).Str("plan", r.cfg.FreePlanID).Msg("Subscription downgraded")
	if err := r.notifier.PlanChanged(ctx, sub.SiteName, customer.Email, notify.PlanChangedData{
		SiteName:     sub.SiteName,
		PreviousPlan: previous,
		NewPlan:      r.cfg.FreePlanID,
		Reason:       reason,
	}); err != nil {
		log.Warn().Err(err).Str("component", "lifecycle").Str("site", sub.SiteName).Msg("Failed to send plan change email")
	}
	return nil
}

func (r *Reconciler) charge(ctx context.Context, sub *store.Subscription, customer *store.Customer, amount decimal.Decimal, currency string) payment.ChargeResult {
	res := r.gateway.Charge(ctx, customer.Email, amount, currency)
	outcome := metrics.OutcomeSuccess
	if !res.OK {
		outcome = metrics.OutcomeFailed
	}
	metrics.ChargesTotal.WithLabelValues(r.gateway.Name(), outcome).Inc()
	event := log.Info()
	if !res.OK {
		event = log.Warn().Str("reason", res.Reason)
	}
	event.Str("component", "lifecycle").Str("site", sub.SiteName).Str("subscription", sub.ID).
		Str("gateway", r.gateway.Name()).Str("amount", FormatAmount(amount, currency)).Bool("ok", res.OK).
		Msg("Charge attempted")
	return res
}

func (r *Reconciler) sendPaymentEmail(ctx context.Context, customer *store.Customer, sub *store.Subscription, data notify.PaymentData, ok bool) {
	send := r.notifier.PaymentFailed
	if ok {
		send = r.notifier.PaymentSucceeded
	}
	if err := send(ctx, sub.SiteName, customer.Email, data); err != nil {
		log.Warn().Err(err).Str("component", "lifecycle").Str("site", sub.SiteName).Bool("payment_ok", ok).
			Msg("Failed to send payment email")
	}
}

// chargedButNotRecorded reports a successful charge whose state update failed.
func (r *Reconciler) chargedButNotRecorded(ctx context.Context, sub *store.Subscription, amount string, cause error) error {
	r.notifier.Admin(context.WithoutCancel(ctx), notify.AdminAlertData{
		SiteName:  sub.SiteName,
		Operation: "record_payment",
		Success:   false,
		Detail:    fmt.Sprintf("Charged %s for subscription %s but the update failed: %v", amount, sub.ID, cause),
	})
	return rerrors.Invariant("lifecycle.record_payment", cause).WithSubject(sub.SiteName)
}

// RetryPayment charges a Grace Period subscription immediately, on operator
// request. A failure leaves the retry schedule untouched.
func (r *Reconciler) RetryPayment(ctx context.Context, subscriptionID, requestedBy string) error {
	const op = "lifecycle.retry_payment"
	sub, err := r.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return rerrors.Transient(op, err)
	}
	if sub == nil {
		return rerrors.NotFound(op, "subscription %s not found", subscriptionID)
	}
	logger := log.With().Str("component", "lifecycle").Str("site", sub.SiteName).Str("subscription", sub.ID).
		Str("requested_by", requestedBy).Logger()
	if sub.Status != store.StatusGracePeriod {
		logger.Info().Str("status", string(sub.Status)).Msg("Subscription is not in Grace Period, nothing to retry")
		return nil
	}

	err = r.withSiteLock(ctx, sub.SiteName, func() error {
		customer, err := r.customer(ctx, sub)
		if err != nil {
			return rerrors.Permanent(op, err)
		}
		plan, err := r.plan(ctx, sub.PlanID)
		if err != nil {
			return rerrors.Permanent(op, err)
		}
		addOns, err := r.store.ListSubscriptionAddOns(ctx, sub.ID)
		if err != nil {
			return rerrors.Transient(op, err)
		}
		today := store.Date(r.now())
		amount := FinalCost(plan, addOns, today)
		data := notify.PaymentData{SiteName: sub.SiteName, PlanID: plan.ID, Amount: FormatAmount(amount, plan.Currency)}

		res := r.charge(ctx, sub, customer, amount, plan.Currency)
		if !res.OK {
			logger.Warn().Str("reason", res.Reason).Msg("Manual payment retry failed")
			r.notifier.Admin(ctx, notify.AdminAlertData{
				SiteName: sub.SiteName, Operation: "retry_payment", Success: false,
				Detail: fmt.Sprintf("Payment of %s failed again: %s", data.Amount, res.Reason),
			})
			return nil
		}
		if err := r.reactivate(ctx, sub, customer, plan, today, r.now().UTC(), data); err != nil {
			return err
		}
		r.notifier.Admin(ctx, notify.AdminAlertData{
			SiteName: sub.SiteName, Operation: "retry_payment", Success: true,
			Detail: fmt.Sprintf("Payment of %s succeeded, subscription is Active.", data.Amount),
		})
		return nil
	})
	if errors.Is(err, errSkipped) {
		return rerrors.Transient(op, err)
	}
	return err
}
