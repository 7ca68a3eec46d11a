// Package lifecycle runs the daily subscription reconciler: trial reminders
// and expiry, renewals, payment retries during the grace period, cleanup of
// unverified signups and of provisioning that never finished.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/RendaniSinyage/rokct/internal/joblock"
	"github.com/RendaniSinyage/rokct/internal/jobs"
	"github.com/RendaniSinyage/rokct/internal/metrics"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/payment"
	"github.com/RendaniSinyage/rokct/internal/store"
)

// Defaults of the reconciler policy.
const (
	DefaultTrialReminderDays  = 3
	DefaultGraceRetryInterval = 72 * time.Hour
	DefaultMaxPaymentAttempts = 3
	DefaultUnverifiedDays     = 3
	DefaultStuckAfter         = 2 * time.Hour
	DefaultJobRetention       = 30 * 24 * time.Hour
)

// Pass names, in run order.
const (
	PassTrialReminder  = "trial_reminder"
	PassTrialExpiry    = "trial_expiry"
	PassFreeRenewal    = "free_renewal"
	PassPaidRenewal    = "paid_renewal"
	PassGraceRetry     = "grace_retry"
	PassUnverified     = "unverified_cleanup"
	PassStuckProvision = "stuck_provisioning"
)

// errSkipped marks a subscription left alone because its site lock is held.
var errSkipped = errors.New("site is locked by another job")

// Notifier sends the emails the reconciler produces.
type Notifier interface {
	TrialEnding(ctx context.Context, site, to string, data notify.TrialEndingData) error
	PaymentSucceeded(ctx context.Context, site, to string, data notify.PaymentData) error
	PaymentFailed(ctx context.Context, site, to string, data notify.PaymentData) error
	PlanChanged(ctx context.Context, site, to string, data notify.PlanChangedData) error
	Admin(ctx context.Context, data notify.AdminAlertData)
}

// Config holds the reconciler policy.
type Config struct {
	FreePlanID         string
	BillingURL         string
	TrialReminderDays  int
	GraceRetryInterval time.Duration
	MaxPaymentAttempts int
	UnverifiedDays     int
	StuckAfter         time.Duration
	JobRetention       time.Duration
}

func (c *Config) applyDefaults() {
	if c.FreePlanID == "" {
		c.FreePlanID = "Free-Monthly"
	}
	if c.TrialReminderDays <= 0 {
		c.TrialReminderDays = DefaultTrialReminderDays
	}
	if c.GraceRetryInterval <= 0 {
		c.GraceRetryInterval = DefaultGraceRetryInterval
	}
	if c.MaxPaymentAttempts <= 0 {
		c.MaxPaymentAttempts = DefaultMaxPaymentAttempts
	}
	if c.UnverifiedDays <= 0 {
		c.UnverifiedDays = DefaultUnverifiedDays
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = DefaultStuckAfter
	}
	if c.JobRetention <= 0 {
		c.JobRetention = DefaultJobRetention
	}
}

// PassResult counts what one pass did.
type PassResult struct {
	Name      string `json:"name"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Err       string `json:"error,omitempty"`
}

// Report summarizes one reconciler run.
type Report struct {
	Day      time.Time    `json:"day"`
	Passes   []PassResult `json:"passes"`
	Duration string       `json:"duration"`
}

// Failed reports whether any pass or subscription failed.
func (r *Report) Failed() bool {
	for _, p := range r.Passes {
		if p.Failed > 0 || p.Err != "" {
			return true
		}
	}
	return false
}

// Reconciler applies the daily lifecycle rules to every subscription.
type Reconciler struct {
	cfg      Config
	store    *store.Store
	queue    *jobs.Queue
	gateway  payment.Gateway
	notifier Notifier
	locker   joblock.Locker
	now      func() time.Time
}

// New returns a Reconciler. locker may be nil, in which case no site lock is
// taken around per-subscription work.
func New(cfg Config, st *store.Store, q *jobs.Queue, gw payment.Gateway, n Notifier, locker joblock.Locker) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{cfg: cfg, store: st, queue: q, gateway: gw, notifier: n, locker: locker, now: time.Now}
}

// SetNow overrides the clock. Tests only.
func (r *Reconciler) SetNow(now func() time.Time) {
	r.now = now
}

type pass struct {
	name string
	list func(ctx context.Context, today time.Time) ([]*store.Subscription, error)
	each func(ctx context.Context, today time.Time, sub *store.Subscription) error
}

func (r *Reconciler) passes() []pass {
	return []pass{
		{PassTrialReminder, r.listTrialReminders, r.sendTrialReminder},
		{PassTrialExpiry, r.store.ListTrialExpired, r.expireTrial},
		{PassFreeRenewal, r.listDue(store.StatusFree), r.renewFree},
		{PassPaidRenewal, r.listDue(store.StatusActive), r.renewPaid},
		{PassGraceRetry, r.listGraceDue, r.retryGrace},
		{PassUnverified, r.listUnverified, r.cancelUnverified},
		{PassStuckProvision, r.listStuck, r.failStuck},
	}
}

// Run executes every pass once, in order. A failing subscription is logged
// and counted; it never stops the pass or the passes after it.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	today := store.Date(r.now())
	report := &Report{Day: today}
	logger := log.With().Str("component", "lifecycle").Str("day", today.Format("2006-01-02")).Logger()
	logger.Info().Msg("Reconciler run started")

	for _, p := range r.passes() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Passes = append(report.Passes, r.runPass(ctx, logger, today, p))
	}

	r.pruneJobs(ctx, logger)
	r.RecordStatusGauge(ctx)

	elapsed := time.Since(start)
	metrics.ReconcileDuration.Observe(elapsed.Seconds())
	report.Duration = elapsed.Round(time.Millisecond).String()
	logger.Info().Dur("duration", elapsed).Bool("failures", report.Failed()).Msg("Reconciler run finished")
	return report, nil
}

// RunPass executes a single pass by name.
func (r *Reconciler) RunPass(ctx context.Context, name string) (PassResult, error) {
	today := store.Date(r.now())
	logger := log.With().Str("component", "lifecycle").Str("day", today.Format("2006-01-02")).Logger()
	for _, p := range r.passes() {
		if p.name == name {
			return r.runPass(ctx, logger, today, p), nil
		}
	}
	return PassResult{}, fmt.Errorf("unknown reconciler pass %q", name)
}

// PassNames lists the passes in run order.
func PassNames() []string {
	return []string{PassTrialReminder, PassTrialExpiry, PassFreeRenewal, PassPaidRenewal,
		PassGraceRetry, PassUnverified, PassStuckProvision}
}

func (r *Reconciler) runPass(ctx context.Context, logger zerolog.Logger, today time.Time, p pass) PassResult {
	res := PassResult{Name: p.name}
	logger = logger.With().Str("pass", p.name).Logger()

	subs, err := p.list(ctx, today)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list subscriptions for pass")
		metrics.ReconcilePassTotal.WithLabelValues(p.name, metrics.OutcomeFailed).Inc()
		res.Err = err.Error()
		return res
	}
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		err := r.withSiteLock(ctx, sub.SiteName, func() error {
			return p.each(ctx, today, sub)
		})
		switch {
		case err == nil:
			res.Processed++
			metrics.ReconcilePassTotal.WithLabelValues(p.name, metrics.OutcomeSuccess).Inc()
		case errors.Is(err, errSkipped):
			res.Skipped++
			metrics.ReconcilePassTotal.WithLabelValues(p.name, metrics.OutcomeSkipped).Inc()
			logger.Info().Str("site", sub.SiteName).Str("subscription", sub.ID).Msg("Site is locked, skipping")
		default:
			res.Failed++
			metrics.ReconcilePassTotal.WithLabelValues(p.name, metrics.OutcomeFailed).Inc()
			logger.Error().Err(err).Str("site", sub.SiteName).Str("subscription", sub.ID).Msg("Subscription failed in pass")
		}
	}
	if len(subs) > 0 {
		logger.Info().Int("processed", res.Processed).Int("skipped", res.Skipped).Int("failed", res.Failed).Msg("Pass finished")
	}
	return res
}

func (r *Reconciler) withSiteLock(ctx context.Context, site string, fn func() error) error {
	if r.locker == nil {
		return fn()
	}
	release, ok, err := r.locker.TryAcquire(ctx, site)
	if err != nil {
		return fmt.Errorf("acquire site lock: %w", err)
	}
	if !ok {
		return errSkipped
	}
	defer release()
	return fn()
}

// RecordStatusGauge refreshes the subscriptions-by-status gauge.
func (r *Reconciler) RecordStatusGauge(ctx context.Context) {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "lifecycle").Msg("Failed to count subscriptions by status")
		return
	}
	for _, s := range store.AllStatuses {
		metrics.SubscriptionsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (r *Reconciler) pruneJobs(ctx context.Context, logger zerolog.Logger) {
	if r.queue == nil {
		return
	}
	n, err := r.queue.Prune(ctx, r.now().Add(-r.cfg.JobRetention))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune finished jobs")
		return
	}
	if n > 0 {
		logger.Info().Int64("pruned", n).Msg("Pruned finished jobs")
	}
}

func (r *Reconciler) listDue(status store.Status) func(context.Context, time.Time) ([]*store.Subscription, error) {
	return func(ctx context.Context, today time.Time) ([]*store.Subscription, error) {
		return r.store.ListDueForRenewal(ctx, status, today)
	}
}

func (r *Reconciler) listTrialReminders(ctx context.Context, today time.Time) ([]*store.Subscription, error) {
	return r.store.ListTrialEndingOn(ctx, today.AddDate(0, 0, r.cfg.TrialReminderDays))
}

func (r *Reconciler) listGraceDue(ctx context.Context, _ time.Time) ([]*store.Subscription, error) {
	return r.store.ListGraceRetryDue(ctx, r.now().Add(-r.cfg.GraceRetryInterval))
}

func (r *Reconciler) listUnverified(ctx context.Context, today time.Time) ([]*store.Subscription, error) {
	return r.store.ListUnverifiedStartedOnOrBefore(ctx, today.AddDate(0, 0, -r.cfg.UnverifiedDays))
}

func (r *Reconciler) listStuck(ctx context.Context, _ time.Time) ([]*store.Subscription, error) {
	return r.store.ListStuck(ctx, r.now().Add(-r.cfg.StuckAfter))
}

// sendTrialReminder sends the trial-ending email once per subscription and day.
func (r *Reconciler) sendTrialReminder(ctx context.Context, today time.Time, sub *store.Subscription) error {
	customer, err := r.customer(ctx, sub)
	if err != nil {
		return err
	}
	day := today.AddDate(0, 0, r.cfg.TrialReminderDays)
	first, err := r.store.MarkTrialReminderSent(ctx, sub.ID, day)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	err = r.notifier.TrialEnding(ctx, sub.SiteName, customer.Email, notify.TrialEndingData{
		SiteName:    sub.SiteName,
		PlanID:      sub.PlanID,
		TrialEndsOn: day.Format("2006-01-02"),
		BillingURL:  r.cfg.BillingURL,
	})
	if err != nil {
		if ferr := r.store.ForgetTrialReminder(context.WithoutCancel(ctx), sub.ID, day); ferr != nil {
			log.Warn().Err(ferr).Str("component", "lifecycle").Str("subscription", sub.ID).Msg("Failed to clear trial reminder marker")
		}
		return fmt.Errorf("send trial reminder: %w", err)
	}
	return nil
}

// expireTrial activates a trial with a saved payment authorization, billing
// it from the trial end date so the renewal pass charges it in the same run.
// Without an authorization the subscription moves to the free plan.
func (r *Reconciler) expireTrial(ctx context.Context, _ time.Time, sub *store.Subscription) error {
	customer, err := r.customer(ctx, sub)
	if err != nil {
		return err
	}
	if customer.HasSavedAuthorization() {
		_, err := r.store.MutateSubscription(ctx, sub.ID, func(s *store.Subscription) error {
			s.Status = store.StatusActive
			next := *s.TrialEndsOn
			s.NextBillingDate = &next
			return nil
		})
		if err == nil {
			log.Info().Str("component", "lifecycle").Str("site", sub.SiteName).Msg("Trial converted to paid subscription")
		}
		return err
	}
	return r.downgrade(ctx, sub, customer, "Your trial ended without a saved payment method.")
}

func (r *Reconciler) renewFree(ctx context.Context, _ time.Time, sub *store.Subscription) error {
	plan, err := r.plan(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	_, err = r.store.MutateSubscription(ctx, sub.ID, func(s *store.Subscription) error {
		next := plan.BillingCycle.Advance(*s.NextBillingDate)
		s.NextBillingDate = &next
		return nil
	})
	return err
}

func (r *Reconciler) customer(ctx context.Context, sub *store.Subscription) (*store.Customer, error) {
	c, err := r.store.GetCustomer(ctx, sub.CustomerID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("customer %s of subscription %s not found", sub.CustomerID, sub.ID)
	}
	return c, nil
}

func (r *Reconciler) plan(ctx context.Context, id string) (*store.Plan, error) {
	p, err := r.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("plan %s not found", id)
	}
	return p, nil
}

// cancelUnverified cancels signups whose email was never verified. The site
// is kept; deletion happens only on explicit cancellation.
func (r *Reconciler) cancelUnverified(ctx context.Context, _ time.Time, sub *store.Subscription) error {
	_, err := r.store.MutateSubscription(ctx, sub.ID, func(s *store.Subscription) error {
		cancel(s)
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("component", "lifecycle").Str("site", sub.SiteName).Str("subscription", sub.ID).
		Msg("Canceled subscription with unverified email")
	return nil
}

// failStuck marks provisioning that has no live job as Setup Failed.
func (r *Reconciler) failStuck(ctx context.Context, _ time.Time, sub *store.Subscription) error {
	if r.queue != nil {
		for _, kind := range []string{jobs.KindCreateTenantSite, jobs.KindCompleteTenantSetup} {
			live, err := r.queue.HasLive(ctx, kind, sub.ID)
			if err != nil {
				return err
			}
			if live {
				return nil
			}
		}
	}
	stuckFor := r.now().Sub(sub.UpdatedAt)
	log.Warn().Str("component", "lifecycle").Str("site", sub.SiteName).Str("subscription", sub.ID).
		Str("status", string(sub.Status)).Dur("stuck_duration", stuckFor).
		Msg("Subscription stuck in provisioning, marking Setup Failed")
	_, err := r.store.MutateSubscription(ctx, sub.ID, func(s *store.Subscription) error {
		s.Status = store.StatusSetupFailed
		return nil
	})
	if err != nil {
		return err
	}
	r.notifier.Admin(ctx, notify.AdminAlertData{
		SiteName:  sub.SiteName,
		Operation: "provisioning_timeout",
		Success:   false,
		Detail:    fmt.Sprintf("Subscription %s was %s for %s with no job in flight.", sub.ID, sub.Status, stuckFor.Round(time.Minute)),
	})
	return nil
}

// cancel applies the Canceled status and clears the billing fields it forbids.
func cancel(s *store.Subscription) {
	s.Status = store.StatusCanceled
	s.NextBillingDate = nil
	s.PaymentRetryAttempt = 0
	s.PreviousPlanID = ""
}
