// Package deprovision deletes tenant sites. Canceling, banning or deleting
// a customer queues a drop_tenant_site job; the job removes the site under
// its per-site lock and marks the subscription Dropped.
package deprovision

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/RendaniSinyage/rokct/internal/bench"
	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/joblock"
	"github.com/RendaniSinyage/rokct/internal/jobs"
	"github.com/RendaniSinyage/rokct/internal/logging"
	"github.com/RendaniSinyage/rokct/internal/metrics"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/store"
)

// DropAttempts is the job budget of a site deletion.
const DropAttempts = 5

// Notifier receives the operator alert every drop produces.
type Notifier interface {
	Admin(ctx context.Context, data notify.AdminAlertData)
}

// DropPayload is the payload of a drop_tenant_site job.
type DropPayload struct {
	SiteName       string `json:"site_name"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Service runs site deletion and the administrative edges that trigger it.
type Service struct {
	store    *store.Store
	queue    *jobs.Queue
	bench    *bench.Bench
	locker   joblock.Locker
	notifier Notifier
}

// New returns a Service.
func New(st *store.Store, q *jobs.Queue, b *bench.Bench, locker joblock.Locker, n Notifier) *Service {
	return &Service{store: st, queue: q, bench: b, locker: locker, notifier: n}
}

// Handlers returns the drop_tenant_site job handler.
func (s *Service) Handlers() []jobs.Handler {
	return []jobs.Handler{
		jobs.Typed(jobs.KindDropTenantSite, func(ctx context.Context, _ string, p DropPayload) error {
			return s.DropTenantSite(ctx, p.SiteName)
		}),
	}
}

// Cancel cancels a subscription and queues deletion of its site.
func (s *Service) Cancel(ctx context.Context, subscriptionID, reason string) (*store.Subscription, error) {
	return s.terminate(ctx, "deprovision.cancel", subscriptionID, store.StatusCanceled, reason)
}

// Ban bans a subscription and queues deletion of its site.
func (s *Service) Ban(ctx context.Context, subscriptionID, reason string) (*store.Subscription, error) {
	return s.terminate(ctx, "deprovision.ban", subscriptionID, store.StatusBanned, reason)
}

func (s *Service) terminate(ctx context.Context, op, subscriptionID string, to store.Status, reason string) (*store.Subscription, error) {
	current, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, rerrors.NotFound(op, "subscription %s not found", subscriptionID)
	}
	if current.Status == store.StatusDropped {
		return nil, rerrors.Conflict(op, "subscription %s is already dropped", subscriptionID)
	}
	queued, err := s.queue.HasLive(ctx, jobs.KindDropTenantSite, current.SiteName)
	if err != nil {
		return nil, err
	}

	var out *store.Subscription
	err = s.store.InTx(ctx, func(tx *store.Store) error {
		sub, err := tx.MutateSubscription(ctx, subscriptionID, func(sub *store.Subscription) error {
			if sub.Status == store.StatusBanned && to == store.StatusCanceled {
				return nil
			}
			sub.Status = to
			sub.NextBillingDate = nil
			sub.PaymentRetryAttempt = 0
			sub.PreviousPlanID = ""
			return nil
		})
		if err != nil {
			return err
		}
		out = sub
		if queued {
			return nil
		}
		return enqueueDrop(ctx, tx, sub, reason)
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "deprovision").Str("site", out.SiteName).Str("subscription", out.ID).
		Str("status", string(out.Status)).Str("reason", reason).Bool("drop_already_queued", queued).
		Msg("Subscription terminated, site deletion queued")
	return out, nil
}

// DeleteCustomer removes a customer, cancels its subscriptions and queues a
// drop for every site it still owns.
func (s *Service) DeleteCustomer(ctx context.Context, customerID, reason string) ([]*store.Subscription, error) {
	var affected []*store.Subscription
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		subs, err := tx.ListSubscriptionsByCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		if _, err := tx.DeleteCustomer(ctx, customerID); err != nil {
			return err
		}
		for _, sub := range subs {
			if sub.Status == store.StatusDropped {
				continue
			}
			if err := enqueueDrop(ctx, tx, sub, reason); err != nil {
				return err
			}
			affected = append(affected, sub)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "deprovision").Str("customer", customerID).Int("sites", len(affected)).
		Msg("Customer deleted, site deletions queued")
	return affected, nil
}

func enqueueDrop(ctx context.Context, tx *store.Store, sub *store.Subscription, reason string) error {
	_, err := jobs.Enqueue(ctx, tx.Conn(), tx.Now(), jobs.Spec{
		Kind:        jobs.KindDropTenantSite,
		Subject:     sub.SiteName,
		Payload:     DropPayload{SiteName: sub.SiteName, SubscriptionID: sub.ID, Reason: reason},
		MaxAttempts: DropAttempts,
	})
	return err
}

// DropTenantSite deletes a site. It succeeds without doing anything when the
// site directory is already gone. The operator is notified of every outcome.
func (s *Service) DropTenantSite(ctx context.Context, site string) (err error) {
	const op = "deprovision.drop_tenant_site"
	logger := log.With().Str("component", "deprovision").Str("site", site).Logger()
	outcome := metrics.OutcomeSuccess
	detail := ""
	defer func() {
		if err != nil && outcome == metrics.OutcomeSuccess {
			outcome = metrics.OutcomeFailed
		}
		metrics.DropsTotal.WithLabelValues(outcome).Inc()
		if err != nil {
			detail = logging.Redact(err.Error())
		}
		s.notifier.Admin(context.WithoutCancel(ctx), notify.AdminAlertData{
			SiteName: site, Operation: "drop_tenant_site", Success: err == nil, Detail: detail,
		})
	}()

	sub, err := s.store.GetSubscriptionBySite(ctx, site)
	if err != nil {
		return rerrors.Transient(op, err)
	}
	if sub != nil {
		switch sub.Status {
		case store.StatusCanceled, store.StatusBanned, store.StatusDropped:
		default:
			return rerrors.Permanent(op, fmt.Errorf("site belongs to a %s subscription", sub.Status)).WithSubject(site)
		}
	}

	// Held across the existence check so a site still being created is
	// never reported absent.
	release, err := joblock.Acquire(ctx, s.locker, site)
	if err != nil {
		if errors.Is(err, joblock.ErrHeld) {
			at, _, _ := s.locker.AcquiredAt(ctx, site)
			logger.Warn().Time("held_since", at).Msg("Another job holds the site lock, exiting")
			outcome = metrics.OutcomeRetry
		}
		return rerrors.Transient(op, err).WithSubject(site)
	}
	defer release()

	exists, err := s.bench.SiteExists(site)
	if err != nil {
		return rerrors.Transient(op, err)
	}
	if !exists {
		logger.Info().Msg("Site directory already absent, nothing to drop")
		outcome = metrics.OutcomeSkipped
		detail = "Site directory already absent."
		return s.markDropped(ctx, logger, sub)
	}

	logger.Info().Str("bench", s.bench.Path()).Msg("Dropping tenant site")
	if err := s.bench.DropSite(ctx, site); err != nil {
		logger.Error().Err(err).Msg("drop-site failed")
		return rerrors.Transient(op, err).WithSubject(site)
	}

	exists, err = s.bench.SiteExists(site)
	if err != nil {
		return rerrors.Transient(op, err)
	}
	if exists {
		logger.Error().Str("severity", "critical").Str("path", s.bench.SitePath(site)).
			Msg("drop-site exited 0 but the site directory is still present")
		return rerrors.Invariant(op, fmt.Errorf("site directory %s still present after drop-site", s.bench.SitePath(site))).WithSubject(site)
	}

	if err := s.markDropped(ctx, logger, sub); err != nil {
		return err
	}
	detail = "Site and database deleted."
	logger.Info().Msg("Tenant site dropped")
	return nil
}

func (s *Service) markDropped(ctx context.Context, logger zerolog.Logger, sub *store.Subscription) error {
	if sub == nil || sub.Status == store.StatusDropped {
		return nil
	}
	if _, err := s.store.MutateSubscription(ctx, sub.ID, func(sub *store.Subscription) error {
		sub.Status = store.StatusDropped
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to mark subscription Dropped")
		return rerrors.Transient("deprovision.mark_dropped", err).WithSubject(sub.SiteName)
	}
	return nil
}
