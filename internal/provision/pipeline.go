package provision

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"github.com/RendaniSinyage/rokct/internal/bench"
	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/joblock"
	"github.com/RendaniSinyage/rokct/internal/jobs"
	"github.com/RendaniSinyage/rokct/internal/logging"
	"github.com/RendaniSinyage/rokct/internal/metrics"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/store"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
)

// UserDetails carries the signup data the tenant bootstrap needs. The
// password stays encrypted while queued.
type UserDetails struct {
	Email             string `json:"email"`
	EncryptedPassword string `json:"password_enc"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	CompanyName       string `json:"company_name"`
	Currency          string `json:"currency"`
	Country           string `json:"country"`
	VerificationToken string `json:"verification_token"`
}

// SitePayload is the payload of create_tenant_site and complete_tenant_setup.
type SitePayload struct {
	SubscriptionID string      `json:"subscription_id"`
	SiteName       string      `json:"site_name"`
	User           UserDetails `json:"user"`
	Sync           bool        `json:"sync,omitempty"`
}

// errNotPending stops site creation when the subscription left Pending while
// its apps were being installed.
var errNotPending = errors.New("subscription is no longer pending")

// CreateSite creates the site, installs its apps and marks the subscription
// Provisioning. It is a no-op unless the subscription is still Pending. The
// site lock is held throughout; a held lock is retryable.
func (s *Service) CreateSite(ctx context.Context, p SitePayload) error {
	const op = "provision.create_tenant_site"
	logger := log.With().Str("component", "provision").Str("site", p.SiteName).Str("subscription", p.SubscriptionID).Logger()

	if err := s.withSiteLock(ctx, op, logger, p.SiteName, func() error { return s.createSite(ctx, logger, p) }); err != nil {
		return err
	}
	if p.Sync {
		return s.CompleteSetup(ctx, p)
	}
	return nil
}

func (s *Service) createSite(ctx context.Context, logger zerolog.Logger, p SitePayload) error {
	const op = "provision.create_tenant_site"

	sub, err := s.store.GetSubscription(ctx, p.SubscriptionID)
	if err != nil {
		return rerrors.Transient(op, err)
	}
	if sub == nil {
		logger.Warn().Msg("Subscription no longer exists, skipping site creation")
		return nil
	}
	if sub.Status != store.StatusPending {
		logger.Info().Str("status", string(sub.Status)).Msg("Subscription is past Pending, skipping site creation")
		return nil
	}
	plan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return rerrors.Transient(op, err)
	}
	if plan == nil {
		return s.failSetup(ctx, logger, sub, "plan_lookup", fmt.Errorf("plan %s not found", sub.PlanID))
	}

	exists, err := s.bench.SiteExists(p.SiteName)
	if err != nil {
		return rerrors.Transient(op, err)
	}
	if exists {
		logger.Warn().Msg("Site directory already present, resuming after new-site")
	} else {
		logger.Info().Msg("Creating tenant site")
		if err := s.bench.NewSite(ctx, p.SiteName, bench.DBName(p.SiteName)); err != nil {
			if ctx.Err() != nil {
				return rerrors.Transient(op, err)
			}
			metrics.ProvisioningTotal.WithLabelValues("new_site", metrics.OutcomeFailed).Inc()
			logger.Error().Err(err).Msg("new-site failed, removing subscription")
			removed, derr := s.store.RemoveFailedSignup(context.WithoutCancel(ctx), sub.ID)
			if derr != nil {
				logger.Error().Err(derr).Msg("Failed to remove subscription after new-site failure")
			} else if removed {
				logger.Info().Str("customer", sub.CustomerID).Msg("Removed customer left without subscriptions")
			}
			s.notifier.Admin(context.WithoutCancel(ctx), notify.AdminAlertData{
				SiteName: p.SiteName, Operation: "create_tenant_site", Success: false,
				Detail: "new-site failed: " + logging.Redact(err.Error()),
			})
			return rerrors.Permanent(op, err).WithSubject(p.SiteName)
		}
		metrics.ProvisioningTotal.WithLabelValues("new_site", metrics.OutcomeSuccess).Inc()
	}
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	modules := bench.ModuleSet(s.cfg.CommonApps, plan.Modules, s.cfg.PrimaryApp)
	if err := s.bench.WriteAppsList(p.SiteName, append([]string{"frappe"}, modules...)); err != nil {
		return s.failSetup(ctx, logger, sub, "write_apps_list", err)
	}
	for _, app := range modules {
		if err := checkCtx(ctx, op); err != nil {
			return err
		}
		logger.Info().Str("app", app).Msg("Installing app")
		if err := s.bench.InstallApp(ctx, p.SiteName, app); err != nil {
			return s.failSetup(ctx, logger, sub, "install_app "+app, err)
		}
	}
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if err := s.bench.SetConfig(ctx, p.SiteName, "app_role", "tenant"); err != nil {
		return s.failSetup(ctx, logger, sub, "set_config", err)
	}

	err = s.store.InTx(ctx, func(tx *store.Store) error {
		if _, err := tx.MutateSubscription(ctx, sub.ID, func(sub *store.Subscription) error {
			if sub.Status != store.StatusPending {
				return errNotPending
			}
			sub.Status = store.StatusProvisioning
			return nil
		}); err != nil {
			return err
		}
		if p.Sync {
			return nil
		}
		_, err := jobs.Enqueue(ctx, tx.Conn(), s.now().UTC(), jobs.Spec{
			Kind:        jobs.KindCompleteTenantSetup,
			Subject:     sub.ID,
			Payload:     p,
			MaxAttempts: completeSetupAttempts,
		})
		return err
	})
	if errors.Is(err, errNotPending) {
		// Canceled or banned mid-install; the queued drop removes the site.
		logger.Warn().Msg("Subscription left Pending during site creation, leaving site for deletion")
		return nil
	}
	if err != nil {
		return rerrors.Transient(op, err)
	}
	metrics.ProvisioningTotal.WithLabelValues("create_site", metrics.OutcomeSuccess).Inc()
	logger.Info().Int("apps", len(modules)).Msg("Tenant site created")
	return nil
}

// withSiteLock runs fn holding the site's job lock.
func (s *Service) withSiteLock(ctx context.Context, op string, logger zerolog.Logger, site string, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	release, err := joblock.Acquire(ctx, s.locker, site)
	if err != nil {
		if errors.Is(err, joblock.ErrHeld) {
			logger.Warn().Msg("Another job holds the site lock, will retry")
		}
		return rerrors.Transient(op, err).WithSubject(site)
	}
	defer release()
	return fn()
}

// failSetup records a site-creation failure after the site exists.
func (s *Service) failSetup(ctx context.Context, logger zerolog.Logger, sub *store.Subscription, step string, cause error) error {
	if ctx.Err() != nil {
		return rerrors.Transient("provision."+step, cause).WithSubject(sub.SiteName)
	}
	metrics.ProvisioningTotal.WithLabelValues(step, metrics.OutcomeFailed).Inc()
	logger.Error().Err(cause).Str("step", step).Msg("Tenant site setup failed")
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.MutateSubscription(ctx, sub.ID, func(sub *store.Subscription) error {
		sub.Status = store.StatusSetupFailed
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to mark subscription Setup Failed")
	}
	s.notifier.Admin(ctx, notify.AdminAlertData{
		SiteName: sub.SiteName, Operation: "create_tenant_site", Success: false,
		Detail: step + " failed: " + logging.Redact(cause.Error()),
	})
	return rerrors.Permanent("provision."+step, cause).WithSubject(sub.SiteName)
}

// CompleteSetup bootstraps the tenant's first user with a bounded retry and
// moves the subscription to its final status, holding the site lock.
func (s *Service) CompleteSetup(ctx context.Context, p SitePayload) error {
	const op = "provision.complete_tenant_setup"
	logger := log.With().Str("component", "provision").Str("site", p.SiteName).Str("subscription", p.SubscriptionID).Logger()
	return s.withSiteLock(ctx, op, logger, p.SiteName, func() error { return s.completeSetup(ctx, logger, p) })
}

func (s *Service) completeSetup(ctx context.Context, logger zerolog.Logger, p SitePayload) error {
	const op = "provision.complete_tenant_setup"

	sub, err := s.store.GetSubscription(ctx, p.SubscriptionID)
	if err != nil {
		return rerrors.Transient(op, err)
	}
	if sub == nil || sub.Status != store.StatusProvisioning {
		logger.Info().Msg("Subscription is not Provisioning, skipping tenant setup")
		return nil
	}
	password, err := s.crypto.DecryptString(p.User.EncryptedPassword)
	if err != nil {
		return s.setupExhausted(ctx, logger, sub, fmt.Errorf("decrypt signup password: %w", err))
	}

	req := tenantrpc.InitialSetupRequest{
		Email:             p.User.Email,
		Password:          password,
		FirstName:         p.User.FirstName,
		LastName:          p.User.LastName,
		CompanyName:       p.User.CompanyName,
		Currency:          p.User.Currency,
		Country:           p.User.Country,
		VerificationToken: p.User.VerificationToken,
		APISecret:         sub.APISecret,
		ControlPlaneURL:   s.cfg.ControlPlaneURL,
		LoginRedirectURL:  s.cfg.LoginRedirectURL,
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(s.cfg.SetupAttempts-1), retry.NewConstant(s.cfg.SetupRetryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		reply, err := s.tenant.InitialSetup(ctx, p.SiteName, sub.APISecret, req)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("initial_setup call failed")
			return retry.RetryableError(err)
		}
		if !reply.OK() {
			logger.Warn().Str("reply_status", reply.Status).Str("reply", logging.Redact(reply.Message)).Int("attempt", attempt).
				Msg("initial_setup did not succeed")
			return retry.RetryableError(fmt.Errorf("initial_setup replied %s: %s", reply.Status, reply.Message))
		}
		if reply.Status == tenantrpc.StatusWarning {
			logger.Info().Str("reply", reply.Message).Msg("initial_setup returned a warning, treating as success")
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return rerrors.Transient(op, err)
		}
		return s.setupExhausted(ctx, logger, sub, fmt.Errorf("after %d attempts: %w", attempt, err))
	}

	plan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return rerrors.Transient(op, err)
	}
	if plan == nil {
		return s.setupExhausted(ctx, logger, sub, fmt.Errorf("plan %s not found", sub.PlanID))
	}
	today := store.Date(s.now())
	final, err := s.store.MutateSubscription(ctx, sub.ID, func(sub *store.Subscription) error {
		applyFinalStatus(sub, plan, today)
		return nil
	})
	if err != nil {
		return rerrors.Transient(op, err)
	}
	metrics.ProvisioningTotal.WithLabelValues("complete_setup", metrics.OutcomeSuccess).Inc()
	logger.Info().Str("status", string(final.Status)).Int("attempts", attempt).Msg("Tenant setup complete")

	siteURL := s.tenant.SiteURL(p.SiteName)
	if err := s.notifier.Welcome(ctx, p.SiteName, p.User.Email, notify.WelcomeData{
		FirstName:       p.User.FirstName,
		SiteURL:         siteURL,
		VerificationURL: VerificationURL(siteURL, p.User.VerificationToken),
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to send welcome email")
	}
	s.notifier.Admin(ctx, notify.AdminAlertData{
		SiteName: p.SiteName, Operation: "provision_new_tenant", Success: true,
		Detail: fmt.Sprintf("Plan %s, status %s", plan.ID, final.Status),
	})
	return nil
}

func (s *Service) setupExhausted(ctx context.Context, logger zerolog.Logger, sub *store.Subscription, cause error) error {
	metrics.ProvisioningTotal.WithLabelValues("complete_setup", metrics.OutcomeFailed).Inc()
	logger.Error().Err(cause).Msg("Tenant setup failed")
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.MutateSubscription(ctx, sub.ID, func(sub *store.Subscription) error {
		sub.Status = store.StatusSetupFailed
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to mark subscription Setup Failed")
	}
	s.notifier.Admin(ctx, notify.AdminAlertData{
		SiteName: sub.SiteName, Operation: "complete_tenant_setup", Success: false,
		Detail: logging.Redact(cause.Error()),
	})
	return rerrors.Permanent("provision.complete_tenant_setup", cause).WithSubject(sub.SiteName)
}

// applyFinalStatus sets the post-bootstrap status a plan implies: Free for
// zero-cost plans, Trialing while a trial runs, Active otherwise.
func applyFinalStatus(sub *store.Subscription, plan *store.Plan, today time.Time) {
	switch {
	case plan.IsFree():
		sub.Status = store.StatusFree
		sub.TrialEndsOn = nil
		sub.NextBillingDate = nil
		if plan.BillingCycle != store.CycleNone {
			next := plan.BillingCycle.Advance(today)
			sub.NextBillingDate = &next
		}
	case sub.TrialEndsOn != nil:
		sub.Status = store.StatusTrialing
		sub.NextBillingDate = nil
	default:
		sub.Status = store.StatusActive
		next := plan.BillingCycle.Advance(today)
		sub.NextBillingDate = &next
	}
}

// VerificationURL is the link in the welcome email.
func VerificationURL(siteURL, token string) string {
	return siteURL + "/verify_my_email?token=" + url.QueryEscape(token)
}

func checkCtx(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return rerrors.Transient(op, err)
	}
	return nil
}

